package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin/internal/cache"
	"odin/internal/common"
	"odin/internal/correlate"
	"odin/internal/taskqueue"
	"odin/internal/wtss"
)

func f(v float64) *float64 { return &v }

func completedTask() *taskqueue.SearchTask {
	task := taskqueue.NewSearchTask("done", common.Point{Lat: -10, Lng: -50}, []string{"S2-16D-2"}, nil)
	task.MarkStarted()
	task.MarkCompleted(&taskqueue.TaskResult{
		Items: []common.SearchItem{
			{ID: "img1", Collection: "S2-16D-2", Date: "2021-01-03", Thumbnail: "img1.png"},
			{ID: "other", Collection: "LANDSAT-16D-1", Date: "2021-02-14", Thumbnail: "other.png"},
		},
		Series: []wtss.Series{{
			Collection: "S2-16D-2",
			Attributes: []string{"NDVI"},
			Window:     common.DateRange{Start: "2021-01-01", End: "2021-02-15"},
			Response: &wtss.Response{Result: wtss.Result{
				Attributes: []wtss.AttributeValues{{Attribute: "NDVI", Values: []*float64{f(4500), f(-3500)}}},
				Timeline:   []string{"2021-01-01", "2021-02-15"},
			}},
		}},
		BatchesTotal: 1,
	})
	return task
}

func TestCreateSearch(t *testing.T) {
	tasks := newFakeTasks()
	s := NewServer(Options{Tasks: tasks})

	rec := do(t, s, http.MethodPost, "/searches", `{
		"latitude": -10,
		"longitude": -50,
		"collections": ["S2-16D-2", "AMAZONIA-1-WFI"],
		"startDate": "2021-01-01",
		"endDate": "2021-06-30",
		"batchSize": 5,
		"fanOutMode": "wishlist",
		"wishlist": ["NDVI"]
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, tasks.added, 1)
	task := tasks.added[0]
	assert.Equal(t, taskqueue.TaskStatusPending, task.Status)
	assert.Equal(t, common.Point{Lat: -10, Lng: -50}, task.Point)
	assert.Equal(t, []string{"S2-16D-2", "AMAZONIA-1-WFI"}, task.Collections)
	assert.Equal(t, &common.DateRange{Start: "2021-01-01", End: "2021-06-30"}, task.DateRange)
	assert.Equal(t, 5, task.BatchSize)
	assert.Equal(t, common.FanOutWishlist, task.FanOutMode)
	assert.Equal(t, []string{"NDVI"}, task.Wishlist)
	assert.Equal(t, "2 collections at -10.0000, -50.0000", task.Name)

	var got taskqueue.SearchTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, task.ID, got.ID)
}

func TestCreateSearch_Rejects(t *testing.T) {
	s := NewServer(Options{Tasks: newFakeTasks()})

	for name, body := range map[string]string{
		"missing point":     `{"collections":["S2-16D-2"]}`,
		"no collections":    `{"latitude":-10,"longitude":-50,"collections":[]}`,
		"inverted dates":    `{"latitude":-10,"longitude":-50,"collections":["S2-16D-2"],"startDate":"2021-06-01","endDate":"2021-01-01"}`,
		"unknown mode":      `{"latitude":-10,"longitude":-50,"collections":["S2-16D-2"],"fanOutMode":"some"}`,
		"empty wishlist":    `{"latitude":-10,"longitude":-50,"collections":["S2-16D-2"],"fanOutMode":"wishlist"}`,
		"latitude too high": `{"latitude":91,"longitude":-50,"collections":["S2-16D-2"]}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/searches", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGetSearch_NotFound(t *testing.T) {
	s := NewServer(Options{Tasks: newFakeTasks()})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := s.handleGetSearch(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
}

func TestListSearches(t *testing.T) {
	done := completedTask()
	s := NewServer(Options{Tasks: newFakeTasks(done)})

	rec := do(t, s, http.MethodGet, "/searches", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tasks []taskqueue.SearchTask `json:"tasks"`
		Queue taskqueue.QueueStatus  `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, done.ID, body.Tasks[0].ID)
	assert.Equal(t, 1, body.Queue.TotalTasks)
}

func TestDeleteSearch(t *testing.T) {
	pending := taskqueue.NewSearchTask("pending", common.Point{Lat: 1, Lng: 1}, []string{"S2-16D-2"}, nil)
	done := completedTask()
	tasks := newFakeTasks(pending, done)
	s := NewServer(Options{Tasks: tasks})

	rec := do(t, s, http.MethodDelete, "/searches/"+pending.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{pending.ID}, tasks.cancelled)
	assert.Empty(t, tasks.deleted)

	rec = do(t, s, http.MethodDelete, "/searches/"+done.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{done.ID}, tasks.deleted)

	rec = do(t, s, http.MethodDelete, "/searches/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchSeries_JSON(t *testing.T) {
	done := completedTask()
	s := NewServer(Options{Tasks: newFakeTasks(done)})

	rec := do(t, s, http.MethodGet, "/searches/"+done.ID+"/series/s2-16d-2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var chart correlate.Chart
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chart))
	assert.Equal(t, "S2-16D-2", chart.Collection)
	assert.Equal(t, []string{"2021-01-01", "2021-02-15"}, chart.Labels)
	require.Len(t, chart.Datasets, 1)
	assert.Equal(t, "NDVI", chart.Datasets[0].Label)
	require.NotNil(t, chart.Datasets[0].Data[0])
	assert.InDelta(t, 0.45, *chart.Datasets[0].Data[0], 1e-12)
	assert.Nil(t, chart.Datasets[0].Data[1])
	// the LANDSAT image is closer to the second point but belongs to another collection
	assert.Equal(t, []string{"img1.png", ""}, chart.Thumbnails)
}

func TestSearchSeries_CSV(t *testing.T) {
	done := completedTask()
	s := NewServer(Options{Tasks: newFakeTasks(done)})

	rec := do(t, s, http.MethodGet, "/searches/"+done.ID+"/series/S2-16D-2?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/csv"))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), `filename="S2-16D-2.csv"`)
	assert.Equal(t, "date,NDVI,thumbnail\n2021-01-01,0.45,img1.png\n2021-02-15,,\n", rec.Body.String())
}

func TestSearchSeries_Cached(t *testing.T) {
	done := completedTask()
	rc := cache.New("series", 8, time.Minute)
	s := NewServer(Options{Tasks: newFakeTasks(done), Cache: rc})

	first := do(t, s, http.MethodGet, "/searches/"+done.ID+"/series/S2-16D-2?format=csv", "")
	second := do(t, s, http.MethodGet, "/searches/"+done.ID+"/series/S2-16D-2?format=csv", "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Contains(t, second.Header().Get(echo.HeaderContentDisposition), `filename="S2-16D-2.csv"`)

	rec := do(t, s, http.MethodGet, "/searches/"+done.ID+"/series/S2-16D-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cache.Stats{Entries: 2, Hits: 1, Misses: 2}, rc.Stats())

	rec = do(t, s, http.MethodGet, "/health", "")
	assert.Contains(t, rec.Body.String(), `"cache":{"entries":2,"hits":1,"misses":2}`)
}

func TestSearchSeries_Errors(t *testing.T) {
	done := completedTask()
	pending := taskqueue.NewSearchTask("pending", common.Point{Lat: 1, Lng: 1}, []string{"S2-16D-2"}, nil)
	s := NewServer(Options{Tasks: newFakeTasks(done, pending)})

	rec := do(t, s, http.MethodGet, "/searches/"+done.ID+"/series/S2-16D-2?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/searches/"+done.ID+"/series/CBERS4-WFI-16D-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/searches/"+pending.ID+"/series/S2-16D-2", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/searches/nope/series/S2-16D-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchProgress_WebSocket(t *testing.T) {
	task := taskqueue.NewSearchTask("live", common.Point{Lat: -10, Lng: -50}, []string{"S2-16D-2"}, nil)
	tasks := newFakeTasks(task)

	running := task.Clone()
	running.MarkStarted()
	running.UpdateProgress(taskqueue.TaskProgress{CurrentPhase: taskqueue.PhaseSearching, BatchesTotal: 2, BatchesCompleted: 1, SearchFraction: 0.5})
	finished := running.Clone()
	finished.MarkCompleted(&taskqueue.TaskResult{})
	tasks.frames[task.ID] = []*taskqueue.SearchTask{running, finished}

	ts := httptest.NewServer(NewServer(Options{Tasks: tasks}).Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/searches/" + task.ID + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frames []progressMessage
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		var msg progressMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		frames = append(frames, msg)
	}

	require.Len(t, frames, 2)
	assert.Equal(t, taskqueue.TaskStatusRunning, frames[0].Status)
	assert.Equal(t, 40, frames[0].Progress.Percent)
	assert.Equal(t, taskqueue.TaskStatusCompleted, frames[1].Status)
	assert.Equal(t, 100, frames[1].Progress.Percent)
}

func TestSearchProgress_UnknownTask(t *testing.T) {
	s := NewServer(Options{Tasks: newFakeTasks()})
	rec := do(t, s, http.MethodGet, "/searches/nope/progress", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

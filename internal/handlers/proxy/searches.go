package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"odin/internal/cache"
	"odin/internal/common"
	"odin/internal/correlate"
	"odin/internal/search"
	"odin/internal/taskqueue"
	"odin/internal/wtss"
)

// searchTaskBody is the POST /searches request
type searchTaskBody struct {
	Name        string   `json:"name,omitempty"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Collections []string `json:"collections"`
	StartDate   string   `json:"startDate,omitempty"`
	EndDate     string   `json:"endDate,omitempty"`
	BatchSize   int      `json:"batchSize,omitempty"`
	// FanOutMode is "", "all" or "wishlist"; empty skips the time-series fan-out
	FanOutMode string   `json:"fanOutMode,omitempty"`
	Wishlist   []string `json:"wishlist,omitempty"`
}

// progressMessage is one frame of the progress WebSocket
type progressMessage struct {
	ID       string                 `json:"id"`
	Status   taskqueue.TaskStatus   `json:"status"`
	Progress taskqueue.TaskProgress `json:"progress"`
	Error    string                 `json:"error,omitempty"`
}

func taskError(err error) error {
	switch {
	case errors.Is(err, taskqueue.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "search not found").SetInternal(err)
	case errors.Is(err, taskqueue.ErrTaskFinished):
		return echo.NewHTTPError(http.StatusConflict, "search already finished").SetInternal(err)
	default:
		return err
	}
}

func (s *Server) handleCreateSearch(c echo.Context) error {
	var body searchTaskBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.Latitude == nil || body.Longitude == nil || len(body.Collections) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "missing parameters (latitude, longitude, collections)")
	}

	point := common.Point{Lat: *body.Latitude, Lng: *body.Longitude}
	criteria := search.Criteria{
		Point:         &point,
		CollectionIDs: body.Collections,
		DateRange:     dateRange(body.StartDate, body.EndDate),
	}
	if err := criteria.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.FanOutMode != "" {
		if err := common.ValidateFanOutMode(body.FanOutMode); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if body.FanOutMode == common.FanOutWishlist && len(body.Wishlist) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "wishlist mode needs at least one attribute")
	}

	name := strings.TrimSpace(body.Name)
	if name == "" {
		name = fmt.Sprintf("%d collections at %.4f, %.4f", len(body.Collections), point.Lat, point.Lng)
	}

	task := taskqueue.NewSearchTask(name, point, body.Collections, criteria.DateRange)
	task.BatchSize = body.BatchSize
	task.FanOutMode = body.FanOutMode
	task.Wishlist = body.Wishlist

	if err := s.tasks.AddTask(task); err != nil {
		return fmt.Errorf("failed to queue search: %w", err)
	}

	s.track("search_queued", map[string]any{
		"collections": len(body.Collections),
		"fanout_mode": body.FanOutMode,
	})
	return c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleListSearches(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"tasks": s.tasks.GetAllTasks(),
		"queue": s.tasks.GetStatus(),
	})
}

func (s *Server) handleGetSearch(c echo.Context) error {
	task, err := s.tasks.GetTask(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// handleDeleteSearch cancels an unfinished search and removes a finished one
func (s *Server) handleDeleteSearch(c echo.Context) error {
	id := c.Param("id")
	err := s.tasks.CancelTask(id)
	if errors.Is(err, taskqueue.ErrTaskFinished) {
		err = s.tasks.DeleteTask(id)
	}
	if err != nil {
		return taskError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || lo.Contains(s.origins, "*") {
				return true
			}
			return lo.Contains(s.origins, origin)
		},
	}
}

// handleSearchProgress streams task snapshots until the task finishes or the
// client goes away
func (s *Server) handleSearchProgress(c echo.Context) error {
	updates, stop, err := s.tasks.Watch(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	defer stop()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the error response
		s.log.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	// reads only to notice the client closing
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				stop()
				return
			}
		}
	}()

	for task := range updates {
		msg := progressMessage{ID: task.ID, Status: task.Status, Progress: task.Progress, Error: task.Error}
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Debug("progress stream closed", "task", task.ID, "error", err)
			return nil
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	return nil
}

// handleSearchSeries returns the correlated chart for one fanned-out
// collection, or its CSV export with format=csv
func (s *Server) handleSearchSeries(c echo.Context) error {
	task, err := s.tasks.GetTask(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	if task.Result == nil {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("search is %s, no results yet", task.Status))
	}

	collection := c.Param("collection")
	series, ok := lo.Find(task.Result.Series, func(ser wtss.Series) bool {
		return strings.EqualFold(ser.Collection, collection)
	})
	if !ok || series.Response == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no time series for collection %s", collection))
	}

	format := c.QueryParam("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported format: %s (must be json or csv)", format))
	}

	// finished tasks never change, so the rendered body can be reused
	key := cache.Key(task.ID, series.Collection, format)
	body, ok := s.cache.Get(key)
	if !ok {
		body, err = s.renderSeries(task.Result, series, format)
		if err != nil {
			return err
		}
		s.cache.Put(key, body)
	}

	switch format {
	case "csv":
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s.csv"`, series.Collection))
		return c.Blob(http.StatusOK, "text/csv; charset=utf-8", body)
	default:
		return c.JSONBlob(http.StatusOK, body)
	}
}

// renderSeries correlates a series with the images of its collection and
// encodes it as a chart or as CSV
func (s *Server) renderSeries(result *taskqueue.TaskResult, series wtss.Series, format string) ([]byte, error) {
	candidates := lo.Filter(result.Items, func(item common.SearchItem, _ int) bool {
		return item.Collection == series.Collection
	})
	points := correlate.Correlate(series.Response.Points(), candidates, s.cleaner, s.maxGap)

	attributes := series.Response.AttributeNames()
	if len(attributes) == 0 {
		attributes = series.Attributes
	}

	if format == "csv" {
		var buf bytes.Buffer
		if err := correlate.WriteCSV(&buf, attributes, points); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	data, err := json.Marshal(correlate.ChartDatasets(series.Collection, attributes, points))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chart: %w", err)
	}
	return data, nil
}

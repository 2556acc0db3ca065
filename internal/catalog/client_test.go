package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin/internal/common"
	"odin/internal/ratelimit"
)

const sampleFeatures = `{
  "type": "FeatureCollection",
  "features": [
    {
      "id": "S2_A",
      "collection": "S2-16D-2",
      "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]},
      "properties": {"datetime": "2021-03-04T13:01:02Z", "eo:cloud_cover": 12.5},
      "assets": {"thumbnail": {"href": "https://example.test/a.png"}}
    },
    {
      "id": "S2_B",
      "collection": "S2-16D-2",
      "geometry": {"type": "Point", "coordinates": [0, 0]},
      "properties": {"datetime": null, "start_datetime": "2021-04-01T00:00:00Z"},
      "assets": {}
    },
    {
      "id": "S2_C",
      "collection": "S2-16D-2",
      "geometry": null,
      "properties": {}
    }
  ]
}`

func TestClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))

		assert.Equal(t, []any{"S2-16D-2", "LANDSAT-16D-1"}, payload["collections"])
		assert.Equal(t, map[string]any{"type": "Point", "coordinates": []any{-50.5, -10.25}}, payload["intersects"])
		assert.EqualValues(t, 1000, payload["limit"])
		assert.Equal(t, "2021-01-01T00:00:00Z/2021-12-31T23:59:59Z", payload["datetime"])

		_, _ = w.Write([]byte(sampleFeatures))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	items, err := c.Search(context.Background(), common.SearchRequest{
		Point:       common.Point{Lat: -10.25, Lng: -50.5},
		Collections: []string{"S2-16D-2", "LANDSAT-16D-1"},
		DateRange:   &common.DateRange{Start: "2021-01-01", End: "2021-12-31"},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "S2_A", items[0].ID)
	assert.Equal(t, "2021-03-04", items[0].Date)
	require.NotNil(t, items[0].CloudCover)
	assert.Equal(t, 12.5, *items[0].CloudCover)
	assert.Equal(t, "https://example.test/a.png", items[0].Thumbnail)
	assert.True(t, items[0].HasGeometry())

	// null datetime falls through to start_datetime
	assert.Equal(t, "2021-04-01", items[1].Date)
	assert.Nil(t, items[1].CloudCover)
	assert.Empty(t, items[1].Thumbnail)

	assert.Equal(t, common.NoDate, items[2].Date)
	assert.False(t, items[2].HasGeometry())
}

func TestClient_SearchWithoutDatesOmitsDatetime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, has := payload["datetime"]
		assert.False(t, has)
		_, _ = w.Write([]byte(`{"features": []}`))
	}))
	defer srv.Close()

	items, err := NewClient(Options{BaseURL: srv.URL}).Search(context.Background(), common.SearchRequest{
		Point:       common.Point{Lat: 1, Lng: 2},
		Collections: []string{"x"},
		DateRange:   &common.DateRange{Start: "2021-01-01"},
	})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestClient_SearchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"secret upstream detail"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(Options{BaseURL: srv.URL}).Search(context.Background(), common.SearchRequest{Collections: []string{"x"}})
	require.ErrorIs(t, err, ErrUpstream)
	assert.NotContains(t, err.Error(), "secret")
}

func TestClient_RateLimitDoesNotBlockNextCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sampleFeatures))
	}))
	defer srv.Close()

	limiter := ratelimit.NewHandler(nil)
	c := NewClient(Options{BaseURL: srv.URL, RateLimit: limiter})
	req := common.SearchRequest{Point: common.Point{Lat: -10, Lng: -50}, Collections: []string{"S2-16D-2"}}

	_, err := c.Search(context.Background(), req)
	require.ErrorIs(t, err, ErrUpstream)
	assert.True(t, limiter.IsRateLimited(common.ProviderSTAC))

	items, err := c.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, limiter.IsRateLimited(common.ProviderSTAC))
}

func TestClient_ListCollections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections", r.URL.Path)
		_, _ = w.Write([]byte(`{"collections": [
			{"id": "S2-16D-2", "title": "Sentinel-2 16 days", "description": "ignored"},
			{"id": "AMAZONIA-1-WFI", "title": "Amazonia 1"}
		]}`))
	}))
	defer srv.Close()

	collections, err := NewClient(Options{BaseURL: srv.URL}).ListCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Collection{
		{ID: "S2-16D-2", Title: "Sentinel-2 16 days"},
		{ID: "AMAZONIA-1-WFI", Title: "Amazonia 1"},
	}, collections)
}

func TestClient_GetItemRaw(t *testing.T) {
	doc := `{"id":"S2_A","type":"Feature","properties":{"x":1}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/S2-16D-2/items/S2_A", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	data, err := c.GetItemRaw(context.Background(), "S2-16D-2", "S2_A")
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(data))

	_, err = c.GetItemRaw(context.Background(), "", "S2_A")
	assert.Error(t, err)
}

func TestClient_GetItemRawNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(Options{BaseURL: srv.URL}).GetItemRaw(context.Background(), "c", "i")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestProject_DatePriority(t *testing.T) {
	item := Project(Feature{
		ID: "x",
		Properties: map[string]any{
			"datetime":       "",
			"start_datetime": "2020-05-05T00:00:00Z",
			"end_datetime":   "2020-05-20T00:00:00Z",
		},
	})
	assert.Equal(t, "2020-05-05", item.Date)

	item = Project(Feature{ID: "y", Properties: map[string]any{"end_datetime": "2020-05-20T10:00:00Z"}})
	assert.Equal(t, "2020-05-20", item.Date)
}

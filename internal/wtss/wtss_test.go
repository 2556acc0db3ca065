package wtss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin/internal/common"
	"odin/internal/ratelimit"
)

const sampleSeries = `{
  "query": {"coverage": "S2-16D-2"},
  "result": {
    "attributes": [
      {"attribute": "NDVI", "values": [4500, -3500, null]},
      {"attribute": "red", "values": [120, 130]}
    ],
    "timeline": ["2021-01-01", "2021-01-17", "2021-02-02"],
    "coordinates": {"latitude": -10.5, "longitude": -50.25}
  }
}`

func TestClient_TimeSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/time_series", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "S2-16D-2", q.Get("coverage"))
		assert.Equal(t, "-10.5", q.Get("latitude"))
		assert.Equal(t, "-50.25", q.Get("longitude"))
		assert.Equal(t, "NDVI,red", q.Get("attributes"))
		assert.Equal(t, "2021-01-01", q.Get("start_date"))
		assert.Equal(t, "2021-03-01", q.Get("end_date"))
		_, _ = w.Write([]byte(sampleSeries))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/"})
	resp, err := c.TimeSeries(context.Background(), Query{
		Coverage:   "S2-16D-2",
		Latitude:   -10.5,
		Longitude:  -50.25,
		Attributes: []string{"NDVI", "red"},
		StartDate:  "2021-01-01",
		EndDate:    "2021-03-01",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"NDVI", "red"}, resp.AttributeNames())

	points := resp.Points()
	require.Len(t, points, 3)
	assert.Equal(t, "2021-01-01", points[0].Timestamp)
	require.NotNil(t, points[0].Values["NDVI"])
	assert.Equal(t, 4500.0, *points[0].Values["NDVI"])
	assert.Nil(t, points[2].Values["NDVI"])
	// red has only two readings
	assert.Nil(t, points[2].Values["red"])
}

func TestClient_OmitsOpenDates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasStart := r.URL.Query()["start_date"]
		assert.False(t, hasStart)
		_, _ = w.Write([]byte(sampleSeries))
	}))
	defer srv.Close()

	_, err := NewClient(Options{BaseURL: srv.URL}).TimeSeriesRaw(context.Background(), Query{
		Coverage: "S2-16D-2", Attributes: []string{"NDVI"},
	})
	require.NoError(t, err)
}

func TestClient_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(Options{BaseURL: srv.URL}).TimeSeries(context.Background(), Query{Coverage: "x", Attributes: []string{"NDVI"}})
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestClient_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := NewClient(Options{BaseURL: srv.URL}).TimeSeries(context.Background(), Query{Coverage: "x", Attributes: []string{"NDVI"}})
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestClient_RateLimitDoesNotBlockNextCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"attributes":[],"timeline":[]}}`))
	}))
	defer srv.Close()

	limiter := ratelimit.NewHandler(nil)
	c := NewClient(Options{BaseURL: srv.URL, RateLimit: limiter})
	q := Query{Coverage: "x", Attributes: []string{"NDVI"}}

	_, err := c.TimeSeriesRaw(context.Background(), q)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.True(t, limiter.IsRateLimited(common.ProviderWTSS))

	_, err = c.TimeSeriesRaw(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, limiter.IsRateLimited(common.ProviderWTSS))
}

func TestQuery_Validate(t *testing.T) {
	assert.NoError(t, Query{Coverage: "c", Attributes: []string{"NDVI"}}.Validate())
	assert.Error(t, Query{Attributes: []string{"NDVI"}}.Validate())
	assert.Error(t, Query{Coverage: "c"}.Validate())
	assert.Error(t, Query{Coverage: "c", Attributes: []string{"NDVI"}, Latitude: 100}.Validate())
}

func TestAttributeTable(t *testing.T) {
	table := DefaultAttributeTable()

	assert.True(t, table.Supported("s2-16d-2"))
	assert.True(t, table.Supported("MOD13Q1-6.1"))
	assert.False(t, table.Supported("AMAZONIA-1"))

	assert.Equal(t, []string{"LST_Day_1km", "LST_Night_1km"}, table.Attributes("mod11a2-6.1"))
	assert.Nil(t, table.Attributes("unknown"))
	assert.Contains(t, table.Collections(), "CBERS4-MUX-2M-1")
}

func TestAttributeTable_Select(t *testing.T) {
	table := DefaultAttributeTable()

	all := table.Select("S2-16D-2", common.FanOutAll, nil)
	assert.Len(t, all, 8)

	// table order, case-insensitive match, unsupported wishes dropped
	picked := table.Select("S2-16D-2", common.FanOutWishlist, []string{"red", "ndvi", "BAND5"})
	assert.Equal(t, []string{"NDVI", "red"}, picked)

	assert.Empty(t, table.Select("mod11a2-6.1", common.FanOutWishlist, []string{"NDVI"}))
	assert.Empty(t, table.Select("unknown", common.FanOutAll, nil))
}

func TestAttributeTable_WithOverrides(t *testing.T) {
	base := DefaultAttributeTable()
	table := base.WithOverrides(map[string][]string{
		"S2-16D-2":   {"NDVI"},
		"NEW-COLL-1": {"a", "b", "a"},
	})

	assert.Equal(t, []string{"NDVI"}, table.Attributes("S2-16D-2"))
	assert.Equal(t, []string{"a", "b"}, table.Attributes("new-coll-1"))
	// original untouched
	assert.Len(t, base.Attributes("S2-16D-2"), 8)
	assert.False(t, base.Supported("NEW-COLL-1"))
}

func TestAttributeTable_Unsupported(t *testing.T) {
	table := DefaultAttributeTable()
	assert.Empty(t, table.Unsupported("S2-16D-2", []string{"ndvi", "EVI"}))
	assert.Equal(t, []string{"BAND5"}, table.Unsupported("S2-16D-2", []string{"NDVI", "BAND5"}))
}

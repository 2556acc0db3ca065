package proxyclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin/internal/catalog"
	"odin/internal/common"
	"odin/internal/handlers/proxy"
	"odin/internal/wtss"
)

func TestSearch(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/stac-search", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"a","collection":"S2-16D-2","geometry":{"type":"Point","coordinates":[-50,-10]},"date":"2021-01-01"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", nil)
	items, err := c.Search(context.Background(), common.SearchRequest{
		Point:       common.Point{Lat: -10, Lng: -50},
		Collections: []string{"S2-16D-2"},
		DateRange:   &common.DateRange{Start: "2021-01-01", End: "2021-12-31"},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
	assert.True(t, items[0].HasGeometry())

	assert.Equal(t, -10.0, got["latitude"])
	assert.Equal(t, -50.0, got["longitude"])
	assert.Equal(t, "2021-01-01", got["startDate"])
	assert.Equal(t, "2021-12-31", got["endDate"])
}

func TestSearch_ErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"stac search failed"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Search(context.Background(), common.SearchRequest{
		Point:       common.Point{Lat: -10, Lng: -50},
		Collections: []string{"S2-16D-2"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProxy))
	assert.Contains(t, err.Error(), "stac search failed")
}

func TestTimeSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/wtss-timeseries", r.URL.Path)
		assert.Equal(t, "S2-16D-2", q.Get("coverage"))
		assert.Equal(t, "NDVI,EVI", q.Get("attributes"))
		assert.Equal(t, "-10.5", q.Get("latitude"))
		assert.Equal(t, "2021-01-01", q.Get("startDate"))
		assert.Equal(t, "2021-12-31", q.Get("endDate"))
		_, _ = w.Write([]byte(`{"result":{"attributes":[{"attribute":"NDVI","values":[4500,null]},{"attribute":"EVI","values":[3000,2000]}],"timeline":["2021-01-01","2021-01-17"]}}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, nil).TimeSeries(context.Background(), wtss.Query{
		Coverage:   "S2-16D-2",
		Latitude:   -10.5,
		Longitude:  -50,
		Attributes: []string{"NDVI", "EVI"},
		StartDate:  "2021-01-01",
		EndDate:    "2021-12-31",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"NDVI", "EVI"}, resp.AttributeNames())
	points := resp.Points()
	require.Len(t, points, 2)
	assert.Nil(t, points[1].Values["NDVI"])
	assert.Equal(t, 2000.0, *points[1].Values["EVI"])
}

func TestTimeSeries_RequiresDates(t *testing.T) {
	_, err := New("http://127.0.0.1:1", nil).TimeSeries(context.Background(), wtss.Query{
		Coverage:   "S2-16D-2",
		Attributes: []string{"NDVI"},
	})
	assert.Error(t, err)
}

type stubCatalog struct{}

func (stubCatalog) ListCollections(context.Context) ([]catalog.Collection, error) {
	return []catalog.Collection{{ID: "S2-16D-2", Title: "Sentinel-2"}}, nil
}

func (stubCatalog) Search(_ context.Context, sr common.SearchRequest) ([]common.SearchItem, error) {
	return []common.SearchItem{{ID: sr.Collections[0] + "-1", Collection: sr.Collections[0], Date: "2021-01-01"}}, nil
}

func (stubCatalog) GetItemRaw(context.Context, string, string) ([]byte, error) {
	return []byte(`{}`), nil
}

func TestAgainstProxyServer(t *testing.T) {
	srv := httptest.NewServer(proxy.NewServer(proxy.Options{Catalog: stubCatalog{}}).Handler())
	defer srv.Close()
	c := New(srv.URL, nil)

	collections, err := c.ListCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []catalog.Collection{{ID: "S2-16D-2", Title: "Sentinel-2"}}, collections)

	items, err := c.Search(context.Background(), common.SearchRequest{
		Point:       common.Point{Lat: 0, Lng: 0},
		Collections: []string{"LANDSAT-16D-1"},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "LANDSAT-16D-1-1", items[0].ID)
}

package correlate

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin/internal/common"
	"odin/internal/wtss"
)

func f(v float64) *float64 { return &v }

func day(s string) time.Time {
	t, err := common.ParseISO8601(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCleaner(t *testing.T) {
	c := DefaultCleaner()

	_, ok := c.Clean("NDVI", f(-3500))
	assert.False(t, ok)
	_, ok = c.Clean("red", f(-3000))
	assert.False(t, ok, "threshold itself is no-data")
	_, ok = c.Clean("NDVI", nil)
	assert.False(t, ok)

	v, ok := c.Clean("NDVI", f(4500))
	require.True(t, ok)
	assert.InDelta(t, 0.45, v, 1e-12)

	v, ok = c.Clean("evi", f(-2000))
	require.True(t, ok)
	assert.InDelta(t, -0.2, v, 1e-12)

	v, ok = c.Clean("red", f(4500))
	require.True(t, ok)
	assert.Equal(t, 4500.0, v)

	assert.True(t, c.Rescales("ndvi"))
	assert.False(t, c.Rescales("red"))
}

func TestFindNearest(t *testing.T) {
	target := day("2021-01-01")

	t.Run("within the window", func(t *testing.T) {
		ref, ok := FindNearest(target, []common.SearchItem{
			{ID: "far", Date: "2021-01-25", Thumbnail: "far.png"},
			{ID: "near", Date: "2020-12-28", Thumbnail: "near.png"},
		}, DefaultMaxGap)
		require.True(t, ok)
		assert.Equal(t, "near", ref.ID)
		assert.Equal(t, "near.png", ref.Thumbnail)
		assert.InDelta(t, 4, ref.GapDays, 1e-9)
	})

	t.Run("forty days away is no match", func(t *testing.T) {
		_, ok := FindNearest(target, []common.SearchItem{
			{ID: "late", Date: "2021-02-10", Thumbnail: "late.png"},
		}, DefaultMaxGap)
		assert.False(t, ok)
	})

	t.Run("exactly the max gap is no match", func(t *testing.T) {
		_, ok := FindNearest(target, []common.SearchItem{
			{ID: "edge", Date: "2021-01-31", Thumbnail: "edge.png"},
		}, DefaultMaxGap)
		assert.False(t, ok)
	})

	t.Run("ties keep the first candidate", func(t *testing.T) {
		ref, ok := FindNearest(target, []common.SearchItem{
			{ID: "before", Date: "2020-12-27", Thumbnail: "b.png"},
			{ID: "after", Date: "2021-01-06", Thumbnail: "a.png"},
		}, DefaultMaxGap)
		require.True(t, ok)
		assert.Equal(t, "before", ref.ID)
	})

	t.Run("undated and thumbnail-less candidates are ignored", func(t *testing.T) {
		ref, ok := FindNearest(target, []common.SearchItem{
			{ID: "nodate", Date: common.NoDate, Thumbnail: "x.png"},
			{ID: "nothumb", Date: "2021-01-01"},
			{ID: "ok", Date: "2021-01-10", Thumbnail: "ok.png"},
		}, DefaultMaxGap)
		require.True(t, ok)
		assert.Equal(t, "ok", ref.ID)
	})

	t.Run("no candidates", func(t *testing.T) {
		_, ok := FindNearest(target, nil, DefaultMaxGap)
		assert.False(t, ok)
	})
}

func samplePoints() []wtss.TimeSeriesPoint {
	return []wtss.TimeSeriesPoint{
		{Timestamp: "2021-01-01", Values: map[string]*float64{"NDVI": f(4500), "red": f(120)}},
		{Timestamp: "2021-02-15", Values: map[string]*float64{"NDVI": f(-3500), "red": nil}},
		{Timestamp: "not-a-date", Values: map[string]*float64{"NDVI": f(1000), "red": f(7)}},
	}
}

func TestCorrelate(t *testing.T) {
	points := samplePoints()
	candidates := []common.SearchItem{
		{ID: "img1", Collection: "S2-16D-2", Date: "2021-01-03", Thumbnail: "img1.png"},
	}
	before := append([]common.SearchItem(nil), candidates...)

	got := Correlate(points, candidates, DefaultCleaner(), DefaultMaxGap)
	require.Len(t, got, 3)

	require.NotNil(t, got[0].Nearest)
	assert.Equal(t, "img1", got[0].Nearest.ID)
	assert.InDelta(t, 0.45, *got[0].Values["NDVI"], 1e-12)
	assert.Equal(t, 120.0, *got[0].Values["red"])

	// 43 days from the only image
	assert.Nil(t, got[1].Nearest)
	assert.Nil(t, got[1].Values["NDVI"])
	assert.Nil(t, got[1].Values["red"])

	assert.Nil(t, got[2].Nearest)
	assert.InDelta(t, 0.1, *got[2].Values["NDVI"], 1e-12)

	// inputs untouched
	assert.Equal(t, before, candidates)
	assert.Equal(t, 4500.0, *points[0].Values["NDVI"])
}

func TestChartDatasets(t *testing.T) {
	points := Correlate(samplePoints()[:2], []common.SearchItem{
		{ID: "img1", Date: "2021-01-03", Thumbnail: "img1.png"},
	}, DefaultCleaner(), DefaultMaxGap)

	chart := ChartDatasets("S2-16D-2", []string{"red", "NDVI"}, points)
	assert.Equal(t, "S2-16D-2", chart.Collection)
	assert.Equal(t, []string{"2021-01-01", "2021-02-15"}, chart.Labels)
	require.Len(t, chart.Datasets, 2)
	assert.Equal(t, "red", chart.Datasets[0].Label)
	assert.Equal(t, 120.0, *chart.Datasets[0].Data[0])
	assert.Nil(t, chart.Datasets[0].Data[1])
	assert.Equal(t, []string{"img1.png", ""}, chart.Thumbnails)
	assert.Equal(t, []string{"img1", ""}, chart.ImageIDs)
}

func TestWriteCSV(t *testing.T) {
	points := Correlate(samplePoints()[:2], []common.SearchItem{
		{ID: "img1", Date: "2021-01-03", Thumbnail: "img1.png"},
	}, DefaultCleaner(), DefaultMaxGap)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []string{"NDVI", "red"}, points))

	want := "date,NDVI,red,thumbnail\n" +
		"2021-01-01,0.45,120,img1.png\n" +
		"2021-02-15,,,\n"
	assert.Equal(t, want, buf.String())
}

package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"odin/internal/common"
	"odin/internal/wtss"
)

// Fixed messages returned when an upstream call fails. Upstream bodies are
// logged, never forwarded.
const (
	msgCollectionsFailed = "failed to fetch collections"
	msgSearchFailed      = "stac search failed"
	msgItemFailed        = "failed to fetch stac item details"
	msgTimeSeriesFailed  = "failed to fetch wtss time series"
)

// stacSearchBody is the POST /stac-search request. Coordinates are pointers
// so that 0 is accepted and an absent field is not.
type stacSearchBody struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Collections []string `json:"collections"`
	StartDate   string   `json:"startDate,omitempty"`
	EndDate     string   `json:"endDate,omitempty"`
}

// dateRange returns the range only when both ends are given
func dateRange(start, end string) *common.DateRange {
	if start == "" || end == "" {
		return nil
	}
	return &common.DateRange{Start: start, End: end}
}

func (s *Server) handleCollections(c echo.Context) error {
	collections, err := s.catalog.ListCollections(c.Request().Context())
	if err != nil {
		s.log.Error("collections request failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, msgCollectionsFailed).SetInternal(err)
	}
	return c.JSON(http.StatusOK, collections)
}

func (s *Server) handleSTACSearch(c echo.Context) error {
	var body stacSearchBody
	if err := c.Bind(&body); err != nil {
		return err
	}

	collections := lo.Filter(body.Collections, func(id string, _ int) bool { return strings.TrimSpace(id) != "" })
	if body.Latitude == nil || body.Longitude == nil || len(collections) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "missing parameters (latitude, longitude, collections)")
	}

	point := common.Point{Lat: *body.Latitude, Lng: *body.Longitude}
	if err := point.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	items, err := s.catalog.Search(c.Request().Context(), common.SearchRequest{
		Point:       point,
		Collections: collections,
		DateRange:   dateRange(body.StartDate, body.EndDate),
	})
	if err != nil {
		s.log.Error("stac search failed", "collections", len(collections), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, msgSearchFailed).SetInternal(err)
	}

	s.track("stac_search", map[string]any{"collections": len(collections), "items": len(items)})
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleItemDetails(c echo.Context) error {
	collection := c.QueryParam("collection")
	itemID := c.QueryParam("itemId")
	if collection == "" || itemID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, `parameters "collection" and "itemId" are required`)
	}

	data, err := s.catalog.GetItemRaw(c.Request().Context(), collection, itemID)
	if err != nil {
		s.log.Error("item details request failed", "collection", collection, "item", itemID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, msgItemFailed).SetInternal(err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (s *Server) handleTimeSeries(c echo.Context) error {
	params := map[string]string{}
	for _, name := range []string{"coverage", "latitude", "longitude", "attributes", "startDate", "endDate"} {
		params[name] = strings.TrimSpace(c.QueryParam(name))
	}
	if lo.SomeBy(lo.Values(params), func(v string) bool { return v == "" }) {
		return echo.NewHTTPError(http.StatusBadRequest,
			"missing parameters (coverage, latitude, longitude, attributes, startDate, endDate)")
	}

	lat, err := strconv.ParseFloat(params["latitude"], 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "latitude must be a number")
	}
	lng, err := strconv.ParseFloat(params["longitude"], 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "longitude must be a number")
	}

	q := wtss.Query{
		Coverage:   params["coverage"],
		Latitude:   lat,
		Longitude:  lng,
		Attributes: splitList(params["attributes"]),
		StartDate:  params["startDate"],
		EndDate:    params["endDate"],
	}
	if err := q.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	data, err := s.timeSeries.TimeSeriesRaw(c.Request().Context(), q)
	if err != nil {
		s.log.Error("time series request failed", "coverage", q.Coverage, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, msgTimeSeriesFailed).SetInternal(err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

// splitList splits a comma separated list, dropping blanks
func splitList(s string) []string {
	return lo.FilterMap(strings.Split(s, ","), func(part string, _ int) (string, bool) {
		part = strings.TrimSpace(part)
		return part, part != ""
	})
}

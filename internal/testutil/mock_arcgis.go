// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a custom mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockArcGIS is a configurable mock ArcGIS REST feature service. It serves
// layer metadata, record counts, and deterministic paginated GeoJSON query
// pages for a single layer at /rest/services/<name>/FeatureServer/0.
type MockArcGIS struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Layer shape.
	LayerName      string
	TotalRecords   int
	MaxRecordCount int

	// Fault injection, keyed by resultOffset.
	serviceErrors map[int]int // offset -> service error code (HTTP 200 envelope)
	httpErrors    map[int]int // offset -> HTTP status
	delays        map[int]time.Duration

	// QueryDelay applies to every query request.
	QueryDelay time.Duration

	// Tracking
	RequestCount int
	QueryOffsets []int
}

// NewMockArcGIS creates a mock service exposing total records with the
// given page size limit.
func NewMockArcGIS(layerName string, total, maxRecordCount int) *MockArcGIS {
	mock := &MockArcGIS{
		LayerName:      layerName,
		TotalRecords:   total,
		MaxRecordCount: maxRecordCount,
		handlers:       make(map[string]func(w http.ResponseWriter, r *http.Request)),
		serviceErrors:  make(map[int]int),
		httpErrors:     make(map[int]int),
		delays:         make(map[int]time.Duration),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()
		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockArcGIS) URL() string {
	return m.server.URL
}

// LayerURL returns the layer endpoint URL.
func (m *MockArcGIS) LayerURL() string {
	return fmt.Sprintf("%s/rest/services/%s/FeatureServer/0", m.server.URL, m.LayerName)
}

// Close shuts down the mock server.
func (m *MockArcGIS) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockArcGIS) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockArcGIS) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// FailOffsetWithServiceError makes the query page at offset return an
// ArcGIS error envelope (HTTP 200) with the given code.
func (m *MockArcGIS) FailOffsetWithServiceError(offset, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceErrors[offset] = code
}

// FailOffsetWithHTTPStatus makes the query page at offset return the given
// HTTP status with an empty JSON body.
func (m *MockArcGIS) FailOffsetWithHTTPStatus(offset, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.httpErrors[offset] = status
}

// DelayOffset makes the query page at offset respond after d.
func (m *MockArcGIS) DelayOffset(offset int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[offset] = d
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockArcGIS) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetQueryOffsets returns the resultOffset of every query page served,
// in arrival order.
func (m *MockArcGIS) GetQueryOffsets() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, len(m.QueryOffsets))
	copy(out, m.QueryOffsets)
	return out
}

func (m *MockArcGIS) defaultHandler(w http.ResponseWriter, r *http.Request) {
	layerPath := fmt.Sprintf("/rest/services/%s/FeatureServer/0", m.LayerName)

	switch r.URL.Path {
	case layerPath:
		m.writeJSON(w, map[string]any{
			"id":                    0,
			"name":                  m.LayerName,
			"type":                  "Feature Layer",
			"geometryType":          "esriGeometryPoint",
			"maxRecordCount":        m.MaxRecordCount,
			"supportedQueryFormats": "JSON, geoJSON",
		})
	case layerPath + "/query":
		m.handleQuery(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
		m.writeJSON(w, map[string]any{
			"error": map[string]any{"code": 404, "message": "not found"},
		})
	}
}

func (m *MockArcGIS) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if m.QueryDelay > 0 {
		time.Sleep(m.QueryDelay)
	}

	if q.Get("returnCountOnly") == "true" {
		m.writeJSON(w, map[string]any{"count": m.TotalRecords})
		return
	}

	offset, _ := strconv.Atoi(q.Get("resultOffset"))
	limit, _ := strconv.Atoi(q.Get("resultRecordCount"))
	if limit <= 0 || limit > m.MaxRecordCount {
		limit = m.MaxRecordCount
	}

	m.mu.Lock()
	m.QueryOffsets = append(m.QueryOffsets, offset)
	delay := m.delays[offset]
	svcCode, svcFail := m.serviceErrors[offset]
	httpStatus, httpFail := m.httpErrors[offset]
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if svcFail {
		m.writeJSON(w, map[string]any{
			"error": map[string]any{
				"code":    svcCode,
				"message": "Unable to complete operation.",
				"details": []string{},
			},
		})
		return
	}
	if httpFail {
		w.WriteHeader(httpStatus)
		w.Write([]byte("{}"))
		return
	}

	end := offset + limit
	if end > m.TotalRecords {
		end = m.TotalRecords
	}

	features := make([]map[string]any, 0, end-offset)
	for i := offset; i < end; i++ {
		features = append(features, map[string]any{
			"type": "Feature",
			"id":   i,
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []float64{float64(i) / 100, float64(i) / 200},
			},
			"properties": map[string]any{
				"objectid": i,
				"name":     fmt.Sprintf("feature-%d", i),
			},
		})
	}

	m.writeJSON(w, map[string]any{
		"type":     "FeatureCollection",
		"features": features,
	})
}

func (m *MockArcGIS) writeJSON(w http.ResponseWriter, doc map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

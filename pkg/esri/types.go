// Package esri models ArcGIS REST feature service documents and provides a
// typed client for metadata, record counts, and catalog traversal.
package esri

import (
	"encoding/json"
	"fmt"
)

// Feature is one GeoJSON feature from a query page.
type Feature struct {
	Type       string          `json:"type"`
	ID         json.RawMessage `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// FeatureCollection is a GeoJSON feature collection page.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// CountResponse is the body of a returnCountOnly query.
type CountResponse struct {
	Count int `json:"count"`
}

// ServiceError is a service-level error envelope, returned by the service
// inside an HTTP 200 body.
type ServiceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error %d: %s", e.Code, e.Message)
}

// LayerInfo is the subset of a layer metadata document the harvester needs,
// plus the raw document for lineage output.
type LayerInfo struct {
	ID                    int    `json:"id"`
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	GeometryType          string `json:"geometryType"`
	MaxRecordCount        int    `json:"maxRecordCount"`
	SupportedQueryFormats string `json:"supportedQueryFormats"`

	// Raw is the full metadata document as returned by the service.
	Raw json.RawMessage `json:"-"`
}

// catalogRoot is a service directory listing.
type catalogRoot struct {
	Folders  []string     `json:"folders"`
	Services []serviceRef `json:"services"`
}

// serviceRef names one service within a directory listing.
type serviceRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// dataSourceRef is the basic definition of a layer or table within a
// service definition.
type dataSourceRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// DataSourceDef pairs a data source's basic properties with its full
// source definition document.
type DataSourceDef struct {
	Properties       json.RawMessage `json:"properties"`
	SourceDefinition json.RawMessage `json:"source_definition"`
}

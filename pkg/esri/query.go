package esri

import (
	"net/url"
	"strconv"
)

// Query parameter defaults. GeoJSON output in WGS-84 with all fields
// selected mirrors the most common extraction shape.
const (
	DefaultWhere     = "1=1"
	DefaultOutFields = "*"
	DefaultOutSR     = "4326"
	DefaultFormat    = "geoJSON"
)

// QueryConfig is the base query configuration for a harvest. Enumerated
// fields cover the common parameters; Extra passes any further service
// parameters through verbatim. A zero value selects every record in
// GeoJSON, WGS-84.
type QueryConfig struct {
	// Where is the attribute filter predicate (default "1=1": all records).
	Where string

	// OutFields selects attribute fields (default "*": all fields).
	OutFields string

	// OutSR is the output spatial reference WKID (default "4326").
	OutSR string

	// Format is the response format (default "geoJSON").
	Format string

	// ResultOffset starts the harvest at a record offset, for resuming a
	// partial extraction. Zero starts at the beginning.
	ResultOffset int

	// Limit caps the total records harvested. Zero means no cap.
	Limit int

	// Extra parameters are merged into the query string verbatim and
	// never override the enumerated fields.
	Extra url.Values
}

// Values renders the base query string. Pagination parameters are added
// per chunk by the harvest planner, never here.
func (q QueryConfig) Values() url.Values {
	v := url.Values{}
	for key, vals := range q.Extra {
		for _, val := range vals {
			v.Add(key, val)
		}
	}

	v.Set("where", stringOr(q.Where, DefaultWhere))
	v.Set("outFields", stringOr(q.OutFields, DefaultOutFields))
	v.Set("outSR", stringOr(q.OutSR, DefaultOutSR))
	v.Set("f", stringOr(q.Format, DefaultFormat))
	return v
}

// PageValues renders the query string for one page of the harvest.
func (q QueryConfig) PageValues(offset, limit int) url.Values {
	v := q.Values()
	v.Set("resultOffset", strconv.Itoa(offset))
	v.Set("resultRecordCount", strconv.Itoa(limit))
	return v
}

func stringOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

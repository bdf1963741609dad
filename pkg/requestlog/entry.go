package requestlog

import (
	"fmt"
	"net/url"
	"time"
)

// Entry is one logged request attempt. Entries begin in-flight at Create
// and are completed exactly once by Finalize.
type Entry struct {
	// PPID groups all entries belonging to one harvest run.
	PPID string

	// PID uniquely identifies this request attempt.
	PID string

	// UTCTimestamp is the creation time, truncated to whole seconds.
	UTCTimestamp time.Time

	// Request is the fully resolved URL without its query string.
	Request string

	// Parameters is the query string of the request.
	Parameters url.Values

	// Outcome fields, populated by Finalize.
	Status  string
	Results []string
	Elapsed time.Duration
	Size    int

	finalized bool
}

// GraleUUID is the lineage identifier shared between log entries, merged
// features, and spill artifact names.
func (e Entry) GraleUUID() string {
	return e.PPID + "_" + e.PID
}

// Finalized reports whether the entry has received its outcome.
func (e Entry) Finalized() bool {
	return e.finalized
}

// View is the external read-only shape of an Entry, as embedded in merged
// output and printed by the CLI.
type View struct {
	GraleUUID    string     `json:"grale_uuid"`
	PPID         string     `json:"ppid"`
	PID          string     `json:"pid"`
	UTCTimestamp string     `json:"utc_timestamp"`
	Request      string     `json:"request"`
	Parameters   url.Values `json:"parameters"`
	Status       string     `json:"status"`
	Results      []string   `json:"results"`
	ElapsedTime  string     `json:"elapsed_time"`
	Size         string     `json:"size"`
}

// View renders the entry's external shape. Elapsed time is reported in
// milliseconds here and in seconds inside the Success results message,
// both derived from the same measured duration.
func (e Entry) View() View {
	results := e.Results
	if results == nil {
		results = []string{}
	}
	return View{
		GraleUUID:    e.GraleUUID(),
		PPID:         e.PPID,
		PID:          e.PID,
		UTCTimestamp: e.UTCTimestamp.Format(time.RFC3339),
		Request:      e.Request,
		Parameters:   e.Parameters,
		Status:       e.Status,
		Results:      results,
		ElapsedTime:  fmt.Sprintf("%.3f(ms)", float64(e.Elapsed.Microseconds())/1000.0),
		Size:         fmt.Sprintf("%d(B)", e.Size),
	}
}

package harvest

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/GeoCodable/grale/pkg/esri"
	"github.com/GeoCodable/grale/pkg/requestlog"
)

// MergedOutput is the merged harvest document: one feature collection with
// the run's full request lineage and service metadata attached.
type MergedOutput struct {
	Type            string            `json:"type"`
	Features        []esri.Feature    `json:"features"`
	RequestLogging  []requestlog.View `json:"request_logging"`
	RequestMetadata []json.RawMessage `json:"request_metadata"`
}

// Merge assembles the run's successful chunk payloads into one document.
// Chunks are read in offset order regardless of completion order, so the
// output is identical under any scheduling of the workers. Each feature is
// tagged with the grale_utc and grale_uuid of the request that fetched it;
// failed chunks contribute nothing and stay visible only through
// request_logging. When the run asked for cleanup, the sink's artifacts are
// removed after reading.
func Merge(r *Result) (*MergedOutput, error) {
	results := make([]ChunkResult, len(r.ChunkResults))
	copy(results, r.ChunkResults)
	sort.Slice(results, func(i, j int) bool {
		return results[i].Chunk.Offset < results[j].Chunk.Offset
	})

	out := &MergedOutput{
		Type:            "FeatureCollection",
		Features:        []esri.Feature{},
		RequestLogging:  []requestlog.View{},
		RequestMetadata: []json.RawMessage{},
	}

	for _, res := range results {
		payload, err := r.Sink.Fetch(res)
		if err != nil {
			return nil, fmt.Errorf("fetch chunk at offset %d: %w", res.Chunk.Offset, err)
		}

		var fc esri.FeatureCollection
		if err := json.Unmarshal(payload, &fc); err != nil {
			return nil, fmt.Errorf("parse chunk at offset %d: %w", res.Chunk.Offset, err)
		}

		entry, ok := r.Log.Get(res.PID)
		if !ok {
			return nil, fmt.Errorf("log entry %s missing for chunk at offset %d", res.PID, res.Chunk.Offset)
		}

		tagFeatures(fc.Features, entry)
		out.Features = append(out.Features, fc.Features...)
	}

	for _, entry := range r.Log.SnapshotPPID(r.PPID) {
		out.RequestLogging = append(out.RequestLogging, entry.View())
	}
	if r.Layer != nil && len(r.Layer.Raw) > 0 {
		out.RequestMetadata = append(out.RequestMetadata, r.Layer.Raw)
	}

	if r.Cleanup {
		if err := r.Sink.Cleanup(); err != nil {
			return nil, fmt.Errorf("cleanup after merge: %w", err)
		}
	}
	return out, nil
}

// tagFeatures stamps each feature with the lineage of the request that
// fetched it.
func tagFeatures(features []esri.Feature, entry requestlog.Entry) {
	for i := range features {
		if features[i].Properties == nil {
			features[i].Properties = make(map[string]any)
		}
		features[i].Properties["grale_utc"] = entry.UTCTimestamp.Format(time.RFC3339)
		features[i].Properties["grale_uuid"] = entry.GraleUUID()
	}
}

// Package harvest plans, dispatches, and merges paginated feature pulls
// against record-count-limited feature services.
package harvest

import (
	"fmt"

	"github.com/google/uuid"
)

// Chunk is one planned page of the harvest: the records in
// [Offset, Offset+Limit).
type Chunk struct {
	// Offset is the record offset of the page start.
	Offset int

	// Limit is the page size; the final chunk carries the remainder.
	Limit int

	// ParentID is the ppid shared by every chunk of one harvest run.
	ParentID string

	// ID uniquely identifies the chunk within its run.
	ID string
}

// PlanningError reports invalid planning inputs. It is fatal and raised
// before any request is dispatched.
type PlanningError struct {
	Total    int
	Start    int
	PageSize int
	Reason   string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning error (total=%d start=%d pageSize=%d): %s",
		e.Total, e.Start, e.PageSize, e.Reason)
}

// Plan partitions the records [start, end) into chunks of at most pageSize,
// where end is total optionally capped by limit (0 means no cap). Chunk
// ranges are pairwise non-overlapping and together cover the span exactly;
// an empty span plans zero chunks.
func Plan(total, start, limit, pageSize int, ppid string) ([]Chunk, error) {
	fail := func(reason string) error {
		return &PlanningError{Total: total, Start: start, PageSize: pageSize, Reason: reason}
	}

	if total < 0 {
		return nil, fail("total record count is negative")
	}
	if start < 0 {
		return nil, fail("start offset is negative")
	}
	if limit < 0 {
		return nil, fail("record limit is negative")
	}
	if start > total {
		return nil, fail("start offset exceeds available records")
	}
	if total > 0 && pageSize <= 0 {
		return nil, fail("page size must be positive")
	}

	end := total
	if limit > 0 && limit < end {
		end = limit
	}
	if start >= end {
		return nil, nil
	}

	chunks := make([]Chunk, 0, (end-start+pageSize-1)/pageSize)
	for offset := start; offset < end; offset += pageSize {
		size := pageSize
		if offset+size > end {
			size = end - offset
		}
		chunks = append(chunks, Chunk{
			Offset:   offset,
			Limit:    size,
			ParentID: ppid,
			ID:       uuid.NewString(),
		})
	}
	return chunks, nil
}

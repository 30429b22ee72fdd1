// Package feeds defines the boundary to the external dispatch and weather
// data sources and the normalization of their records into the canonical
// internal shape. Wire formats of the upstream feeds live behind the
// FeedClient interface; everything in this package past that boundary works
// on RawRecord maps.
package feeds

import (
	"context"
	"fmt"

	"github.com/firewatch/firewatch/internal/database"
)

// RawRecord is one untyped record as returned by a feed client
type RawRecord map[string]interface{}

// FeedClient fetches the current batch of records for one agency from one
// external feed. Implementations handle transport and wire format; a fetch
// that cannot reach the source returns a *FeedError.
type FeedClient interface {
	// FeedType returns which feed this client polls
	FeedType() database.FeedType

	// Fetch returns the feed's current records for the agency.
	// An empty slice is a valid result (quiet feed), not an error.
	Fetch(ctx context.Context, agency *database.Agency) ([]RawRecord, error)
}

// FeedError is a transient failure reaching the external source. The whole
// poll is aborted, no persisted state is touched, and the sync is retried on
// the next scheduled tick.
type FeedError struct {
	Feed   database.FeedType
	Reason string
	Err    error
}

func (e *FeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s feed unavailable: %s: %v", e.Feed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s feed unavailable: %s", e.Feed, e.Reason)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// MalformedRecordError marks a single record that cannot be normalized
// because a field required to compute identity is absent or the wrong shape.
// The record is skipped and reported; it never aborts the batch.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: field %q %s", e.Field, e.Reason)
}

package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrStale is returned by Worker.Run when the feed produced nothing for
	// longer than the stale timeout.
	ErrStale = errors.New("source stale")
	// ErrNoFeed is returned when delivering to a source without an open feed.
	ErrNoFeed = errors.New("no open feed for source")
)

// SourceError is a transient read failure. The worker retries it with backoff.
type SourceError struct {
	SourceID string
	Attempt  int
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("read source %s (attempt %d): %v", e.SourceID, e.Attempt, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

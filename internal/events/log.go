// Package events is the gateway to the ordered event log. It assigns
// revisions, enforces the expected-revision check on append and exposes lazy
// range reads; it holds no business logic.
package events

import (
	"context"
	"fmt"

	"configline/internal/domain"
)

// MaxBatchSize caps a single range read.
const MaxBatchSize = 512

type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Log is the narrow contract of the external ordered-log store.
type Log interface {
	// Append writes events after expected. It fails with a *ConflictError when
	// the stream tail is not expected, and returns the new tail otherwise.
	Append(ctx context.Context, stream string, expected domain.Revision, events []domain.Event) (domain.Revision, error)
	// ReadRange returns a lazy iterator. Forward reads revisions after from;
	// backward reads revisions before from, where 0 means the tail.
	ReadRange(ctx context.Context, stream string, from domain.Revision, dir Direction, batchSize int) *Iterator
	// Head returns the tail revision of the stream, 0 when empty.
	Head(ctx context.Context, stream string) (domain.Revision, error)
	// Replace atomically swaps the whole stream for events, renumbering them
	// from revision 1. Like Append it fails with a *ConflictError when the
	// tail is not expected. Only log migration uses it.
	Replace(ctx context.Context, stream string, expected domain.Revision, events []domain.Event) error
}

// ConflictError reports an append issued against a stale expected revision.
type ConflictError struct {
	Stream   string
	Expected domain.Revision
	Actual   domain.Revision
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stream %s: expected revision %d, tail is %d", e.Stream, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == domain.ErrConcurrencyConflict }

func clampBatch(n int) int {
	if n <= 0 || n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// fetchFunc reads at most limit events strictly after (forward) or before
// (backward) pos. unbounded is set for the first backward read from the tail.
type fetchFunc func(ctx context.Context, pos domain.Revision, unbounded bool, limit int) ([]domain.Event, error)

// Iterator walks a stream in batches. Reaching the end is not terminal: a
// later Next or NextBatch picks up events appended since, which is how the
// projector tails the log.
type Iterator struct {
	fetch   fetchFunc
	dir     Direction
	pos     domain.Revision
	started bool
	batch   int
	buf     []domain.Event
	cur     domain.Event
	err     error
}

func newIterator(fetch fetchFunc, from domain.Revision, dir Direction, batchSize int) *Iterator {
	return &Iterator{fetch: fetch, dir: dir, pos: from, batch: clampBatch(batchSize)}
}

// NextBatch returns the next batch of events, or an empty slice at the end.
// Buffered events left over from Next are returned first.
func (it *Iterator) NextBatch(ctx context.Context) ([]domain.Event, error) {
	if it.err != nil {
		return nil, it.err
	}
	if len(it.buf) > 0 {
		out := it.buf
		it.buf = nil
		return out, nil
	}
	if it.dir == Backward && it.started && it.pos <= 1 {
		return nil, nil
	}
	unbounded := it.dir == Backward && !it.started && it.pos == 0
	evts, err := it.fetch(ctx, it.pos, unbounded, it.batch)
	if err != nil {
		it.err = err
		return nil, err
	}
	it.started = true
	if len(evts) > 0 {
		it.pos = evts[len(evts)-1].Revision
	}
	return evts, nil
}

// Next advances to the next event.
func (it *Iterator) Next(ctx context.Context) bool {
	if len(it.buf) == 0 {
		evts, err := it.NextBatch(ctx)
		if err != nil || len(evts) == 0 {
			return false
		}
		it.buf = evts
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

func (it *Iterator) Event() domain.Event { return it.cur }

func (it *Iterator) Err() error { return it.err }

// Position is the revision of the last event handed out in batch order.
func (it *Iterator) Position() domain.Revision { return it.pos }

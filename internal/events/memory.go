package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"configline/internal/domain"
)

// MemoryLog is an in-process Log used by tests and as migration scratch space.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]domain.Event
	Now     func() time.Time
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: map[string][]domain.Event{}}
}

func (l *MemoryLog) stamp(e domain.Event) domain.Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		if l.Now != nil {
			e.Timestamp = l.Now()
		} else {
			e.Timestamp = time.Now()
		}
	}
	e.Timestamp = e.Timestamp.UTC()
	return e
}

func (l *MemoryLog) Append(ctx context.Context, stream string, expected domain.Revision, evts []domain.Event) (domain.Revision, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streams == nil {
		l.streams = map[string][]domain.Event{}
	}
	tail := domain.Revision(len(l.streams[stream]))
	if tail != expected {
		return 0, &ConflictError{Stream: stream, Expected: expected, Actual: tail}
	}
	for _, e := range evts {
		tail++
		e = l.stamp(e)
		e.Revision = tail
		l.streams[stream] = append(l.streams[stream], e)
	}
	return tail, nil
}

func (l *MemoryLog) ReadRange(ctx context.Context, stream string, from domain.Revision, dir Direction, batchSize int) *Iterator {
	fetch := func(ctx context.Context, pos domain.Revision, unbounded bool, limit int) ([]domain.Event, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.mu.RLock()
		defer l.mu.RUnlock()
		all := l.streams[stream]
		var out []domain.Event
		if dir == Forward {
			for i := int(pos); i < len(all) && len(out) < limit; i++ {
				out = append(out, all[i])
			}
			return out, nil
		}
		start := int(pos) - 2
		if unbounded || start >= len(all) {
			start = len(all) - 1
		}
		for i := start; i >= 0 && len(out) < limit; i-- {
			out = append(out, all[i])
		}
		return out, nil
	}
	return newIterator(fetch, from, dir, batchSize)
}

func (l *MemoryLog) Head(ctx context.Context, stream string) (domain.Revision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Revision(len(l.streams[stream])), nil
}

func (l *MemoryLog) Replace(ctx context.Context, stream string, expected domain.Revision, evts []domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streams == nil {
		l.streams = map[string][]domain.Event{}
	}
	if tail := domain.Revision(len(l.streams[stream])); tail != expected {
		return &ConflictError{Stream: stream, Expected: expected, Actual: tail}
	}
	out := make([]domain.Event, 0, len(evts))
	for i, e := range evts {
		e = l.stamp(e)
		e.Revision = domain.Revision(i + 1)
		out = append(out, e)
	}
	l.streams[stream] = out
	return nil
}

package projection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"configline/internal/domain"
	"configline/internal/events"
	"configline/internal/metrics"
	"configline/internal/repo"
)

type State string

const (
	StateIdle         State = "idle"
	StateCatchingUp   State = "catching-up"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateHalted       State = "halted"
)

// Sink receives the snapshots of objects changed by a committed event.
// Implementations must not block.
type Sink interface {
	Enqueue(snaps ...domain.Snapshot)
}

type Options struct {
	Stream         string
	BatchSize      int
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Sink           Sink
}

// Status is a point-in-time view of the engine.
type Status struct {
	State     State           `json:"state"`
	Watermark domain.Revision `json:"watermark"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Engine is the single consumer that folds the log into the cache.
type Engine struct {
	log    events.Log
	cache  repo.Repo
	folder *Folder
	opts   Options
	tracer trace.Tracer
	wake   chan struct{}

	mu     sync.RWMutex
	status Status
}

func NewEngine(log events.Log, cache repo.Repo, folder *Folder, opts Options) *Engine {
	if opts.Stream == "" {
		opts.Stream = "configline"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		log:    log,
		cache:  cache,
		folder: folder,
		opts:   opts,
		tracer: otel.Tracer("configline/projection"),
		wake:   make(chan struct{}, 1),
		status: Status{State: StateIdle, UpdatedAt: time.Now().UTC()},
	}
}

// Notify wakes a live engine without waiting for the next poll.
func (e *Engine) Notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) setState(s State, wm domain.Revision, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.State != s {
		e.opts.Logger.Info("projection state", "from", e.status.State, "to", s, "watermark", wm)
	}
	e.status.State = s
	e.status.Watermark = wm
	e.status.UpdatedAt = time.Now().UTC()
	if err != nil {
		e.status.LastError = err.Error()
	}
}

func (e *Engine) setWatermark(wm domain.Revision) {
	e.mu.Lock()
	e.status.Watermark = wm
	e.status.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	if e.opts.Metrics != nil {
		e.opts.Metrics.ProjectedRevision.Set(float64(wm))
	}
}

// Run folds until ctx is cancelled or a fold fails. A fold failure halts the
// engine without advancing the watermark and is returned.
func (e *Engine) Run(ctx context.Context) error {
	wm, err := e.cache.GetProjectedVersion(ctx)
	if err != nil {
		return err
	}
	e.setState(StateCatchingUp, wm, nil)
	it := e.log.ReadRange(ctx, e.opts.Stream, wm, events.Forward, e.opts.BatchSize)
	for {
		if err := ctx.Err(); err != nil {
			e.setState(StateIdle, wm, nil)
			return nil
		}
		batch, err := it.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.setState(StateIdle, wm, nil)
				return nil
			}
			e.opts.Logger.Warn("event log read failed", "err", err, "watermark", wm)
			e.setState(StateReconnecting, wm, err)
			if !sleep(ctx, e.opts.ReconnectDelay) {
				e.setState(StateIdle, wm, nil)
				return nil
			}
			it = e.log.ReadRange(ctx, e.opts.Stream, wm, events.Forward, e.opts.BatchSize)
			continue
		}
		if len(batch) == 0 {
			e.setState(StateLive, wm, nil)
			select {
			case <-ctx.Done():
			case <-e.wake:
			case <-time.After(e.opts.PollInterval):
			}
			continue
		}
		if st := e.Status().State; st == StateReconnecting {
			e.setState(StateLive, wm, nil)
		}
		// A started batch completes even if ctx is cancelled meanwhile.
		wm, err = e.foldBatch(context.WithoutCancel(ctx), batch, wm)
		if err != nil {
			e.setState(StateHalted, wm, err)
			e.opts.Logger.Error("projection halted", "err", err, "watermark", wm)
			return err
		}
	}
}

// CatchUp folds every event after the watermark and returns the new
// watermark. It is the synchronous form of Run used by tools and tests.
func (e *Engine) CatchUp(ctx context.Context) (domain.Revision, error) {
	wm, err := e.cache.GetProjectedVersion(ctx)
	if err != nil {
		return 0, err
	}
	e.setState(StateCatchingUp, wm, nil)
	it := e.log.ReadRange(ctx, e.opts.Stream, wm, events.Forward, e.opts.BatchSize)
	for {
		batch, err := it.NextBatch(ctx)
		if err != nil {
			return wm, err
		}
		if len(batch) == 0 {
			e.setState(StateIdle, wm, nil)
			return wm, nil
		}
		if wm, err = e.foldBatch(ctx, batch, wm); err != nil {
			e.setState(StateHalted, wm, err)
			return wm, err
		}
	}
}

func (e *Engine) foldBatch(ctx context.Context, batch []domain.Event, wm domain.Revision) (domain.Revision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "projection.fold_batch", trace.WithAttributes(
		attribute.Int("events", len(batch)),
		attribute.Int64("from_revision", int64(batch[0].Revision)),
	))
	defer span.End()

	for _, evt := range batch {
		if evt.Revision <= wm {
			continue
		}
		var changes []domain.Snapshot
		err := e.cache.InTx(ctx, func(tx repo.Tx) error {
			var err error
			if changes, err = e.folder.Fold(ctx, tx, evt); err != nil {
				return err
			}
			return tx.SetProjectedVersion(ctx, evt.Revision)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fold failed")
			if e.opts.Metrics != nil {
				e.opts.Metrics.FoldErrors.Inc()
			}
			return wm, err
		}
		wm = evt.Revision
		e.setWatermark(wm)
		if e.opts.Metrics != nil {
			e.opts.Metrics.EventsFolded.Inc()
		}
		if e.opts.Sink != nil && len(changes) > 0 {
			e.opts.Sink.Enqueue(changes...)
		}
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.FoldDuration.Observe(time.Since(start).Seconds())
	}
	span.SetAttributes(attribute.Int64("watermark", int64(wm)))
	return wm, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

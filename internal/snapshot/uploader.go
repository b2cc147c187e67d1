package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"configline/internal/domain"
	"configline/internal/metrics"
)

type UploaderOptions struct {
	Capacity  int
	BatchSize int
	Interval  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Version is the running build, written into checkpoints.
	Version string
}

// Uploader persists freshly changed objects in the background. Enqueue never
// blocks: on a full queue the snapshot is dropped, and a failed save drops the
// whole batch. Neither is retried.
//
// While nothing has been dropped since Resume, each save carries a checkpoint
// for the revisions it completes. The first drop stops checkpointing until
// the next Resume, which leaves the store unusable for warm start.
type Uploader struct {
	store Store
	queue chan domain.Snapshot
	opts  UploaderOptions

	flushMu    sync.Mutex // one save in flight
	mu         sync.Mutex // guards taking off the queue and contiguous
	contiguous bool
}

func NewUploader(store Store, opts UploaderOptions) *Uploader {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 128
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Uploader{store: store, queue: make(chan domain.Snapshot, opts.Capacity), opts: opts}
}

// Resume decides whether the store continues the cache. It does when the
// checkpoint was written by this build at the cache watermark and nothing was
// saved past it. Otherwise the store is rebuilt from the cache. Call it before
// the projection starts folding.
func (u *Uploader) Resume(ctx context.Context, cache Exporter, watermark domain.Revision) error {
	if _, ok := u.store.(Nop); ok {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	cp, err := usable(ctx, u.store, u.opts.Version)
	if err == nil && cp.Revision == watermark {
		u.contiguous = true
		u.opts.Logger.Debug("snapshot store continues the cache", "checkpoint", cp.Revision)
		return nil
	}
	if err != nil && !errors.Is(err, ErrUnusable) {
		return err
	}
	u.opts.Logger.Info("resyncing snapshot store from cache", "reason", reasonOf(err, cp, watermark))
	rev, err := Resync(ctx, u.store, cache, u.opts.Version, u.opts.BatchSize)
	if err != nil {
		return err
	}
	u.contiguous = true
	u.opts.Logger.Info("snapshot store resynced", "checkpoint", rev)
	return nil
}

func reasonOf(err error, cp Checkpoint, wm domain.Revision) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("checkpoint %d does not match watermark %d", cp.Revision, wm)
}

// Contiguous reports whether saves are still checkpointed.
func (u *Uploader) Contiguous() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.contiguous
}

func (u *Uploader) Enqueue(snaps ...domain.Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range snaps {
		select {
		case u.queue <- s:
		default:
			u.contiguous = false
			u.opts.Logger.Warn("snapshot queue full, dropping", "key", s.Key(), "version", s.Version)
			if u.opts.Metrics != nil {
				u.opts.Metrics.SnapshotDropped.WithLabelValues(metrics.DropQueueFull).Inc()
			}
		}
	}
	u.observeQueue()
}

func (u *Uploader) Len() int { return len(u.queue) }

func (u *Uploader) observeQueue() {
	if u.opts.Metrics != nil {
		u.opts.Metrics.SnapshotQueue.Set(float64(len(u.queue)))
	}
}

// Run saves one batch per tick until ctx is done, then drains what is left.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for u.Len() > 0 {
				if n, _ := u.Flush(drainCtx); n == 0 {
					break
				}
			}
			return nil
		case <-ticker.C:
			_, _ = u.Flush(ctx)
		}
	}
}

// Flush takes up to one batch off the queue, keeps the newest version per key
// and saves it. It returns how many snapshots were taken off the queue.
func (u *Uploader) Flush(ctx context.Context) (int, error) {
	u.flushMu.Lock()
	defer u.flushMu.Unlock()
	taken, batch := u.take()
	if len(taken) == 0 {
		return 0, nil
	}
	if err := u.store.SaveSnapshots(ctx, batch); err != nil {
		u.mu.Lock()
		u.contiguous = false
		u.mu.Unlock()
		u.opts.Logger.Error("snapshot save failed, dropping batch", "err", err, "snapshots", len(taken))
		if u.opts.Metrics != nil {
			u.opts.Metrics.SnapshotUploads.WithLabelValues("error").Inc()
			u.opts.Metrics.SnapshotDropped.WithLabelValues(metrics.DropSaveFailed).Add(float64(len(taken)))
		}
		return len(taken), err
	}
	if u.opts.Metrics != nil {
		u.opts.Metrics.SnapshotUploads.WithLabelValues("ok").Inc()
	}
	u.opts.Logger.Debug("snapshots saved", "snapshots", len(batch))
	return len(taken), nil
}

// take pulls one batch off the queue and, while contiguous, appends the
// checkpoint the batch completes.
func (u *Uploader) take() (taken, batch []domain.Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var top domain.Revision
loop:
	for len(taken) < u.opts.BatchSize {
		select {
		case s := <-u.queue:
			taken = append(taken, s)
			top = max(top, s.Version)
		default:
			break loop
		}
	}
	u.observeQueue()
	if len(taken) == 0 {
		return nil, nil
	}
	batch = dedupe(taken)
	if u.contiguous {
		// Changes of one revision are enqueued together but may straddle
		// batches, so a cut batch only completes the revisions before top.
		done := top
		if len(u.queue) > 0 {
			done--
		}
		if done > 0 {
			batch = append(batch, Checkpoint{Revision: done, AppVersion: u.opts.Version}.snapshot())
		}
	}
	return taken, batch
}

func dedupe(snaps []domain.Snapshot) []domain.Snapshot {
	idx := make(map[string]int, len(snaps))
	out := make([]domain.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if i, ok := idx[s.Key()]; ok {
			if s.Version >= out[i].Version {
				out[i] = s
			}
			continue
		}
		idx[s.Key()] = len(out)
		out = append(out, s)
	}
	return out
}

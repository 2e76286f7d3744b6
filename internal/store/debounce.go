package store

import (
	"context"
	"log/slog"
	"time"

	"whalestream/internal/metrics"
)

// DefaultDebounce is the minimum spacing between snapshot writes.
const DefaultDebounce = 30 * time.Second

// Dumper is the state the Debouncer persists. Changes fires after every
// accepted mutation; Dump copies the state under a read lock.
type Dumper interface {
	Dump() Snapshot
	Changes() <-chan struct{}
}

// Debouncer is the only writer of the snapshot file. It coalesces change
// notifications so that at most one write happens per interval, and flushes
// any pending change on shutdown.
type Debouncer struct {
	src      Dumper
	dst      SnapshotStore
	interval time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewDebouncer creates a Debouncer. A non-positive interval means
// DefaultDebounce.
func NewDebouncer(src Dumper, dst SnapshotStore, interval time.Duration, m *metrics.Metrics, log *slog.Logger) *Debouncer {
	if interval <= 0 {
		interval = DefaultDebounce
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Debouncer{
		src:      src,
		dst:      dst,
		interval: interval,
		metrics:  m,
		log:      log.With("component", "debouncer"),
	}
}

// Run blocks until ctx is cancelled.
func (d *Debouncer) Run(ctx context.Context) error {
	var (
		lastWrite time.Time
		dirty     bool
		timer     *time.Timer
		timerC    <-chan time.Time
	)
	arm := func(wait time.Duration) {
		timer = time.NewTimer(wait)
		timerC = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			select {
			case <-d.src.Changes():
				dirty = true
			default:
			}
			if dirty {
				d.flush()
			}
			return nil

		case <-d.src.Changes():
			dirty = true
			if timerC != nil {
				continue
			}
			if wait := d.interval - time.Since(lastWrite); wait > 0 {
				arm(wait)
				continue
			}
			lastWrite = time.Now()
			if d.flush() {
				dirty = false
			} else {
				arm(d.interval)
			}

		case <-timerC:
			timerC = nil
			lastWrite = time.Now()
			if d.flush() {
				dirty = false
			} else {
				arm(d.interval)
			}
		}
	}
}

func (d *Debouncer) flush() bool {
	snap := d.src.Dump()
	if err := d.dst.Save(snap); err != nil {
		d.metrics.PersistWrites.WithLabelValues("error").Inc()
		d.log.Error("snapshot write failed", "error", err)
		return false
	}
	d.metrics.PersistWrites.WithLabelValues("ok").Inc()
	d.log.Debug("snapshot written", "records", len(snap.ViewAll))
	return true
}

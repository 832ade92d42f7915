// Package archive batches run snapshots and events for durable storage.
//
// The engine publishes every state change; writing each one through to
// the database synchronously would put the store on the hot path of
// every pipeline stage. Buffer decouples them: events accumulate in
// memory and flush in batches, run snapshots coalesce per run so only
// the latest state is written.
package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/storage"
	"github.com/seisho-ai/seisho/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events to
// prevent OOM. Beyond it new events are dropped and counted.
const maxBufferCapacity = 100_000

// Defaults applied by NewBuffer when the caller passes zero values.
const (
	defaultMaxBatch      = 256
	defaultFlushInterval = 2 * time.Second
)

// Buffer accumulates archive writes in memory and flushes them to the
// store when the batch size or flush interval is reached. A run upsert
// also nudges the flush loop so status changes become durable promptly.
type Buffer struct {
	store         storage.Store
	logger        *slog.Logger
	maxBatch      int
	flushInterval time.Duration

	mu     sync.Mutex
	runs   map[uuid.UUID]model.Run
	events []model.Event

	droppedEvents atomic.Int64 // events dropped due to capacity
	started       atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates an archive buffer on top of the given store.
func NewBuffer(store storage.Store, logger *slog.Logger, maxBatch int, flushInterval time.Duration) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Buffer{
		store:         store,
		logger:        logger,
		maxBatch:      maxBatch,
		flushInterval: flushInterval,
		runs:          make(map[uuid.UUID]model.Run),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// StoreKind names the backing store for health output.
func (b *Buffer) StoreKind() string { return b.store.Kind() }

// Start begins the background flush loop and registers OTEL metrics.
// Idempotent; call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("archive: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// UpsertRun records the latest snapshot of a run. Consecutive upserts
// for the same run coalesce; only the newest state reaches the store.
func (b *Buffer) UpsertRun(run model.Run) {
	b.mu.Lock()
	b.runs[run.ID] = run
	b.mu.Unlock()
	b.nudge()
}

// Append adds one event to the flush batch. At capacity the event is
// dropped and counted rather than blocking the caller.
func (b *Buffer) Append(ev model.Event) {
	b.mu.Lock()
	if len(b.events) >= maxBufferCapacity {
		b.mu.Unlock()
		b.droppedEvents.Add(1)
		return
	}
	b.events = append(b.events, ev)
	full := len(b.events) >= b.maxBatch
	b.mu.Unlock()

	if full {
		b.nudge()
	}
}

// nudge wakes the flush loop without blocking.
func (b *Buffer) nudge() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain();
			// ctx itself is already done.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.runs) == 0 && len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	runs := b.runs
	batch := b.events
	b.runs = make(map[uuid.UUID]model.Run)
	b.events = nil
	b.mu.Unlock()

	// Runs first so event rows never reference a run the archive has
	// not seen yet.
	for id, run := range runs {
		if err := b.store.SaveRun(ctx, run); err != nil {
			b.logger.Error("archive: save run failed", "run_id", id, "error", err)
			// Requeue unless a newer snapshot arrived in the meantime.
			b.mu.Lock()
			if _, ok := b.runs[id]; !ok {
				b.runs[id] = run
			}
			b.mu.Unlock()
		}
	}

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	var count int64
	err := storage.WithRetry(ctx, 2, 100*time.Millisecond, func() error {
		var ierr error
		count, ierr = b.store.InsertEvents(ctx, batch)
		return ierr
	})
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("archive: flush failed", "error", err, "batch_size", len(batch))
		// Put events back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.droppedEvents.Add(int64(len(batch)))
			b.logger.Error("archive: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("archive: batch flushed",
		"batch_size", count,
		"runs", len(runs),
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds the wait and is passed to that final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("archive: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health.
// Called from Start() after the global meter provider is initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("seisho/archive")

	_, _ = meter.Int64ObservableGauge("seisho.archive.depth",
		metric.WithDescription("Current number of events in the archive write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("seisho.archive.dropped_total",
		metric.WithDescription("Total events dropped due to archive buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// DroppedEvents returns the total number of events dropped due to
// capacity exhaustion. A non-zero value indicates data loss.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}

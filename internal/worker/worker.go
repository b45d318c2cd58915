// Package worker drains the reservation queue in batches and applies each
// entry against the database. Entries are partitioned by ISBN so two
// reservations for the same title never race each other inside a tick.
package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"library-reserve/internal/cache"
	"library-reserve/internal/pool"
	"library-reserve/internal/queue"
	"library-reserve/internal/sla"
	"library-reserve/internal/store"
	"library-reserve/pkg/logger"
	"library-reserve/pkg/retry"
	"library-reserve/pkg/telemetry"
)

// Config controls batching and retry behavior.
type Config struct {
	WorkerThreads   int
	BatchSize       int
	MaxRetries      int
	BatchInterval   time.Duration
	ProcessingDelay time.Duration
	AcquireTimeout  time.Duration
}

// DefaultConfig returns the batcher settings used when none are given.
func DefaultConfig() Config {
	return Config{
		WorkerThreads:  4,
		BatchSize:      10,
		MaxRetries:     3,
		BatchInterval:  5 * time.Second,
		AcquireTimeout: 5 * time.Second,
	}
}

// Batcher owns the background processing loop.
type Batcher struct {
	cfg     Config
	queue   *queue.Queue
	store   *store.Store
	pool    *pool.Pool
	books   *cache.Cache[*store.Book]
	monitor *sla.Monitor
	log     *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a batcher. books and monitor may be nil.
func New(cfg Config, q *queue.Queue, st *store.Store, p *pool.Pool, books *cache.Cache[*store.Book], monitor *sla.Monitor) *Batcher {
	if cfg.WorkerThreads < 1 {
		cfg.WorkerThreads = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	return &Batcher{
		cfg:     cfg,
		queue:   q,
		store:   st,
		pool:    p,
		books:   books,
		monitor: monitor,
		log:     logger.Get(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the batch loop.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.BatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.ProcessBatch(context.Background())
			case <-b.stopCh:
				return
			}
		}
	}()

	b.log.Info("reservation batcher started",
		zap.Int("worker_threads", b.cfg.WorkerThreads),
		zap.Int("batch_size", b.cfg.BatchSize),
		zap.Duration("batch_interval", b.cfg.BatchInterval))
}

// Stop halts the ticker and drains whatever is still queued, one batch
// per pass, until the queue is empty or the context expires.
func (b *Batcher) Stop(ctx context.Context) {
	close(b.stopCh)
	b.wg.Wait()

	for b.queue.Depth() > 0 {
		if ctx.Err() != nil {
			b.log.Warn("shutdown deadline reached with reservations still queued",
				zap.Int("remaining", b.queue.Depth()))
			return
		}
		b.ProcessBatch(ctx)
	}
	b.log.Info("reservation batcher stopped")
}

// ProcessBatch drains up to BatchSize entries and processes them, one
// goroutine per ISBN partition. It returns the number of drained entries.
func (b *Batcher) ProcessBatch(ctx context.Context) int {
	entries := b.queue.Drain(b.cfg.BatchSize)
	if len(entries) == 0 {
		return 0
	}

	partitions := make(map[uint32][]queue.Entry)
	for _, e := range entries {
		p := partition(e.ISBN, b.cfg.WorkerThreads)
		partitions[p] = append(partitions[p], e)
	}

	var wg sync.WaitGroup
	for _, part := range partitions {
		wg.Add(1)
		go func(part []queue.Entry) {
			defer wg.Done()
			for _, e := range part {
				b.processEntry(ctx, e)
			}
		}(part)
	}
	wg.Wait()
	return len(entries)
}

func partition(isbn string, threads int) uint32 {
	h := fnv.New32a()
	h.Write([]byte(isbn))
	return h.Sum32() % uint32(threads)
}

func (b *Batcher) processEntry(ctx context.Context, e queue.Entry) {
	ctx, span := telemetry.StartSpan(ctx, "worker.reservation.apply")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("reservation.id", e.ReservationID),
		attribute.String("reservation.isbn", e.ISBN),
		attribute.Int("reservation.attempt", e.Attempts))

	start := time.Now()

	if b.cfg.ProcessingDelay > 0 {
		select {
		case <-time.After(b.cfg.ProcessingDelay):
		case <-ctx.Done():
		}
	}

	conn, err := b.pool.Acquire(ctx, b.cfg.AcquireTimeout)
	if err != nil {
		b.handleFailure(ctx, e, retry.Transient(err))
		return
	}
	result, err := b.store.ApplyReservation(ctx, conn, e.ReservationID, e.ISBN)
	b.pool.Release(conn)

	if err != nil {
		telemetry.SetSpanError(ctx, err)
		b.handleFailure(ctx, e, err)
		return
	}

	// Availability changed (or at least was re-read): drop the cached
	// book so the next read sees the database.
	if b.books != nil {
		b.books.Invalidate(e.ISBN)
	}
	if b.monitor != nil {
		// Latency is measured from enqueue, so queue wait counts against
		// the SLA, not just the transaction itself.
		b.monitor.Record(time.Since(e.EnqueuedAt))
	}

	b.log.Info("processed reservation",
		zap.Int64("reservation_id", e.ReservationID),
		zap.String("isbn", e.ISBN),
		zap.String("status", result.Status),
		zap.Duration("took", time.Since(start)))
}

// handleFailure routes a failed entry: transient errors are requeued up
// to MaxRetries, everything else is terminally rejected.
func (b *Batcher) handleFailure(ctx context.Context, e queue.Entry, err error) {
	if errors.Is(err, store.ErrReservationNotFound) {
		// Already terminal, nothing to update.
		b.log.Warn("dropping reservation with no pending row",
			zap.Int64("reservation_id", e.ReservationID))
		return
	}

	if retry.IsTransient(err) && e.Attempts < b.cfg.MaxRetries {
		e.Attempts++
		b.queue.Requeue(e)
		b.log.Warn("requeued reservation after transient failure",
			zap.Int64("reservation_id", e.ReservationID),
			zap.Int("attempt", e.Attempts),
			zap.Error(err))
		return
	}

	reason := rejectionReason(err)
	if rejectErr := b.store.RejectReservation(ctx, e.ReservationID, reason); rejectErr != nil {
		b.log.Error("failed to reject reservation",
			zap.Int64("reservation_id", e.ReservationID),
			zap.Error(rejectErr))
		return
	}
	b.log.Warn("rejected reservation",
		zap.Int64("reservation_id", e.ReservationID),
		zap.String("reason", reason),
		zap.Error(err))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, store.ErrBookNotFound):
		return "book not found"
	case errors.Is(err, store.ErrUserNotFound):
		return "user not found"
	default:
		return store.ReasonProcessingError
	}
}

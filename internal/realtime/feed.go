package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

// BatchExtractor reads up to batchSize messages from the change topic. An
// empty batch with a nil error means the poll window elapsed.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.FeedMessage, error)
}

// Feed decodes change-topic messages and publishes them to a hub.
type Feed struct {
	extractor BatchExtractor
	publisher backend.ChangePublisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
}

// NewFeed creates a Feed.
func NewFeed(e BatchExtractor, p backend.ChangePublisher, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Feed {
	return &Feed{
		extractor: e,
		publisher: p,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil once the feed has completed a poll of the topic.
func (f *Feed) CheckReadiness(_ context.Context) error {
	if !f.ready.Load() {
		return errors.New("change feed has not polled the topic yet")
	}
	return nil
}

// Ready reports whether the feed has completed a poll.
func (f *Feed) Ready() bool { return f.ready.Load() }

// Run dispatches change events until the context is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("change feed started", "batch_size", f.batchSize)
	f.metrics.FeedRunning.Set(1)
	defer f.metrics.FeedRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("change feed stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !f.processBatch(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// processBatch runs one extract-dispatch-commit cycle. Returns false if the feed should stop.
func (f *Feed) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	start := time.Now()

	batch, err := f.extractor.ExtractBatch(ctx, f.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		f.logger.Error("extract batch failed", "error", err)
		return f.backoffOrStop(ctx, backoff, maxBackoff)
	}
	f.ready.Store(true)
	*backoff = 200 * time.Millisecond

	if len(batch) == 0 {
		return ctx.Err() == nil
	}

	f.metrics.ChangesConsumed.Add(float64(len(batch)))
	f.metrics.BatchSize.Observe(float64(len(batch)))

	events := make([]domain.ChangeEvent, 0, len(batch))
	for _, msg := range batch {
		ev, err := domain.ParseChangeEvent(msg.Value)
		if err != nil {
			f.logger.Warn("decode change failed, skipping message",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			f.metrics.ChangeErrors.Inc()
			continue
		}
		events = append(events, ev)
	}

	if len(events) > 0 {
		if err := f.publisher.Publish(ctx, events...); err != nil {
			f.logger.Error("dispatch batch failed", "error", err, "batch_size", len(events))
			return f.backoffOrStop(ctx, backoff, maxBackoff)
		}
	}

	for _, msg := range batch {
		f.commitOffset(ctx, msg)
	}
	f.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	return true
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the feed should stop.
func (f *Feed) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

func (f *Feed) commitOffset(ctx context.Context, msg domain.FeedMessage) {
	if msg.Commit == nil {
		return
	}
	if err := msg.Commit(ctx); err != nil {
		f.logger.Warn("commit offset failed", "error", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package repositories

import (
	"context"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/batch"

	"go.uber.org/zap"
)

type visitLogEvent struct {
	session domain.Session
	joined  bool
}

// BatchedVisitLog queues join/leave records and writes them to the
// underlying log in the background, in arrival order.
type BatchedVisitLog struct {
	log     ports.VisitLog
	batcher *batch.Batcher[visitLogEvent]
	logger  *zap.SugaredLogger
}

func NewBatchedVisitLog(log ports.VisitLog, size int, interval time.Duration, logger *zap.SugaredLogger) *BatchedVisitLog {
	b := &BatchedVisitLog{log: log, logger: logger}
	b.batcher = batch.NewBatcher(size, interval, b.write, func(err error) {
		logger.Warnw("failed to write visit log batch", "error", err)
	})
	return b
}

func (b *BatchedVisitLog) RecordJoined(_ context.Context, session domain.Session) error {
	return b.enqueue(visitLogEvent{session: session, joined: true})
}

func (b *BatchedVisitLog) RecordLeft(_ context.Context, session domain.Session) error {
	return b.enqueue(visitLogEvent{session: session})
}

func (b *BatchedVisitLog) enqueue(ev visitLogEvent) error {
	if !b.batcher.Add(ev) {
		return domain.ErrSessionEnded
	}
	return nil
}

// write keeps going after a failed record so one bad row does not drop
// the rest of the batch; it returns the last error.
func (b *BatchedVisitLog) write(ctx context.Context, events []visitLogEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var lastErr error
	for _, ev := range events {
		var err error
		if ev.joined {
			err = b.log.RecordJoined(ctx, ev.session)
		} else {
			err = b.log.RecordLeft(ctx, ev.session)
		}
		if err != nil {
			b.logger.Debugw("visit log record failed",
				"visit_id", ev.session.ID,
				"uid", ev.session.UID,
				"error", err,
			)
			lastErr = err
		}
	}
	return lastErr
}

// Close flushes queued records.
func (b *BatchedVisitLog) Close() {
	b.batcher.Stop()
}

var _ ports.VisitLog = (*BatchedVisitLog)(nil)

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type MessagePurger interface {
	DeleteOlderThan(cutoff time.Time) (rooms []string, deleted int64, err error)
	DeleteAll() (int64, error)
	Count() (int64, error)
}

type HistoryFlusher interface {
	Delete(ctx context.Context, room string) error
	Flush(ctx context.Context) error
}

// RetentionWorker periodically purges messages from rooms that have been
// idle past the retention period. The storage ceiling is a last-resort
// guard: when the total message count exceeds it, everything is wiped
// wholesale. A ceiling of zero disables the guard.
type RetentionWorker struct {
	store       MessagePurger
	cache       HistoryFlusher
	interval    time.Duration
	idleAfter   time.Duration
	maxMessages int64
	logger      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRetentionWorker(store MessagePurger, cache HistoryFlusher, interval, idleAfter time.Duration, maxMessages int64, logger zerolog.Logger) *RetentionWorker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if idleAfter <= 0 {
		idleAfter = 60 * 24 * time.Hour
	}
	return &RetentionWorker{
		store:       store,
		cache:       cache,
		interval:    interval,
		idleAfter:   idleAfter,
		maxMessages: maxMessages,
		logger:      logger,
	}
}

func (w *RetentionWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				w.Sweep(workerCtx)
			}
		}
	}()

	return nil
}

// Sweep runs one retention pass. Exported so operators can trigger it
// outside the schedule.
func (w *RetentionWorker) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.idleAfter)

	rooms, deleted, err := w.store.DeleteOlderThan(cutoff)
	if err != nil {
		w.logger.Error().Err(err).Msg("retention sweep failed")
	} else if deleted > 0 {
		w.logger.Info().Int64("messages", deleted).Int("rooms", len(rooms)).
			Time("cutoff", cutoff).Msg("purged idle rooms")
		for _, room := range rooms {
			if err := w.cache.Delete(ctx, room); err != nil {
				w.logger.Warn().Err(err).Str("room", room).Msg("drop cached history failed")
			}
		}
	}

	if w.maxMessages <= 0 {
		return
	}

	count, err := w.store.Count()
	if err != nil {
		w.logger.Error().Err(err).Msg("count messages failed")
		return
	}
	if count <= w.maxMessages {
		return
	}

	wiped, err := w.store.DeleteAll()
	if err != nil {
		w.logger.Error().Err(err).Msg("storage ceiling wipe failed")
		return
	}
	if err := w.cache.Flush(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("flush history cache failed")
	}
	w.logger.Error().Int64("messages", wiped).Int64("ceiling", w.maxMessages).
		Msg("storage ceiling exceeded, wiped all messages")
}

func (w *RetentionWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

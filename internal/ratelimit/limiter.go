package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Limiter enforces a fixed window message limit per (user, room) pair.
// Exceeding the window limit puts the pair into a block that outlives the
// counting window; blocked sends are rejected without touching the
// counter. Block state is held in-process and self-expires.
type Limiter struct {
	counter       Counter
	window        time.Duration
	max           int64
	blockDuration time.Duration
	logger        zerolog.Logger

	mu      sync.Mutex
	blocked map[string]time.Time

	now func() time.Time
}

func NewLimiter(counter Counter, window time.Duration, max int, blockDuration time.Duration, logger zerolog.Logger) *Limiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 10
	}
	if blockDuration <= 0 {
		blockDuration = 60 * time.Second
	}
	return &Limiter{
		counter:       counter,
		window:        window,
		max:           int64(max),
		blockDuration: blockDuration,
		logger:        logger,
		blocked:       make(map[string]time.Time),
		now:           time.Now,
	}
}

// Allow reports whether the user may send in the room right now.
// newlyBlocked is true exactly once per block so the caller can emit a
// single moderation notice. The counter must not be incremented while a
// block is active, and no lock is held across the counter round trip.
func (l *Limiter) Allow(ctx context.Context, userID, roomID string) (allowed bool, retryAfterSeconds int, newlyBlocked bool) {
	key := limitKey(userID, roomID)

	if remaining, isBlocked := l.blockRemaining(key); isBlocked {
		return false, remaining, false
	}

	count, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		// Fail open: chat availability beats strict enforcement when the
		// counting backend is down.
		l.logger.Warn().Err(err).Str("user", userID).Str("room", roomID).
			Msg("rate limit counter unavailable, allowing message")
		return true, 0, false
	}

	if count <= l.max {
		return true, 0, false
	}

	return false, l.block(key), true
}

// blockRemaining checks the in-process block map, lazily dropping expired
// entries.
func (l *Limiter) blockRemaining(key string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.blocked[key]
	if !ok {
		return 0, false
	}
	remaining := until.Sub(l.now())
	if remaining <= 0 {
		delete(l.blocked, key)
		return 0, false
	}
	return int(math.Ceil(remaining.Seconds())), true
}

func (l *Limiter) block(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(l.blockDuration)
	l.blocked[key] = until

	time.AfterFunc(l.blockDuration, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if expiry, ok := l.blocked[key]; ok && !l.now().Before(expiry) {
			delete(l.blocked, key)
		}
	})

	return int(math.Ceil(l.blockDuration.Seconds()))
}

func limitKey(userID, roomID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", userID, roomID)
}

// Package ratelimit throttles sync and extraction triggers per user
// to bound IMAP connection churn and LLM spend. It is an explicit
// component with a constructor/start/stop lifecycle so the
// orchestrator receives it by injection and tests can substitute a
// fake clock.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned when a user has exhausted their budget.
// Callers must treat it as a back-off signal, not a processing
// failure.
var ErrLimited = errors.New("rate limited")

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

// systemClock is the production clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

const (
	cleanupInterval = 10 * time.Minute
	idleEviction    = 2 * time.Hour
)

// userLimiters holds the token buckets for one user.
type userLimiters struct {
	syncs       *rate.Limiter
	extractions *rate.Limiter
	lastSeen    time.Time
}

// Limiter enforces per-user budgets for sync runs and extraction
// calls. Buckets for idle users are evicted by a background cleanup
// loop between Start and Stop.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*userLimiters

	syncLimit    rate.Limit
	syncBurst    int
	extractLimit rate.Limit
	extractBurst int

	clock  Clock
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a limiter allowing syncsPerHour sync runs and
// extractionsPerHour extraction calls per user. Non-positive values
// fall back to permissive defaults.
func New(syncsPerHour, extractionsPerHour int, clock Clock) *Limiter {
	if syncsPerHour <= 0 {
		syncsPerHour = 12
	}
	if extractionsPerHour <= 0 {
		extractionsPerHour = 60
	}
	if clock == nil {
		clock = SystemClock()
	}

	return &Limiter{
		users:        make(map[string]*userLimiters),
		syncLimit:    rate.Limit(float64(syncsPerHour) / 3600.0),
		syncBurst:    syncsPerHour,
		extractLimit: rate.Limit(float64(extractionsPerHour) / 3600.0),
		extractBurst: extractionsPerHour,
		clock:        clock,
	}
}

// Start launches the background cleanup loop. Calling Start twice
// without a Stop in between is a no-op.
func (l *Limiter) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopCh != nil {
		return
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	go l.cleanupLoop(l.stopCh, l.doneCh)
}

// Stop halts the cleanup loop and waits for it to exit.
func (l *Limiter) Stop() {
	l.mu.Lock()
	stopCh, doneCh := l.stopCh, l.doneCh
	l.stopCh, l.doneCh = nil, nil
	l.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// AllowSync consumes one sync token for the user, returning
// ErrLimited when the budget is exhausted.
func (l *Limiter) AllowSync(userID string) error {
	u := l.forUser(userID)
	if !u.syncs.AllowN(l.clock.Now(), 1) {
		return ErrLimited
	}
	return nil
}

// AllowExtraction consumes one extraction token for the user,
// returning ErrLimited when the budget is exhausted.
func (l *Limiter) AllowExtraction(userID string) error {
	u := l.forUser(userID)
	if !u.extractions.AllowN(l.clock.Now(), 1) {
		return ErrLimited
	}
	return nil
}

func (l *Limiter) forUser(userID string) *userLimiters {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		u = &userLimiters{
			syncs:       rate.NewLimiter(l.syncLimit, l.syncBurst),
			extractions: rate.NewLimiter(l.extractLimit, l.extractBurst),
		}
		l.users[userID] = u
	}
	u.lastSeen = l.clock.Now()
	return u
}

func (l *Limiter) cleanupLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

// evictIdle drops buckets for users that have been quiet long enough
// that a fresh bucket is equivalent.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-idleEviction)
	for id, u := range l.users {
		if u.lastSeen.Before(cutoff) {
			delete(l.users, id)
		}
	}
}

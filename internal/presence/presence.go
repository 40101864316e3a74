// Package presence maintains the account's simulated online/offline
// status: going online with a randomized delay on activity, and back
// offline after a randomized idle period.
package presence

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"personabot/internal/metrics"
)

const defaultPollInterval = 10 * time.Second

// StatusSetter is the slice of the messenger the simulator needs.
type StatusSetter interface {
	SetPresence(ctx context.Context, online bool) error
}

// Simulator owns the process-wide presence state. The scheduler calls
// EnsureOnline on qualifying activity; Run flips the status back to
// offline once the idle threshold elapses.
type Simulator struct {
	mu           sync.Mutex
	online       bool
	lastActivity time.Time

	messenger StatusSetter
	logger    *slog.Logger

	onlineMin, onlineMax   time.Duration
	offlineMin, offlineMax time.Duration
	poll                   time.Duration
}

type Config struct {
	Messenger StatusSetter
	Logger    *slog.Logger
	// Randomized delay before going online after activity while offline.
	DelayBeforeOnlineMin time.Duration
	DelayBeforeOnlineMax time.Duration
	// Randomized idle threshold before going offline.
	DelayBeforeOfflineMin time.Duration
	DelayBeforeOfflineMax time.Duration
	PollInterval          time.Duration
}

func NewSimulator(cfg Config) *Simulator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Simulator{
		messenger:  cfg.Messenger,
		logger:     cfg.Logger,
		onlineMin:  cfg.DelayBeforeOnlineMin,
		onlineMax:  cfg.DelayBeforeOnlineMax,
		offlineMin: cfg.DelayBeforeOfflineMin,
		offlineMax: cfg.DelayBeforeOfflineMax,
		poll:       cfg.PollInterval,
	}
}

// Online reports the current simulated status.
func (s *Simulator) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// EnsureOnline records activity and, when the account was offline, waits
// a randomized delay and pushes the online status. The flag flip happens
// under the lock so concurrent callers claim the transition exactly once.
func (s *Simulator) EnsureOnline(ctx context.Context) {
	s.mu.Lock()
	wasOffline := !s.online
	s.online = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if !wasOffline {
		return
	}

	delay := randRange(s.onlineMin, s.onlineMax)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	if err := s.messenger.SetPresence(ctx, true); err != nil {
		s.logger.Warn("presence update failed", "online", true, "err", err)
	}
	metrics.OnlineStatus.Set(1)
	s.logger.Info("status: online", "delay", delay)
}

// Touch refreshes the last-activity timestamp without changing the flag.
func (s *Simulator) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Run polls until ctx is done, flipping to offline once idle long enough.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Simulator) tick(ctx context.Context) {
	threshold := randRange(s.offlineMin, s.offlineMax)

	s.mu.Lock()
	expired := s.online && time.Since(s.lastActivity) > threshold
	if expired {
		s.online = false
	}
	s.mu.Unlock()

	if !expired {
		return
	}
	if err := s.messenger.SetPresence(ctx, false); err != nil {
		s.logger.Warn("presence update failed", "online", false, "err", err)
	}
	metrics.OnlineStatus.Set(0)
	s.logger.Info("status: offline", "idle_threshold", threshold)
}

func randRange(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Float64()*float64(max-min))
}

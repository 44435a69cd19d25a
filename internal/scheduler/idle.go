// Package scheduler debounces workspace activity into a single delayed
// incremental-snapshot trigger.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultIdleDelay = 30 * time.Second

// Committer runs one incremental snapshot cycle.
type Committer interface {
	TakeIncrementalSnapshot(ctx context.Context, userID, teamID string) (bool, error)
}

// Identity resolves the local user id; empty means not signed in.
type Identity interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// TeamSelection supplies the currently selected team id; empty means none.
type TeamSelection interface {
	SelectedTeam(ctx context.Context) (string, error)
}

// IdleSchedulerConfig describes the dependencies of the scheduler.
type IdleSchedulerConfig struct {
	Delay       time.Duration
	Committer   Committer
	Identity    Identity
	Teams       TeamSelection
	FireTimeout time.Duration
	Logger      *zap.Logger
}

// IdleScheduler holds one debounce timer for the whole workspace. Each
// activity report cancels and replaces the pending timer, so overlapping
// activity never spawns parallel timers.
type IdleScheduler struct {
	delay       time.Duration
	committer   Committer
	identity    Identity
	teams       TeamSelection
	fireTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewIdleScheduler validates the configuration and constructs the scheduler.
func NewIdleScheduler(cfg IdleSchedulerConfig) (*IdleScheduler, error) {
	if cfg.Committer == nil {
		return nil, errors.New("scheduler: committer is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("scheduler: identity resolver is required")
	}
	if cfg.Teams == nil {
		return nil, errors.New("scheduler: team selection is required")
	}

	delay := cfg.Delay
	if delay <= 0 {
		delay = defaultIdleDelay
	}
	fireTimeout := cfg.FireTimeout
	if fireTimeout <= 0 {
		fireTimeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IdleScheduler{
		delay:       delay,
		committer:   cfg.Committer,
		identity:    cfg.Identity,
		teams:       cfg.Teams,
		fireTimeout: fireTimeout,
		logger:      logger,
	}, nil
}

// OnActivity resets the debounce timer. The trigger fires only after the
// workspace has been quiet for the configured delay.
func (s *IdleScheduler) OnActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

// Cancel drops any pending trigger without stopping the scheduler. Used when
// tracking is paused: a timer armed before the pause must not fire after it.
func (s *IdleScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Stop cancels any pending trigger. Further activity reports are ignored.
func (s *IdleScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// fire runs on the timer goroutine. Nothing may escape this boundary: an
// unhandled panic here would kill the process, and errors must not abort
// future firings.
func (s *IdleScheduler) fire() {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("idle trigger panicked", zap.Any("panic", recovered))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	userID, err := s.identity.CurrentUserID(ctx)
	if err != nil {
		s.logger.Warn("idle trigger could not resolve user", zap.Error(err))
		return
	}
	if userID == "" {
		return
	}

	teamID, err := s.teams.SelectedTeam(ctx)
	if err != nil {
		s.logger.Warn("idle trigger could not resolve team", zap.Error(err))
		return
	}
	if teamID == "" {
		return
	}

	committed, err := s.committer.TakeIncrementalSnapshot(ctx, userID, teamID)
	if err != nil {
		// Background commits are logged only; the next quiet period retries
		// naturally.
		s.logger.Warn("idle snapshot failed",
			zap.String("team_id", teamID),
			zap.Error(err))
		return
	}
	if committed {
		s.logger.Debug("idle snapshot committed", zap.String("team_id", teamID))
	}
}

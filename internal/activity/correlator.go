// Package activity detects concurrent editing across a team. It polls the
// shared store on an interval, aggregates per-user change volume over a
// sliding window, applies band-pass thresholding and prompts the local user
// to start a pairing session.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pairsight/internal/notify"
	"github.com/MarcoPoloResearchLab/pairsight/internal/store"
)

const (
	defaultPollInterval   = time.Minute
	defaultActivityWindow = 5 * time.Minute
	defaultMinActivity    = 2
	defaultMaxActivity    = 50
	defaultNotifyCooldown = time.Hour
	defaultStoreTimeout   = 12 * time.Second
)

var (
	errMissingStore     = errors.New("activity: store is required")
	errMissingIdentity  = errors.New("activity: identity resolver is required")
	errMissingDirectory = errors.New("activity: member directory is required")
)

// UserActivity is the per-user aggregate rebuilt on every correlation pass.
type UserActivity struct {
	UserID       string
	DisplayName  string
	LastActivity time.Time
	ChangeCount  int
}

// Store reads recent change records and persists notification events.
type Store interface {
	RecentIncrementals(ctx context.Context, teamID string, since time.Time) ([]store.ChangeRecord, error)
	InsertActivityEvent(ctx context.Context, event store.ActivityNotification) (string, error)
}

// Identity resolves the local user id; empty means not signed in.
type Identity interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// Directory resolves member display names.
type Directory interface {
	DisplayName(ctx context.Context, teamID, userID string) string
}

// CorrelatorConfig describes the correlator dependencies and tuning.
type CorrelatorConfig struct {
	Store     Store
	Identity  Identity
	Directory Directory
	Notifier  notify.Notifier
	Launcher  notify.SessionLauncher
	Logger    *zap.Logger
	Clock     func() time.Time

	PollInterval     time.Duration
	ActivityWindow   time.Duration
	MinActivity      int
	MaxActivity      int
	NotifyCooldown   time.Duration
	CooldownDisabled bool
	StoreTimeout     time.Duration
}

// Correlator owns the polling loop. It only reads from the store and never
// touches the snapshot manager's baseline, so the two subsystems cannot race.
type Correlator struct {
	store     Store
	identity  Identity
	directory Directory
	notifier  notify.Notifier
	launcher  notify.SessionLauncher
	logger    *zap.Logger
	clock     func() time.Time

	pollInterval     time.Duration
	window           time.Duration
	minActivity      int
	maxActivity      int
	cooldown         time.Duration
	cooldownDisabled bool
	storeTimeout     time.Duration

	// lifecycleMu serializes StartMonitoring/StopMonitoring so a loop is
	// always joined before its replacement installs, and wg.Add never
	// interleaves with wg.Wait. It is never held while a pass runs, so the
	// loop itself cannot deadlock against it.
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup

	mu           sync.Mutex
	cancel       context.CancelFunc
	teamID       string
	lastNotified map[string]time.Time
}

// NewCorrelator validates the configuration and constructs a stopped
// correlator.
func NewCorrelator(cfg CorrelatorConfig) (*Correlator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(cfg.Logger)
	}
	launcher := cfg.Launcher
	if launcher == nil {
		launcher = notify.NewLogLauncher(cfg.Logger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	window := cfg.ActivityWindow
	if window <= 0 {
		window = defaultActivityWindow
	}
	minActivity := cfg.MinActivity
	if minActivity <= 0 {
		minActivity = defaultMinActivity
	}
	maxActivity := cfg.MaxActivity
	if maxActivity <= 0 {
		maxActivity = defaultMaxActivity
	}
	cooldown := cfg.NotifyCooldown
	if cooldown <= 0 {
		cooldown = defaultNotifyCooldown
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	return &Correlator{
		store:            cfg.Store,
		identity:         cfg.Identity,
		directory:        cfg.Directory,
		notifier:         notifier,
		launcher:         launcher,
		logger:           logger,
		clock:            clock,
		pollInterval:     pollInterval,
		window:           window,
		minActivity:      minActivity,
		maxActivity:      maxActivity,
		cooldown:         cooldown,
		cooldownDisabled: cfg.CooldownDisabled,
		storeTimeout:     storeTimeout,
		lastNotified:     map[string]time.Time{},
	}, nil
}

// StartMonitoring installs the polling loop for a team. Starting while
// already monitoring cancels and joins the previous loop first, so team
// switches never leave a stale poller or a stale prompt behind.
func (c *Correlator) StartMonitoring(teamID string) {
	if teamID == "" {
		return
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.shutdownLoop()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.teamID = teamID
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(loopCtx, teamID)
	c.logger.Info("activity monitoring started", zap.String("team_id", teamID))
}

// StopMonitoring cancels the polling loop and waits for it and any
// outstanding prompts to finish.
func (c *Correlator) StopMonitoring() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.shutdownLoop()
}

// shutdownLoop cancels the installed loop and joins it. Caller holds
// lifecycleMu.
func (c *Correlator) shutdownLoop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.teamID = ""
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

// Monitoring reports whether a polling loop is installed.
func (c *Correlator) Monitoring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// MonitoredTeam returns the team the polling loop is bound to.
func (c *Correlator) MonitoredTeam() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teamID
}

func (c *Correlator) loop(ctx context.Context, teamID string) {
	defer c.wg.Done()
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("correlation loop panicked", zap.Any("panic", recovered))
		}
	}()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Timer callbacks swallow everything; an escaped error would
			// silently abort future ticks.
			if err := c.TriggerCheck(ctx, teamID); err != nil {
				c.logger.Warn("correlation pass failed",
					zap.String("team_id", teamID),
					zap.Error(err))
			}
		}
	}
}

// TriggerCheck runs exactly one correlation pass. It is invoked by the
// polling loop and may also be called directly.
func (c *Correlator) TriggerCheck(ctx context.Context, teamID string) error {
	if teamID == "" {
		return errors.New("activity: team identifier is required")
	}

	localUserID, err := c.identity.CurrentUserID(ctx)
	if err != nil {
		return fmt.Errorf("activity: resolve local user: %w", err)
	}
	if localUserID == "" {
		// Not signed in; nothing to correlate against.
		return nil
	}

	now := c.clock().UTC()
	queryCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	records, err := c.store.RecentIncrementals(queryCtx, teamID, now.Add(-c.window))
	cancel()
	if err != nil {
		return fmt.Errorf("activity: query recent records: %w", err)
	}

	byUser := c.aggregate(ctx, teamID, records)
	delete(byUser, localUserID)

	active := c.bandPass(byUser)
	if len(active) == 0 {
		return nil
	}

	groupKey := groupKey(localUserID, active)
	if !c.cooldownDisabled {
		c.mu.Lock()
		lastAt, seen := c.lastNotified[groupKey]
		c.mu.Unlock()
		if seen && now.Sub(lastAt) < c.cooldown {
			return nil
		}
	}

	header, summary := composeNotification(active)
	eventCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	_, err = c.store.InsertActivityEvent(eventCtx, store.ActivityNotification{
		TeamID:  teamID,
		UserID:  localUserID,
		Header:  header,
		Summary: summary,
		Type:    store.NotificationTypeConcurrentActivity,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("activity: persist notification: %w", err)
	}

	c.mu.Lock()
	c.lastNotified[groupKey] = now
	c.mu.Unlock()

	c.promptAsync(ctx, teamID, header, summary, active)
	return nil
}

// aggregate rebuilds the per-user activity map from in-window records. A
// malformed changes payload skips that record only.
func (c *Correlator) aggregate(ctx context.Context, teamID string, records []store.ChangeRecord) map[string]*UserActivity {
	byUser := map[string]*UserActivity{}
	for _, record := range records {
		changes, err := store.DecodeChangeSet(record.Changes)
		if err != nil {
			c.logger.Warn("skipping record with malformed changes payload",
				zap.String("record_id", record.ID),
				zap.String("user_id", record.UserID),
				zap.Error(err))
			continue
		}
		changeCount := len(changes)
		if changeCount == 0 {
			continue
		}

		entry, seen := byUser[record.UserID]
		if !seen {
			entry = &UserActivity{
				UserID:      record.UserID,
				DisplayName: c.directory.DisplayName(ctx, teamID, record.UserID),
			}
			byUser[record.UserID] = entry
		}
		entry.ChangeCount += changeCount
		recordTime := time.Unix(record.UpdatedAtSeconds, 0).UTC()
		if recordTime.After(entry.LastActivity) {
			entry.LastActivity = recordTime
		}
	}
	return byUser
}

// bandPass keeps users whose aggregated change count sits inside the
// [min, max] band: below is noise, above suggests bulk churn rather than
// collaborative editing. Results are ordered by display name for stable
// notification text.
func (c *Correlator) bandPass(byUser map[string]*UserActivity) []UserActivity {
	var active []UserActivity
	for _, entry := range byUser {
		if entry.ChangeCount < c.minActivity || entry.ChangeCount > c.maxActivity {
			continue
		}
		active = append(active, *entry)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].DisplayName != active[j].DisplayName {
			return active[i].DisplayName < active[j].DisplayName
		}
		return active[i].UserID < active[j].UserID
	})
	return active
}

func composeNotification(active []UserActivity) (header, summary string) {
	if len(active) == 1 {
		header = "Pairing opportunity"
		summary = fmt.Sprintf("%s is editing the workspace right now. Start a live session?", active[0].DisplayName)
		return header, summary
	}

	names := make([]string, 0, len(active))
	total := 0
	for _, entry := range active {
		names = append(names, entry.DisplayName)
		total += entry.ChangeCount
	}
	header = "Pairing opportunity"
	summary = fmt.Sprintf("%s are editing the workspace right now (%d recent changes). Start a live session?",
		strings.Join(names, ", "), total)
	return header, summary
}

// groupKey identifies the initiator-plus-active-users group for cooldown
// deduplication.
func groupKey(localUserID string, active []UserActivity) string {
	ids := make([]string, 0, len(active)+1)
	ids = append(ids, localUserID)
	for _, entry := range active {
		ids = append(ids, entry.UserID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// promptAsync surfaces the local prompt off the correlation pass so a slow
// user decision never blocks the polling loop. The goroutine inherits the
// pass context and joins the correlator's WaitGroup: stopping the loop or
// switching teams cancels any prompt still waiting on the user, so a stale
// prompt can never launch a session for a team that is no longer monitored.
func (c *Correlator) promptAsync(passCtx context.Context, teamID, header, summary string, active []UserActivity) {
	participants := make([]string, 0, len(active))
	for _, entry := range active {
		participants = append(participants, entry.UserID)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				c.logger.Error("activity prompt panicked", zap.Any("panic", recovered))
			}
		}()

		ctx, cancel := context.WithTimeout(passCtx, 5*time.Minute)
		defer cancel()

		accepted, err := c.notifier.Prompt(ctx, header, summary)
		if err != nil {
			c.logger.Warn("activity prompt failed", zap.Error(err))
			return
		}
		if !accepted {
			return
		}
		if err := c.launcher.Launch(ctx, teamID, participants); err != nil {
			c.logger.Error("session launch failed",
				zap.String("team_id", teamID),
				zap.Error(err))
		}
	}()
}

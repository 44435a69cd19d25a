// Package snapshot owns the workspace baseline lifecycle: full snapshots,
// idle-triggered incremental commits and session-scoped baselines.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pairsight/internal/diffing"
)

var (
	// ErrMissingUser indicates the operation was invoked without a resolved
	// user identifier.
	ErrMissingUser = errors.New("snapshot: user identifier is required")
	// ErrMissingTeam indicates the operation was invoked without a selected
	// team.
	ErrMissingTeam = errors.New("snapshot: team identifier is required")
	// ErrNoBaseline indicates an operation that needs an established baseline.
	ErrNoBaseline = errors.New("snapshot: no baseline established")
	// ErrNoSessionBaseline indicates no collaboration session baseline exists.
	ErrNoSessionBaseline = errors.New("snapshot: no session baseline")

	errMissingWorkspace = errors.New("snapshot: workspace source is required")
	errMissingStore     = errors.New("snapshot: store is required")
)

const defaultStoreTimeout = 12 * time.Second

// Source captures the current workspace content.
type Source interface {
	Capture() (map[string]string, error)
}

// Store is the persistence collaborator for snapshot commits.
type Store interface {
	InsertBaseline(ctx context.Context, userID, teamID string, files map[string]string) (string, error)
	InsertIncremental(ctx context.Context, userID, teamID string, changes diffing.ChangeSet, files map[string]string) (string, error)
	UpsertFileState(ctx context.Context, userID, teamID, filePath, content, diffText string) error
	InsertSessionBaseline(ctx context.Context, userID, teamID, sessionID string, files map[string]string) (string, error)
	DeleteRecord(ctx context.Context, recordID string) error
}

// ManagerConfig describes the dependencies of the Manager.
type ManagerConfig struct {
	Workspace    Source
	Store        Store
	Policy       Policy
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// Manager serializes all baseline-mutating operations behind one mutex so the
// in-memory baseline always reflects the last successfully committed capture.
type Manager struct {
	workspace    Source
	store        Store
	policy       Policy
	storeTimeout time.Duration
	logger       *zap.Logger

	mu              sync.Mutex
	baseline        map[string]string
	paused          bool
	sessionBaseline map[string]string
	sessionID       string
	sessionRecordID string
}

// Status is a point-in-time view of the manager state.
type Status struct {
	BaselineEstablished bool   `json:"baseline_established"`
	BaselineFiles       int    `json:"baseline_files"`
	TrackingPaused      bool   `json:"tracking_paused"`
	SessionActive       bool   `json:"session_active"`
	SessionID           string `json:"session_id,omitempty"`
}

// NewManager validates the configuration and constructs a Manager in the
// no-baseline state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Workspace == nil {
		return nil, errMissingWorkspace
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}

	policy := cfg.Policy
	if policy.LinesThreshold <= 0 && policy.FilesThreshold <= 0 {
		policy = DefaultPolicy()
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		workspace:    cfg.Workspace,
		store:        cfg.Store,
		policy:       policy,
		storeTimeout: storeTimeout,
		logger:       logger,
	}, nil
}

// TakeSnapshot captures the full workspace, persists it as the canonical
// baseline commit and replaces the in-memory baseline.
func (m *Manager) TakeSnapshot(ctx context.Context, userID, teamID string) error {
	if userID == "" {
		return ErrMissingUser
	}
	if teamID == "" {
		return ErrMissingTeam
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeSnapshotLocked(ctx, userID, teamID)
}

func (m *Manager) takeSnapshotLocked(ctx context.Context, userID, teamID string) error {
	captured, err := m.workspace.Capture()
	if err != nil {
		return fmt.Errorf("snapshot: capture workspace: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if _, err := m.store.InsertBaseline(storeCtx, userID, teamID, captured); err != nil {
		m.logger.Error("baseline persistence failed",
			zap.String("user_id", userID),
			zap.String("team_id", teamID),
			zap.Error(err))
		return err
	}

	m.baseline = captured
	m.logger.Info("baseline established",
		zap.String("team_id", teamID),
		zap.Int("files", len(captured)))
	return nil
}

// TakeIncrementalSnapshot diffs the current capture against the baseline and
// commits when the threshold policy passes. Missing user or team context
// aborts silently with no side effects; so does a paused tracker. The first
// invocation with no baseline establishes one instead of committing a diff.
// It reports whether a commit was persisted.
func (m *Manager) TakeIncrementalSnapshot(ctx context.Context, userID, teamID string) (bool, error) {
	if userID == "" || teamID == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return false, nil
	}
	if m.baseline == nil {
		return false, m.takeSnapshotLocked(ctx, userID, teamID)
	}
	return m.commitLocked(ctx, userID, teamID, false)
}

// commitLocked captures, diffs against the baseline and persists. When force
// is set the threshold policy is bypassed (used by flushes). The baseline
// advances only after the incremental insert succeeded.
func (m *Manager) commitLocked(ctx context.Context, userID, teamID string, force bool) (bool, error) {
	captured, err := m.workspace.Capture()
	if err != nil {
		return false, fmt.Errorf("snapshot: capture workspace: %w", err)
	}

	changes := diffing.Compute(m.baseline, captured)
	if len(changes) == 0 {
		return false, nil
	}
	if !force && !m.policy.ShouldCommit(changes) {
		return false, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	if _, err := m.store.InsertIncremental(storeCtx, userID, teamID, changes, changedContent(captured, changes)); err != nil {
		m.logger.Error("incremental persistence failed",
			zap.String("user_id", userID),
			zap.String("team_id", teamID),
			zap.Int("files", len(changes)),
			zap.Error(err))
		return false, err
	}

	for path, diffText := range changes {
		if err := m.store.UpsertFileState(storeCtx, userID, teamID, path, captured[path], diffText); err != nil {
			m.logger.Warn("file state upsert failed",
				zap.String("user_id", userID),
				zap.String("file_path", path),
				zap.Error(err))
		}
	}

	m.baseline = captured
	m.logger.Info("incremental snapshot committed",
		zap.String("team_id", teamID),
		zap.Int("files", len(changes)),
		zap.Int("lines", diffing.CountChangedLines(changes)))
	return true, nil
}

// PauseTracking flushes any pending uncommitted changes synchronously, then
// suspends automatic tracking. While paused, idle-triggered incremental
// snapshots are ignored.
func (m *Manager) PauseTracking(ctx context.Context, userID, teamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseline != nil && userID != "" && teamID != "" {
		if _, err := m.commitLocked(ctx, userID, teamID, true); err != nil {
			m.logger.Warn("flush before pause failed", zap.Error(err))
		}
	}
	m.paused = true
	return nil
}

// ResumeTracking clears the paused flag and re-baselines with a fresh full
// snapshot: after a pause, local and remote content may have diverged, and a
// diff against the old baseline would be stale.
func (m *Manager) ResumeTracking(ctx context.Context, userID, teamID string) error {
	if userID == "" {
		return ErrMissingUser
	}
	if teamID == "" {
		return ErrMissingTeam
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = false
	return m.takeSnapshotLocked(ctx, userID, teamID)
}

// CreateSessionBaseline captures the full workspace, persists it tagged with
// the session id and stores it as the independent session baseline. The main
// baseline is untouched. Returns the persisted record's id.
func (m *Manager) CreateSessionBaseline(ctx context.Context, userID, teamID, sessionID string) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	if teamID == "" {
		return "", ErrMissingTeam
	}
	if sessionID == "" {
		return "", errors.New("snapshot: session identifier is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	captured, err := m.workspace.Capture()
	if err != nil {
		return "", fmt.Errorf("snapshot: capture workspace: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	recordID, err := m.store.InsertSessionBaseline(storeCtx, userID, teamID, sessionID, captured)
	if err != nil {
		m.logger.Error("session baseline persistence failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return "", err
	}

	m.sessionBaseline = captured
	m.sessionID = sessionID
	m.sessionRecordID = recordID
	m.logger.Info("session baseline created",
		zap.String("session_id", sessionID),
		zap.Int("files", len(captured)))
	return recordID, nil
}

// CaptureSessionChanges diffs the current workspace against the session
// baseline, clears the session baseline (one-shot retrieval) and returns a
// human-readable concatenation of per-file diff sections.
func (m *Manager) CaptureSessionChanges(ctx context.Context, userID, teamID string) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	if teamID == "" {
		return "", ErrMissingTeam
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionBaseline == nil {
		return "", ErrNoSessionBaseline
	}

	captured, err := m.workspace.Capture()
	if err != nil {
		return "", fmt.Errorf("snapshot: capture workspace: %w", err)
	}

	changes := diffing.Compute(m.sessionBaseline, captured)
	formatted := diffing.Format(changes)

	if m.sessionRecordID != "" {
		storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		if err := m.store.DeleteRecord(storeCtx, m.sessionRecordID); err != nil {
			m.logger.Warn("session record cleanup failed",
				zap.String("record_id", m.sessionRecordID),
				zap.Error(err))
		}
		cancel()
	}

	m.sessionBaseline = nil
	m.sessionID = ""
	m.sessionRecordID = ""
	return formatted, nil
}

// Reset discards the main and session baselines. Used when the active team
// switches or the engine tears down.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = nil
	m.sessionBaseline = nil
	m.sessionID = ""
	m.sessionRecordID = ""
	m.paused = false
}

// Paused reports whether automatic tracking is suspended.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Status returns a point-in-time view of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		BaselineEstablished: m.baseline != nil,
		BaselineFiles:       len(m.baseline),
		TrackingPaused:      m.paused,
		SessionActive:       m.sessionBaseline != nil,
		SessionID:           m.sessionID,
	}
}

// changedContent projects the captured content down to the files present in
// the change set. Removed files carry no content.
func changedContent(captured map[string]string, changes diffing.ChangeSet) map[string]string {
	files := make(map[string]string, len(changes))
	for path := range changes {
		if content, ok := captured[path]; ok {
			files[path] = content
		}
	}
	return files
}

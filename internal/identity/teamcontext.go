package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

const settingSelectedTeam = "selected_team_id"

// Setting is a persisted process-wide key/value pair.
type Setting struct {
	Key              string `gorm:"column:key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "agent_settings"
}

// TeamContext holds the currently selected team id, persisted across agent
// restarts and cached in memory.
type TeamContext struct {
	db     *gorm.DB
	clock  func() time.Time
	mu     sync.RWMutex
	cached string
	loaded bool
}

// TeamContextConfig describes the dependencies of TeamContext.
type TeamContextConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// NewTeamContext constructs the persisted team selection.
func NewTeamContext(cfg TeamContextConfig) (*TeamContext, error) {
	if cfg.Database == nil {
		return nil, errors.New("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TeamContext{db: cfg.Database, clock: clock}, nil
}

// SelectedTeam returns the persisted team id, or empty when no team has been
// selected.
func (t *TeamContext) SelectedTeam(ctx context.Context) (string, error) {
	t.mu.RLock()
	if t.loaded {
		cached := t.cached
		t.mu.RUnlock()
		return cached, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return t.cached, nil
	}

	var setting Setting
	err := t.db.WithContext(ctx).Where("key = ?", settingSelectedTeam).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		t.cached = ""
		t.loaded = true
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: load selected team: %w", err)
	}
	t.cached = setting.Value
	t.loaded = true
	return t.cached, nil
}

// SelectTeam persists the team selection. An empty id clears it.
func (t *TeamContext) SelectTeam(ctx context.Context, teamID string) error {
	teamID = strings.TrimSpace(teamID)

	t.mu.Lock()
	defer t.mu.Unlock()

	setting := Setting{
		Key:              settingSelectedTeam,
		Value:            teamID,
		UpdatedAtSeconds: t.clock().UTC().Unix(),
	}
	txErr := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Setting
		err := tx.Where("key = ?", settingSelectedTeam).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&setting).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&Setting{}).Where("key = ?", settingSelectedTeam).
			Updates(map[string]interface{}{
				"value":        setting.Value,
				"updated_at_s": setting.UpdatedAtSeconds,
			}).Error
	})
	if txErr != nil {
		return fmt.Errorf("identity: persist selected team: %w", txErr)
	}

	t.cached = teamID
	t.loaded = true
	return nil
}

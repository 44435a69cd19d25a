// Package identity resolves who the local user is, how team members are
// displayed, and which team the agent is currently operating in.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UnknownDisplayName is returned when no profile or email is known for a
// member.
const UnknownDisplayName = "Unknown User"

// MemberProfile stores displayable metadata for a team member.
type MemberProfile struct {
	TeamID            string `gorm:"column:team_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email             string `gorm:"column:email;size:320;not null;default:''"`
	DisplayName       string `gorm:"column:display_name;size:190;not null;default:''"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MemberProfile) TableName() string {
	return "member_profiles"
}

// DirectoryConfig describes the dependencies for member lookup.
type DirectoryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Directory resolves member display names with a profile-then-email fallback
// chain.
type Directory struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  sync.Map
}

// NewDirectory constructs the member directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errors.New("identity: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: cfg.Database, logger: logger}, nil
}

// DisplayName resolves a member's display name: team profile first, the email
// local part next, and UnknownDisplayName as the last resort. Lookup failures
// degrade to the fallback rather than erroring.
func (d *Directory) DisplayName(ctx context.Context, teamID, userID string) string {
	if userID == "" {
		return UnknownDisplayName
	}

	cacheKey := teamID + ":" + userID
	if cached, ok := d.cache.Load(cacheKey); ok {
		if name, ok := cached.(string); ok {
			return name
		}
	}

	var profile MemberProfile
	err := d.db.WithContext(ctx).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		First(&profile).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Warn("member profile lookup failed",
				zap.String("team_id", teamID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
		return UnknownDisplayName
	}

	name := displayNameFromProfile(profile)
	d.cache.Store(cacheKey, name)
	return name
}

// UpsertProfile records or refreshes a member profile.
func (d *Directory) UpsertProfile(ctx context.Context, profile MemberProfile) error {
	if profile.TeamID == "" || profile.UserID == "" {
		return errors.New("identity: team and user identifiers required")
	}
	profile.LastSeenAtSeconds = time.Now().UTC().Unix()

	txErr := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MemberProfile
		err := tx.Where("team_id = ? AND user_id = ?", profile.TeamID, profile.UserID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&profile).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&MemberProfile{}).
			Where("team_id = ? AND user_id = ?", profile.TeamID, profile.UserID).
			Updates(map[string]interface{}{
				"email":          profile.Email,
				"display_name":   profile.DisplayName,
				"last_seen_at_s": profile.LastSeenAtSeconds,
			}).Error
	})
	if txErr != nil {
		return fmt.Errorf("identity: upsert profile: %w", txErr)
	}
	d.cache.Delete(profile.TeamID + ":" + profile.UserID)
	return nil
}

func displayNameFromProfile(profile MemberProfile) string {
	if name := strings.TrimSpace(profile.DisplayName); name != "" {
		return name
	}
	if email := strings.TrimSpace(profile.Email); email != "" {
		if at := strings.Index(email, "@"); at > 0 {
			return email[:at]
		}
		return email
	}
	return UnknownDisplayName
}

// Package store persists change records and activity notifications to the
// shared backend. The canonical in-memory representation of a record's
// changes payload is diffing.ChangeSet; encoding to text happens only at this
// boundary.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pairsight/internal/diffing"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingTeamID     = errors.New("team identifier is required")
	noOpLogger           = zap.NewNop()
)

// RepositoryError carries a stable operation code alongside its cause.
type RepositoryError struct {
	code string
	err  error
}

func (e *RepositoryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RepositoryError) Unwrap() error {
	return e.err
}

// Code returns the stable operation code.
func (e *RepositoryError) Code() string {
	return e.code
}

const (
	opRepositoryNew         = "store.repository.new"
	opInsertBaseline        = "store.insert_baseline"
	opInsertIncremental     = "store.insert_incremental"
	opUpsertFileState       = "store.upsert_file_state"
	opInsertSessionBaseline = "store.insert_session_baseline"
	opDeleteRecord          = "store.delete_record"
	opRecentIncrementals    = "store.recent_incrementals"
	opInsertActivityEvent   = "store.insert_activity_event"
)

func newRepositoryError(operation, reason string, cause error) error {
	return &RepositoryError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// RepositoryConfig describes the dependencies of the repository.
type RepositoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Repository implements persistence of change records and activity events.
type Repository struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewRepository validates the configuration and constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newRepositoryError(opRepositoryNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newRepositoryError(opRepositoryNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Repository{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// InsertBaseline persists a full workspace snapshot and returns the record id.
func (r *Repository) InsertBaseline(ctx context.Context, userID, teamID string, files map[string]string) (string, error) {
	return r.insertSnapshotRecord(ctx, opInsertBaseline, RecordKindBaseline, userID, teamID, "", files)
}

// InsertSessionBaseline persists a full workspace snapshot tagged with a
// collaboration session id and returns the record id.
func (r *Repository) InsertSessionBaseline(ctx context.Context, userID, teamID, sessionID string, files map[string]string) (string, error) {
	if sessionID == "" {
		return "", newRepositoryError(opInsertSessionBaseline, "missing_session_id", errors.New("session identifier is required"))
	}
	return r.insertSnapshotRecord(ctx, opInsertSessionBaseline, RecordKindSession, userID, teamID, sessionID, files)
}

func (r *Repository) insertSnapshotRecord(ctx context.Context, operation string, kind RecordKind, userID, teamID, sessionID string, files map[string]string) (string, error) {
	if err := requireIdentifiers(operation, userID, teamID); err != nil {
		return "", err
	}

	snapshot, err := EncodeContentMap(files)
	if err != nil {
		r.logError(operation, "snapshot_encode_failed", err, zap.String("user_id", userID))
		return "", newRepositoryError(operation, "snapshot_encode_failed", err)
	}

	recordID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(operation, "id_generation_failed", err)
		return "", newRepositoryError(operation, "id_generation_failed", err)
	}

	record := ChangeRecord{
		ID:               recordID,
		UserID:           userID,
		TeamID:           teamID,
		Kind:             kind,
		SessionID:        sessionID,
		Snapshot:         snapshot,
		Changes:          "{}",
		UpdatedAtSeconds: r.clock().UTC().Unix(),
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		r.logError(operation, "insert_failed", err, zap.String("user_id", userID), zap.String("team_id", teamID))
		return "", newRepositoryError(operation, "insert_failed", err)
	}
	return recordID, nil
}

// InsertIncremental persists one diff-and-commit cycle. The changes mapping
// covers every file touched by the cycle; files holds the newly captured
// content of those files.
func (r *Repository) InsertIncremental(ctx context.Context, userID, teamID string, changes diffing.ChangeSet, files map[string]string) (string, error) {
	if err := requireIdentifiers(opInsertIncremental, userID, teamID); err != nil {
		return "", err
	}

	encodedChanges, err := EncodeChangeSet(changes)
	if err != nil {
		r.logError(opInsertIncremental, "changes_encode_failed", err, zap.String("user_id", userID))
		return "", newRepositoryError(opInsertIncremental, "changes_encode_failed", err)
	}
	snapshot, err := EncodeContentMap(files)
	if err != nil {
		r.logError(opInsertIncremental, "snapshot_encode_failed", err, zap.String("user_id", userID))
		return "", newRepositoryError(opInsertIncremental, "snapshot_encode_failed", err)
	}

	recordID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opInsertIncremental, "id_generation_failed", err)
		return "", newRepositoryError(opInsertIncremental, "id_generation_failed", err)
	}

	record := ChangeRecord{
		ID:               recordID,
		UserID:           userID,
		TeamID:           teamID,
		Kind:             RecordKindIncremental,
		Snapshot:         snapshot,
		Changes:          encodedChanges,
		UpdatedAtSeconds: r.clock().UTC().Unix(),
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		r.logError(opInsertIncremental, "insert_failed", err, zap.String("user_id", userID), zap.String("team_id", teamID))
		return "", newRepositoryError(opInsertIncremental, "insert_failed", err)
	}
	return recordID, nil
}

// UpsertFileState maintains the per-(user, file) latest-content row: the most
// recent file_state record's snapshot always equals the last committed content
// for that file.
func (r *Repository) UpsertFileState(ctx context.Context, userID, teamID, filePath, content, diffText string) error {
	if err := requireIdentifiers(opUpsertFileState, userID, teamID); err != nil {
		return err
	}
	if filePath == "" {
		return newRepositoryError(opUpsertFileState, "missing_file_path", errors.New("file path is required"))
	}

	changes, err := EncodeChangeSet(diffing.ChangeSet{filePath: diffText})
	if err != nil {
		r.logError(opUpsertFileState, "changes_encode_failed", err, zap.String("file_path", filePath))
		return newRepositoryError(opUpsertFileState, "changes_encode_failed", err)
	}
	snapshot, err := EncodeContentMap(map[string]string{filePath: content})
	if err != nil {
		r.logError(opUpsertFileState, "snapshot_encode_failed", err, zap.String("file_path", filePath))
		return newRepositoryError(opUpsertFileState, "snapshot_encode_failed", err)
	}

	updatedAt := r.clock().UTC().Unix()
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ChangeRecord
		err := tx.Where("user_id = ? AND file_path = ? AND kind = ?", userID, filePath, RecordKindFileState).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			recordID, idErr := r.idProvider.NewID()
			if idErr != nil {
				return newRepositoryError(opUpsertFileState, "id_generation_failed", idErr)
			}
			record := ChangeRecord{
				ID:               recordID,
				UserID:           userID,
				TeamID:           teamID,
				Kind:             RecordKindFileState,
				FilePath:         filePath,
				Snapshot:         snapshot,
				Changes:          changes,
				UpdatedAtSeconds: updatedAt,
			}
			return tx.Create(&record).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&ChangeRecord{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"team_id":      teamID,
				"snapshot":     snapshot,
				"changes":      changes,
				"updated_at_s": updatedAt,
			}).Error
	})
	if txErr != nil {
		var repoErr *RepositoryError
		if errors.As(txErr, &repoErr) {
			return txErr
		}
		r.logError(opUpsertFileState, "upsert_failed", txErr, zap.String("user_id", userID), zap.String("file_path", filePath))
		return newRepositoryError(opUpsertFileState, "upsert_failed", txErr)
	}
	return nil
}

// DeleteRecord removes a persisted record by id. Missing rows are not an
// error.
func (r *Repository) DeleteRecord(ctx context.Context, recordID string) error {
	if recordID == "" {
		return newRepositoryError(opDeleteRecord, "missing_record_id", errors.New("record identifier is required"))
	}
	if err := r.db.WithContext(ctx).Delete(&ChangeRecord{}, "id = ?", recordID).Error; err != nil {
		r.logError(opDeleteRecord, "delete_failed", err, zap.String("record_id", recordID))
		return newRepositoryError(opDeleteRecord, "delete_failed", err)
	}
	return nil
}

// RecentIncrementals returns the team's incremental commit records with
// updated_at at or after since, newest first. Baseline, session and
// file_state rows are excluded so diff volume is never double-counted during
// correlation.
func (r *Repository) RecentIncrementals(ctx context.Context, teamID string, since time.Time) ([]ChangeRecord, error) {
	if teamID == "" {
		return nil, newRepositoryError(opRecentIncrementals, "missing_team_id", errMissingTeamID)
	}

	var records []ChangeRecord
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND kind = ? AND updated_at_s >= ?", teamID, RecordKindIncremental, since.UTC().Unix()).
		Order("updated_at_s DESC").
		Find(&records).Error
	if err != nil {
		r.logError(opRecentIncrementals, "query_failed", err, zap.String("team_id", teamID))
		return nil, newRepositoryError(opRecentIncrementals, "query_failed", err)
	}
	return records, nil
}

// InsertActivityEvent persists one aggregated notification row and returns
// its id.
func (r *Repository) InsertActivityEvent(ctx context.Context, event ActivityNotification) (string, error) {
	if event.TeamID == "" {
		return "", newRepositoryError(opInsertActivityEvent, "missing_team_id", errMissingTeamID)
	}
	if event.UserID == "" {
		return "", newRepositoryError(opInsertActivityEvent, "missing_user_id", errMissingUserID)
	}

	eventID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opInsertActivityEvent, "id_generation_failed", err)
		return "", newRepositoryError(opInsertActivityEvent, "id_generation_failed", err)
	}
	event.ID = eventID
	if event.Type == "" {
		event.Type = NotificationTypeConcurrentActivity
	}
	event.CreatedAtSeconds = r.clock().UTC().Unix()

	if err := r.db.WithContext(ctx).Create(&event).Error; err != nil {
		r.logError(opInsertActivityEvent, "insert_failed", err, zap.String("team_id", event.TeamID))
		return "", newRepositoryError(opInsertActivityEvent, "insert_failed", err)
	}
	return eventID, nil
}

func requireIdentifiers(operation, userID, teamID string) error {
	if userID == "" {
		return newRepositoryError(operation, "missing_user_id", errMissingUserID)
	}
	if teamID == "" {
		return newRepositoryError(operation, "missing_team_id", errMissingTeamID)
	}
	return nil
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("store repository error", attrs...)
}

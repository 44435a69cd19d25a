package store

// RecordKind classifies persisted change records.
type RecordKind string

const (
	// RecordKindBaseline marks a full workspace snapshot commit.
	RecordKindBaseline RecordKind = "baseline"
	// RecordKindIncremental marks one diff-and-commit cycle.
	RecordKindIncremental RecordKind = "incremental"
	// RecordKindFileState marks the per-user per-file latest-content row.
	RecordKindFileState RecordKind = "file_state"
	// RecordKindSession marks a session-scoped baseline snapshot.
	RecordKindSession RecordKind = "session"
)

// NotificationTypeConcurrentActivity tags notifications produced by the
// concurrent-activity correlator.
const NotificationTypeConcurrentActivity = "concurrent_activity"

// ChangeRecord is the persisted row describing one commit or one file's
// latest known state. The Changes column holds a JSON-encoded path-to-diff
// mapping; the Snapshot column holds a JSON-encoded path-to-content mapping.
type ChangeRecord struct {
	ID               string     `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string     `gorm:"column:user_id;size:190;not null;index:idx_change_records_user_file,priority:1"`
	TeamID           string     `gorm:"column:team_id;size:190;not null;index:idx_change_records_team_time,priority:1"`
	Kind             RecordKind `gorm:"column:kind;size:32;not null;index:idx_change_records_team_time,priority:2"`
	SessionID        string     `gorm:"column:session_id;size:190;not null;default:''"`
	FilePath         string     `gorm:"column:file_path;size:512;not null;default:'';index:idx_change_records_user_file,priority:2"`
	Snapshot         string     `gorm:"column:snapshot;type:text;not null"`
	Changes          string     `gorm:"column:changes;type:text;not null"`
	UpdatedAtSeconds int64      `gorm:"column:updated_at_s;not null;index:idx_change_records_team_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "change_records"
}

// ActivityNotification is the persisted event written when concurrent team
// activity is detected.
type ActivityNotification struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	TeamID           string `gorm:"column:team_id;size:190;not null;index:idx_activity_notifications_team"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Header           string `gorm:"column:header;size:512;not null"`
	Summary          string `gorm:"column:summary;type:text;not null"`
	Type             string `gorm:"column:type;size:64;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ActivityNotification) TableName() string {
	return "activity_notifications"
}

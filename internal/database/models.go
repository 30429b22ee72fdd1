package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, isStr := value.(string)
		if !isStr {
			return errors.New("type assertion to []byte failed")
		}
		bytes = []byte(s)
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringList is a JSON-encoded ordered list of strings
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, isStr := value.(string)
		if !isStr {
			return errors.New("type assertion to []byte failed")
		}
		bytes = []byte(s)
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

// Contains reports whether the list includes s
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// FeedType identifies which external feed a sync task polls
type FeedType string

const (
	FeedTypeDispatch FeedType = "dispatch"
	FeedTypeWeather  FeedType = "weather"
)

// ValidFeedTypes returns all known feed types
func ValidFeedTypes() []FeedType {
	return []FeedType{FeedTypeDispatch, FeedTypeWeather}
}

// Agency represents a tenant fire/EMS agency
type Agency struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	UUID     string `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Name     string `gorm:"size:255;not null" json:"name"`
	Slug     string `gorm:"uniqueIndex;size:64;not null" json:"slug"` // URL-safe identifier (e.g., "springfield-fd")
	Timezone string `gorm:"size:64;default:'UTC'" json:"timezone"`

	// No column default: gorm drops zero-valued fields that carry one, so an
	// explicit false would be stored as true. Creators set this themselves.
	Enabled bool `json:"enabled"`

	// Feed configuration
	DispatchFeedID      string     `gorm:"size:128" json:"dispatch_feed_id"` // Upstream CAD agency identifier
	WeatherZones        StringList `gorm:"type:jsonb" json:"weather_zones"`  // NWS zone codes the agency covers
	SyncIntervalSeconds int        `gorm:"default:120" json:"sync_interval_seconds"`

	// Merge heuristics
	MergeWindowMinutes int `gorm:"default:30" json:"merge_window_minutes"`

	// Publishing rules consumed by the propagation scheduler
	PublishEnabled      bool       `gorm:"default:false" json:"publish_enabled"`
	PublishCallTypes    StringList `gorm:"type:jsonb" json:"publish_call_types"` // Allow-list of call-type codes; empty means all
	ExcludeMedical      bool       `json:"exclude_medical"` // no column default, same reason as Enabled
	MinUnitCount        int        `gorm:"default:0" json:"min_unit_count"`
	PublishDelaySeconds int        `gorm:"default:0" json:"publish_delay_seconds"`
	SlackChannel        string     `gorm:"size:255" json:"slack_channel"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Agency) TableName() string {
	return "agencies"
}

// SyncInterval returns the minimum inter-poll interval for this agency
func (a *Agency) SyncInterval() time.Duration {
	if a.SyncIntervalSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(a.SyncIntervalSeconds) * time.Second
}

// MergeWindow returns the time-bucket width used by the merge key resolver
func (a *Agency) MergeWindow() time.Duration {
	if a.MergeWindowMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(a.MergeWindowMinutes) * time.Minute
}

// PublishDelay returns how long a record must age before it is publish-eligible
func (a *Agency) PublishDelay() time.Duration {
	return time.Duration(a.PublishDelaySeconds) * time.Second
}

// SyncStatus represents the orchestrator state for one agency+feed pair
type SyncStatus string

const (
	SyncStatusIdle        SyncStatus = "idle"
	SyncStatusPolling     SyncStatus = "polling"
	SyncStatusReconciling SyncStatus = "reconciling"
	SyncStatusPublishing  SyncStatus = "publishing"
)

// SyncState is the persisted finite-state record for one (agency, feed) pair.
// Modeled as an explicit row rather than ambient global state so concurrent
// agencies stay independent and testable in isolation.
type SyncState struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	AgencyID   uint       `gorm:"not null;uniqueIndex:idx_sync_agency_feed" json:"agency_id"`
	FeedType   FeedType   `gorm:"type:varchar(20);not null;uniqueIndex:idx_sync_agency_feed" json:"feed_type"`
	Status     SyncStatus `gorm:"type:varchar(20);not null;default:'idle'" json:"status"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (SyncState) TableName() string {
	return "sync_states"
}

// PropagationState tracks downstream republishing for a record.
// Mutated only by the propagation scheduler.
type PropagationState struct {
	Synced        bool       `gorm:"default:false" json:"synced"`
	NeedsUpdate   bool       `gorm:"default:false" json:"needs_update"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	SyncError     string     `gorm:"type:text" json:"sync_error"`
	SyncAttempts  int        `gorm:"default:0" json:"sync_attempts"`
}

// GetOrCreateSyncState retrieves or creates the sync state row for an agency+feed pair
func GetOrCreateSyncState(db *gorm.DB, agencyID uint, feed FeedType) (*SyncState, error) {
	var state SyncState
	err := db.Where("agency_id = ? AND feed_type = ?", agencyID, feed).First(&state).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	state = SyncState{AgencyID: agencyID, FeedType: feed, Status: SyncStatusIdle}
	if err := db.Create(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// GetAgencyByUUID retrieves an agency by UUID
func GetAgencyByUUID(db *gorm.DB, uuid string) (*Agency, error) {
	var agency Agency
	if err := db.Where("uuid = ?", uuid).First(&agency).Error; err != nil {
		return nil, err
	}
	return &agency, nil
}

// ListEnabledAgencies returns all enabled agencies
func ListEnabledAgencies(db *gorm.DB) ([]Agency, error) {
	var agencies []Agency
	if err := db.Where("enabled = ?", true).Order("id asc").Find(&agencies).Error; err != nil {
		return nil, err
	}
	return agencies, nil
}

package database

import (
	"time"

	"gorm.io/gorm"
)

// AlertMessageType is the NWS message type of a weather alert revision
type AlertMessageType string

const (
	AlertMessageAlert  AlertMessageType = "Alert"
	AlertMessageUpdate AlertMessageType = "Update"
	AlertMessageCancel AlertMessageType = "Cancel"
)

// AlertStatus is the lifecycle status of a weather alert
type AlertStatus string

const (
	AlertStatusActive    AlertStatus = "active"
	AlertStatusExpired   AlertStatus = "expired"
	AlertStatusCancelled AlertStatus = "cancelled"
)

// WeatherAlert represents one hazard alert tracked for an agency.
//
// Revisions of the same real-world alert arrive as new records whose
// PreviousExternalIDs chain back to earlier ones. The chain is append-only
// and acyclic: a record's previous-ids list never includes its own id.
type WeatherAlert struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	UUID     string `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	AgencyID uint   `gorm:"not null;index" json:"agency_id"`

	ExternalID          string           `gorm:"size:255;not null;index" json:"external_id"`
	MessageType         AlertMessageType `gorm:"type:varchar(10);not null;default:'Alert'" json:"message_type"`
	PreviousExternalIDs StringList       `gorm:"type:jsonb" json:"previous_external_ids"`

	EventType string `gorm:"size:128;not null" json:"event_type"` // e.g., "Tornado Warning"
	Severity  string `gorm:"size:32" json:"severity"`             // Extreme/Severe/Moderate/Minor/Unknown
	Urgency   string `gorm:"size:32" json:"urgency"`              // Immediate/Expected/Future/Past/Unknown
	Certainty string `gorm:"size:32" json:"certainty"`            // Observed/Likely/Possible/Unlikely/Unknown

	Headline    string `gorm:"size:512" json:"headline"`
	Description string `gorm:"type:text" json:"description"`

	EffectiveAt time.Time  `gorm:"not null" json:"effective_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	Status         AlertStatus `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	SupersededByID *uint       `gorm:"index" json:"superseded_by_id,omitempty"`

	PropagationState `gorm:"embedded"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WeatherAlert) TableName() string {
	return "weather_alerts"
}

// ActiveAlertsByAgency returns all active weather alerts for an agency,
// most recent effective time first
func ActiveAlertsByAgency(db *gorm.DB, agencyID uint) ([]WeatherAlert, error) {
	var alerts []WeatherAlert
	err := db.Where("agency_id = ? AND status = ?", agencyID, AlertStatusActive).
		Order("effective_at DESC").Find(&alerts).Error
	return alerts, err
}

// AlertByExternalID returns the alert for an NWS identifier, or nil
func AlertByExternalID(db *gorm.DB, agencyID uint, externalID string) (*WeatherAlert, error) {
	var alert WeatherAlert
	err := db.Where("agency_id = ? AND external_id = ?", agencyID, externalID).First(&alert).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// AlertsNeedingPropagation returns alerts flagged for resync
func AlertsNeedingPropagation(db *gorm.DB, agencyID uint) ([]WeatherAlert, error) {
	var alerts []WeatherAlert
	err := db.Where("agency_id = ? AND needs_update = ?", agencyID, true).
		Order("effective_at ASC").Find(&alerts).Error
	return alerts, err
}

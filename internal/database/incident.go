package database

import (
	"time"

	"gorm.io/gorm"
)

// IncidentSource identifies how an incident entered the system
type IncidentSource string

const (
	IncidentSourceFeed   IncidentSource = "external_feed"
	IncidentSourceUser   IncidentSource = "user_submitted"
	IncidentSourceMerged IncidentSource = "merged"
	IncidentSourceManual IncidentSource = "manual"
)

// IncidentStatus is the lifecycle status of an incident
type IncidentStatus string

const (
	IncidentStatusActive   IncidentStatus = "active"
	IncidentStatusClosed   IncidentStatus = "closed"
	IncidentStatusArchived IncidentStatus = "archived"
)

// ModerationState applies to user-submitted incidents
type ModerationState string

const (
	ModerationPending      ModerationState = "pending"
	ModerationApproved     ModerationState = "approved"
	ModerationRejected     ModerationState = "rejected"
	ModerationAutoApproved ModerationState = "auto_approved"
)

// CallCategory is the broad classification derived from the call-type code
type CallCategory string

const (
	CallCategoryFire    CallCategory = "fire"
	CallCategoryMedical CallCategory = "medical"
	CallCategoryRescue  CallCategory = "rescue"
	CallCategoryTraffic CallCategory = "traffic"
	CallCategoryHazmat  CallCategory = "hazmat"
	CallCategoryOther   CallCategory = "other"
)

// callTypeCategories maps common CAD call-type prefixes to categories
var callTypeCategories = map[string]CallCategory{
	"SF": CallCategoryFire, "FA": CallCategoryFire, "WF": CallCategoryFire,
	"VF": CallCategoryFire, "CF": CallCategoryFire, "GF": CallCategoryFire,
	"ME": CallCategoryMedical, "EMS": CallCategoryMedical, "CP": CallCategoryMedical,
	"CA": CallCategoryMedical, "BP": CallCategoryMedical,
	"RES": CallCategoryRescue, "WR": CallCategoryRescue, "TR": CallCategoryRescue,
	"TC": CallCategoryTraffic, "TCE": CallCategoryTraffic, "MVA": CallCategoryTraffic,
	"HM": CallCategoryHazmat, "HAZ": CallCategoryHazmat, "GL": CallCategoryHazmat,
}

// CategorizeCallType derives the broad category from a CAD call-type code
func CategorizeCallType(code string) CallCategory {
	if cat, ok := callTypeCategories[code]; ok {
		return cat
	}
	// Try progressively shorter prefixes for suffixed codes like "SFR"
	for l := len(code) - 1; l >= 2; l-- {
		if cat, ok := callTypeCategories[code[:l]]; ok {
			return cat
		}
	}
	return CallCategoryOther
}

// Incident represents one real-world emergency call tracked by an agency
type Incident struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	UUID     string         `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	AgencyID uint           `gorm:"not null;index" json:"agency_id"`
	Source   IncidentSource `gorm:"type:varchar(20);not null;default:'external_feed'" json:"source"`

	// ExternalID is the upstream CAD identifier. Empty for user/manual records,
	// and it can change between polls for the same real-world event, which is
	// why identity is enforced through MergeKey instead.
	ExternalID string `gorm:"size:128;index" json:"external_id"`
	MergeKey   string `gorm:"size:64;index" json:"merge_key"`

	CallType     string       `gorm:"size:32;not null" json:"call_type"`
	CallCategory CallCategory `gorm:"type:varchar(20);not null;default:'other'" json:"call_category"`

	Address           string   `gorm:"size:512;not null" json:"address"`
	NormalizedAddress string   `gorm:"size:512;index" json:"normalized_address"` // Matching projection only, never displayed
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`

	Units       UnitList `gorm:"type:jsonb" json:"units"`
	Description string   `gorm:"type:text" json:"description"`

	Status         IncidentStatus  `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	Moderation     ModerationState `gorm:"type:varchar(20);not null;default:'auto_approved'" json:"moderation"`
	CallReceivedAt time.Time       `gorm:"not null" json:"call_received_at"`
	CallClosedAt   *time.Time      `json:"call_closed_at,omitempty"`

	// SupersededByID links a record that lost a merge to the canonical one.
	// Superseded records are retained for audit, never deleted.
	SupersededByID *uint `gorm:"index" json:"superseded_by_id,omitempty"`

	PropagationState `gorm:"embedded"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Incident) TableName() string {
	return "incidents"
}

// IsPubliclyVisible reports whether the record may appear on public surfaces
func (i *Incident) IsPubliclyVisible() bool {
	if i.Source != IncidentSourceUser {
		return true
	}
	return i.Moderation == ModerationApproved || i.Moderation == ModerationAutoApproved
}

// ActiveIncidentsByAgency returns the publicly visible active incidents for
// an agency, most recent call first. User submissions appear only once
// approved.
func ActiveIncidentsByAgency(db *gorm.DB, agencyID uint) ([]Incident, error) {
	var incidents []Incident
	err := db.Where("agency_id = ? AND status = ?", agencyID, IncidentStatusActive).
		Where("source <> ? OR moderation IN ?", IncidentSourceUser,
			[]ModerationState{ModerationApproved, ModerationAutoApproved}).
		Order("call_received_at DESC").Find(&incidents).Error
	return incidents, err
}

// IncidentsByMergeKey returns active incidents sharing a merge key,
// most recent call first (the tie-break order used by the resolver)
func IncidentsByMergeKey(db *gorm.DB, agencyID uint, key string) ([]Incident, error) {
	var incidents []Incident
	err := db.Where("agency_id = ? AND merge_key = ? AND status = ?", agencyID, key, IncidentStatusActive).
		Order("call_received_at DESC").Find(&incidents).Error
	return incidents, err
}

// IncidentByExternalID returns the incident a CAD identifier currently points
// to, or nil if the id is unknown
func IncidentByExternalID(db *gorm.DB, agencyID uint, externalID string) (*Incident, error) {
	if externalID == "" {
		return nil, nil
	}
	var incident Incident
	err := db.Where("agency_id = ? AND external_id = ?", agencyID, externalID).
		Order("created_at DESC").First(&incident).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

// IncidentsNeedingPropagation returns publishable incidents flagged for resync
func IncidentsNeedingPropagation(db *gorm.DB, agencyID uint) ([]Incident, error) {
	var incidents []Incident
	err := db.Where("agency_id = ? AND needs_update = ?", agencyID, true).
		Order("call_received_at ASC").Find(&incidents).Error
	return incidents, err
}

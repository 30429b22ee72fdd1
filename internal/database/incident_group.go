package database

import "time"

// MergeReason explains why two incident records were grouped
type MergeReason string

const (
	MergeReasonAddressTime MergeReason = "auto_address_time"
	MergeReasonManual      MergeReason = "manual"
)

// IncidentGroup links two or more incident records judged to represent the
// same real-world event (e.g., two feed entries for one fire that carried
// different external ids after a feed correction). Created by the reconciler
// only when both records already exist as distinct persisted rows, never
// preemptively.
type IncidentGroup struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	AgencyID    uint        `gorm:"not null;index" json:"agency_id"`
	MergeKey    string      `gorm:"size:64;not null;index" json:"merge_key"`
	MergeReason MergeReason `gorm:"type:varchar(30);not null" json:"merge_reason"`

	// CanonicalID is the record kept for display; member external ids are the
	// upstream identifiers absorbed into the group.
	CanonicalID       uint       `gorm:"not null;index" json:"canonical_id"`
	MemberExternalIDs StringList `gorm:"type:jsonb" json:"member_external_ids"`

	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (IncidentGroup) TableName() string {
	return "incident_groups"
}

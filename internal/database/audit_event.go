package database

import "time"

// AuditEvent records who did what to which record and with what result.
// Written fire-and-forget by the audit sink; the engine never reads it.
type AuditEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	AgencyID   uint      `gorm:"index" json:"agency_id"`
	Actor      string    `gorm:"size:64;not null" json:"actor"` // 'system' or an operator username
	Action     string    `gorm:"size:64;not null;index" json:"action"`
	RecordType string    `gorm:"size:32" json:"record_type"`
	RecordUUID string    `gorm:"size:36;index" json:"record_uuid"`
	Result     string    `gorm:"size:32" json:"result"`
	Details    JSONB     `gorm:"type:jsonb" json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

func (AuditEvent) TableName() string {
	return "audit_events"
}

// Package audit provides the write-only audit sink. Events are persisted
// fire-and-forget: a failed write is logged and never propagated to the
// caller, so audit problems cannot fail engine operations.
package audit

import (
	"log"

	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/database"
)

// Actions recorded by the engine
const (
	ActionIncidentCreated    = "incident_created"
	ActionIncidentUpdated    = "incident_updated"
	ActionIncidentMerged     = "incident_merged"
	ActionIncidentClosed     = "incident_closed"
	ActionIncidentArchived   = "incident_archived"
	ActionAlertCreated       = "alert_created"
	ActionAlertSuperseded    = "alert_superseded"
	ActionAlertExpired       = "alert_expired"
	ActionOutOfOrderUpdate   = "out_of_order_update"
	ActionPublishSucceeded   = "publish_succeeded"
	ActionPublishFailed      = "publish_failed"
	ActionPublishAbandoned   = "publish_abandoned"
	ActionSyncTriggered      = "sync_triggered"
	ActionFeedConfigChanged  = "feed_config_changed"
	ActionSubmissionReceived = "submission_received"
)

// Sink writes structured audit events
type Sink struct {
	db *gorm.DB
}

// NewSink creates a new audit sink
func NewSink(db *gorm.DB) *Sink {
	return &Sink{db: db}
}

// Record writes one audit event. Errors are logged, never returned.
func (s *Sink) Record(agencyID uint, actor, action, recordType, recordUUID, result string, details database.JSONB) {
	if s == nil || s.db == nil {
		return
	}
	event := &database.AuditEvent{
		AgencyID:   agencyID,
		Actor:      actor,
		Action:     action,
		RecordType: recordType,
		RecordUUID: recordUUID,
		Result:     result,
		Details:    details,
	}
	if err := s.db.Create(event).Error; err != nil {
		log.Printf("Audit write failed (action=%s): %v", action, err)
	}
}

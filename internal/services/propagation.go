package services

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/audit"
	"github.com/firewatch/firewatch/internal/database"
)

// DefaultPublishAttemptCap is the lifetime publish attempt limit per record
const DefaultPublishAttemptCap = 5

// Publisher hands a record's current state to an external channel.
// Implementations live outside the engine (Slack, etc.).
type Publisher interface {
	PublishIncident(ctx context.Context, agency *database.Agency, incident *database.Incident) error
	PublishAlert(ctx context.Context, agency *database.Agency, alert *database.WeatherAlert) error
}

// NopPublisher accepts every record without delivering it anywhere.
// Used when no downstream channel is configured.
type NopPublisher struct{}

// PublishIncident discards the incident
func (NopPublisher) PublishIncident(ctx context.Context, agency *database.Agency, incident *database.Incident) error {
	return nil
}

// PublishAlert discards the alert
func (NopPublisher) PublishAlert(ctx context.Context, agency *database.Agency, alert *database.WeatherAlert) error {
	return nil
}

// PropagationScheduler decides which records are eligible for downstream
// republishing, drives publish attempts, and owns every mutation of
// PropagationState.
type PropagationScheduler struct {
	db         *gorm.DB
	publisher  Publisher
	audit      *audit.Sink
	attemptCap int
	now        func() time.Time
}

// NewPropagationScheduler creates a new scheduler. A nil publisher disables
// publishing (records stay flagged until one is configured).
func NewPropagationScheduler(db *gorm.DB, publisher Publisher, sink *audit.Sink, attemptCap int) *PropagationScheduler {
	if attemptCap <= 0 {
		attemptCap = DefaultPublishAttemptCap
	}
	return &PropagationScheduler{
		db:         db,
		publisher:  publisher,
		audit:      sink,
		attemptCap: attemptCap,
		now:        time.Now,
	}
}

// IncidentEligible reports whether an incident may be handed to the
// publisher now under the agency's publishing rules.
func (s *PropagationScheduler) IncidentEligible(agency *database.Agency, incident *database.Incident) bool {
	if !incident.NeedsUpdate || !agency.PublishEnabled {
		return false
	}
	if incident.SyncAttempts >= s.attemptCap {
		return false
	}
	if !incident.IsPubliclyVisible() {
		return false
	}
	if agency.ExcludeMedical && incident.CallCategory == database.CallCategoryMedical {
		return false
	}
	if len(agency.PublishCallTypes) > 0 && !agency.PublishCallTypes.Contains(incident.CallType) {
		return false
	}
	if incident.Units.ActiveCount() < agency.MinUnitCount {
		return false
	}
	if s.now().Sub(incident.CallReceivedAt) < agency.PublishDelay() {
		return false
	}
	return true
}

// AlertEligible reports whether a weather alert may be published now
func (s *PropagationScheduler) AlertEligible(agency *database.Agency, alert *database.WeatherAlert) bool {
	if !alert.NeedsUpdate || !agency.PublishEnabled {
		return false
	}
	if alert.SyncAttempts >= s.attemptCap {
		return false
	}
	return true
}

// ProcessAgency runs one propagation pass over everything the agency has
// flagged for resync. Returns counts of successful and failed publishes.
func (s *PropagationScheduler) ProcessAgency(ctx context.Context, agency *database.Agency) (published, failed int, err error) {
	incidents, err := database.IncidentsNeedingPropagation(s.db, agency.ID)
	if err != nil {
		return 0, 0, err
	}
	for i := range incidents {
		incident := &incidents[i]
		if !s.IncidentEligible(agency, incident) {
			continue
		}
		if s.publishIncident(ctx, agency, incident) {
			published++
		} else {
			failed++
		}
	}

	alerts, err := database.AlertsNeedingPropagation(s.db, agency.ID)
	if err != nil {
		return published, failed, err
	}
	for i := range alerts {
		alert := &alerts[i]
		if !s.AlertEligible(agency, alert) {
			continue
		}
		if s.publishAlert(ctx, agency, alert) {
			published++
		} else {
			failed++
		}
	}

	return published, failed, nil
}

func (s *PropagationScheduler) publishIncident(ctx context.Context, agency *database.Agency, incident *database.Incident) bool {
	if s.publisher == nil {
		return false
	}
	err := s.publisher.PublishIncident(ctx, agency, incident)
	s.recordAttempt(&incident.PropagationState, err)
	s.persistState(&database.Incident{}, incident.ID, &incident.PropagationState)
	s.auditAttempt(agency.ID, "incident", incident.UUID, &incident.PropagationState, err)
	return err == nil
}

func (s *PropagationScheduler) publishAlert(ctx context.Context, agency *database.Agency, alert *database.WeatherAlert) bool {
	if s.publisher == nil {
		return false
	}
	err := s.publisher.PublishAlert(ctx, agency, alert)
	s.recordAttempt(&alert.PropagationState, err)
	s.persistState(&database.WeatherAlert{}, alert.ID, &alert.PropagationState)
	s.auditAttempt(agency.ID, "weather_alert", alert.UUID, &alert.PropagationState, err)
	return err == nil
}

// recordAttempt applies one publish attempt's outcome to the propagation
// state. The attempt counter is lifetime-monotonic: a later content change
// re-opens eligibility but never resets the count, so a record that keeps
// failing is capped for good, not per change.
func (s *PropagationScheduler) recordAttempt(state *database.PropagationState, publishErr error) {
	now := s.now()
	state.LastAttemptAt = &now
	state.SyncAttempts++

	if publishErr == nil {
		state.Synced = true
		state.NeedsUpdate = false
		state.SyncError = ""
		return
	}

	state.SyncError = publishErr.Error()
	if state.SyncAttempts >= s.attemptCap {
		// Permanently failed: stop retrying until an operator intervenes
		state.NeedsUpdate = false
	}
}

func (s *PropagationScheduler) persistState(model interface{}, id uint, state *database.PropagationState) {
	err := s.db.Model(model).Where("id = ?", id).Updates(map[string]interface{}{
		"synced":          state.Synced,
		"needs_update":    state.NeedsUpdate,
		"last_attempt_at": state.LastAttemptAt,
		"sync_error":      state.SyncError,
		"sync_attempts":   state.SyncAttempts,
	}).Error
	if err != nil {
		log.Printf("Propagation: failed to persist state for record %d: %v", id, err)
	}
}

func (s *PropagationScheduler) auditAttempt(agencyID uint, recordType, recordUUID string, state *database.PropagationState, publishErr error) {
	switch {
	case publishErr == nil:
		s.audit.Record(agencyID, "system", audit.ActionPublishSucceeded, recordType, recordUUID, "ok", nil)
	case state.SyncAttempts >= s.attemptCap:
		log.Printf("Propagation: %s %s abandoned after %d attempts: %v", recordType, recordUUID, state.SyncAttempts, publishErr)
		s.audit.Record(agencyID, "system", audit.ActionPublishAbandoned, recordType, recordUUID, "failed", database.JSONB{
			"attempts": state.SyncAttempts,
			"error":    publishErr.Error(),
		})
	default:
		s.audit.Record(agencyID, "system", audit.ActionPublishFailed, recordType, recordUUID, "retrying", database.JSONB{
			"attempts": state.SyncAttempts,
			"error":    publishErr.Error(),
		})
	}
}

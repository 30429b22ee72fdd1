package services

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/audit"
	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/feeds"
)

// ChangeSet summarizes the decisions of one reconciliation batch
type ChangeSet struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Merged  int      `json:"merged"`
	Noops   int      `json:"noops"`
	Errors  []string `json:"errors,omitempty"`

	// ChangedUUIDs lists records whose public-facing content changed,
	// for the status stream
	ChangedUUIDs []string `json:"-"`
}

// Reconciler diffs a batch of normalized records against persisted state and
// applies create/update/merge decisions atomically per agency
type Reconciler struct {
	db    *gorm.DB
	audit *audit.Sink
}

// NewReconciler creates a new reconciler
func NewReconciler(db *gorm.DB, sink *audit.Sink) *Reconciler {
	return &Reconciler{db: db, audit: sink}
}

// ReconcileIncidents applies one dispatch-feed batch for an agency. The
// whole batch commits in a single transaction; a malformed or failing record
// is skipped and reported without aborting the rest.
func (r *Reconciler) ReconcileIncidents(agency *database.Agency, batch []*feeds.NormalizedIncident) (*ChangeSet, error) {
	cs := &ChangeSet{}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		// Records created earlier in this batch, keyed by merge key, so two
		// same-event records in one poll collapse regardless of their order.
		createdByKey := make(map[string]*database.Incident)

		for _, n := range batch {
			if n == nil {
				continue
			}
			if err := r.reconcileOneIncident(tx, agency, n, createdByKey, cs); err != nil {
				cs.Errors = append(cs.Errors, fmt.Sprintf("record %s: %v", n.ExternalID, err))
				log.Printf("Reconcile: skipped incident record %q for agency %d: %v", n.ExternalID, agency.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func (r *Reconciler) reconcileOneIncident(tx *gorm.DB, agency *database.Agency, n *feeds.NormalizedIncident, createdByKey map[string]*database.Incident, cs *ChangeSet) error {
	key := IncidentMergeKey(agency.ID, n.NormalizedAddress, n.CallType, n.ReceivedAt, agency.MergeWindow())

	// Late data for an already-closed record: apply fields conservatively,
	// never resurrect lifecycle status.
	prev, err := database.IncidentByExternalID(tx, agency.ID, n.ExternalID)
	if err != nil {
		return err
	}
	if prev != nil && prev.Status != database.IncidentStatusActive && prev.SupersededByID == nil {
		return r.applyLateUpdate(tx, agency, prev, n, cs)
	}

	target := createdByKey[key]
	if target == nil {
		candidates, err := database.IncidentsByMergeKey(tx, agency.ID, key)
		if err != nil {
			return err
		}
		target = ResolveIncidentTarget(candidates)
	}

	if target == nil {
		created, err := r.createIncident(tx, agency, n, key)
		if err != nil {
			return err
		}
		createdByKey[key] = created
		cs.Created++
		cs.ChangedUUIDs = append(cs.ChangedUUIDs, created.UUID)
		return nil
	}

	// Feed corrected its identifier: the merge-key match carries a different
	// external id than the incoming record.
	if n.ExternalID != "" && target.ExternalID != "" && n.ExternalID != target.ExternalID {
		if prev != nil && prev.ID != target.ID {
			// Both ids already exist as distinct persisted records.
			canonical, err := r.mergeExistingPair(tx, agency, target, prev, key, cs)
			if err != nil {
				return err
			}
			target = canonical
		} else {
			if err := r.recordIDCorrection(tx, agency, target, n, key); err != nil {
				return err
			}
			cs.Merged++
		}
	}

	changed, err := r.applyIncidentUpdate(tx, agency, target, n)
	if err != nil {
		return err
	}
	createdByKey[key] = target
	if changed {
		cs.Updated++
		cs.ChangedUUIDs = append(cs.ChangedUUIDs, target.UUID)
	} else {
		cs.Noops++
	}
	return nil
}

func (r *Reconciler) createIncident(tx *gorm.DB, agency *database.Agency, n *feeds.NormalizedIncident, key string) (*database.Incident, error) {
	incident := &database.Incident{
		UUID:              uuid.New().String(),
		AgencyID:          agency.ID,
		Source:            database.IncidentSourceFeed,
		ExternalID:        n.ExternalID,
		MergeKey:          key,
		CallType:          n.CallType,
		CallCategory:      database.CategorizeCallType(n.CallType),
		Address:           n.Address,
		NormalizedAddress: n.NormalizedAddress,
		Latitude:          n.Latitude,
		Longitude:         n.Longitude,
		Units:             database.UnitList(n.Units),
		Description:       n.Description,
		Status:            database.IncidentStatusActive,
		Moderation:        database.ModerationAutoApproved,
		CallReceivedAt:    n.ReceivedAt,
		PropagationState:  database.PropagationState{NeedsUpdate: true},
	}
	if n.Closed {
		incident.Status = database.IncidentStatusClosed
		incident.CallClosedAt = n.ClosedAt
	}
	if err := tx.Create(incident).Error; err != nil {
		return nil, err
	}
	r.audit.Record(agency.ID, "system", audit.ActionIncidentCreated, "incident", incident.UUID, "ok", database.JSONB{
		"external_id": n.ExternalID,
		"call_type":   n.CallType,
	})
	return incident, nil
}

// applyIncidentUpdate diffs the incoming record against the persisted one
// and writes only the columns that changed. Unit updates go through the
// phase reducer instead of a blind overwrite.
func (r *Reconciler) applyIncidentUpdate(tx *gorm.DB, agency *database.Agency, incident *database.Incident, n *feeds.NormalizedIncident) (bool, error) {
	updates := map[string]interface{}{}
	contentChanged := false

	if n.Address != "" && n.Address != incident.Address {
		incident.Address = n.Address
		incident.NormalizedAddress = n.NormalizedAddress
		updates["address"] = n.Address
		updates["normalized_address"] = n.NormalizedAddress
		contentChanged = true
	}
	if n.CallType != "" && n.CallType != incident.CallType {
		incident.CallType = n.CallType
		incident.CallCategory = database.CategorizeCallType(n.CallType)
		updates["call_type"] = incident.CallType
		updates["call_category"] = incident.CallCategory
		contentChanged = true
	}
	if n.Description != "" && n.Description != incident.Description {
		incident.Description = n.Description
		updates["description"] = n.Description
	}
	if n.Latitude != nil && (incident.Latitude == nil || *incident.Latitude != *n.Latitude) {
		incident.Latitude = n.Latitude
		updates["latitude"] = *n.Latitude
	}
	if n.Longitude != nil && (incident.Longitude == nil || *incident.Longitude != *n.Longitude) {
		incident.Longitude = n.Longitude
		updates["longitude"] = *n.Longitude
	}
	if n.ExternalID != "" && n.ExternalID != incident.ExternalID {
		// Newest feed identifier becomes canonical for future lookups
		incident.ExternalID = n.ExternalID
		updates["external_id"] = n.ExternalID
	}

	merged, unitsChanged := ApplyUnitUpdates(incident.Units, n.Units)
	if unitsChanged {
		incident.Units = merged
		updates["units"] = merged
		contentChanged = true
	}

	if n.Closed && incident.Status == database.IncidentStatusActive {
		incident.Status = database.IncidentStatusClosed
		updates["status"] = database.IncidentStatusClosed
		closedAt := n.ClosedAt
		if closedAt == nil {
			now := time.Now()
			closedAt = &now
		}
		incident.CallClosedAt = closedAt
		updates["call_closed_at"] = closedAt
		contentChanged = true
		r.audit.Record(agency.ID, "system", audit.ActionIncidentClosed, "incident", incident.UUID, "ok", nil)
	}

	if len(updates) == 0 {
		return false, nil
	}

	if contentChanged {
		incident.NeedsUpdate = true
		updates["needs_update"] = true
	}
	if err := tx.Model(&database.Incident{}).Where("id = ?", incident.ID).Updates(updates).Error; err != nil {
		return false, err
	}
	return true, nil
}

// applyLateUpdate handles feed data arriving for a record that already left
// the active lifecycle: fields apply, status does not resurrect, and the
// anomaly is flagged for audit rather than silently dropped.
func (r *Reconciler) applyLateUpdate(tx *gorm.DB, agency *database.Agency, incident *database.Incident, n *feeds.NormalizedIncident, cs *ChangeSet) error {
	held := incident.Status
	n2 := *n
	n2.Closed = false // lifecycle untouched
	changed, err := r.applyIncidentUpdate(tx, agency, incident, &n2)
	if err != nil {
		return err
	}
	r.audit.Record(agency.ID, "system", audit.ActionOutOfOrderUpdate, "incident", incident.UUID, "applied", database.JSONB{
		"lifecycle": string(held),
	})
	log.Printf("Reconcile: out-of-order update for %s incident %s (agency %d)", held, incident.UUID, agency.ID)
	if changed {
		cs.Updated++
	} else {
		cs.Noops++
	}
	return nil
}

// recordIDCorrection handles a feed that re-issued the same event under a
// new external id with no separate record for the old one: the existing
// record stays canonical and the id pair is grouped for audit.
func (r *Reconciler) recordIDCorrection(tx *gorm.DB, agency *database.Agency, target *database.Incident, n *feeds.NormalizedIncident, key string) error {
	group := &database.IncidentGroup{
		AgencyID:          agency.ID,
		MergeKey:          key,
		MergeReason:       database.MergeReasonAddressTime,
		CanonicalID:       target.ID,
		MemberExternalIDs: database.StringList{target.ExternalID, n.ExternalID},
	}
	start := target.CallReceivedAt
	end := n.ReceivedAt
	group.WindowStart = &start
	group.WindowEnd = &end
	if err := tx.Create(group).Error; err != nil {
		return err
	}
	r.audit.Record(agency.ID, "system", audit.ActionIncidentMerged, "incident", target.UUID, "ok", database.JSONB{
		"old_external_id": target.ExternalID,
		"new_external_id": n.ExternalID,
	})
	return nil
}

// mergeExistingPair links two already persisted records that now resolve to
// the same merge key. The more recent call stays canonical; the older is
// marked superseded and closed, retained for audit.
func (r *Reconciler) mergeExistingPair(tx *gorm.DB, agency *database.Agency, a, b *database.Incident, key string, cs *ChangeSet) (*database.Incident, error) {
	canonical, superseded := a, b
	if superseded.CallReceivedAt.After(canonical.CallReceivedAt) {
		canonical, superseded = superseded, canonical
	}

	// Fold the superseded record's units into the canonical timeline
	merged, unitsChanged := ApplyUnitUpdates(canonical.Units, superseded.Units)

	updates := map[string]interface{}{
		"superseded_by_id": canonical.ID,
		"status":           database.IncidentStatusClosed,
		"needs_update":     false,
	}
	if err := tx.Model(&database.Incident{}).Where("id = ?", superseded.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	canonUpdates := map[string]interface{}{"needs_update": true}
	canonical.NeedsUpdate = true
	if unitsChanged {
		canonical.Units = merged
		canonUpdates["units"] = merged
	}
	if err := tx.Model(&database.Incident{}).Where("id = ?", canonical.ID).Updates(canonUpdates).Error; err != nil {
		return nil, err
	}

	group := &database.IncidentGroup{
		AgencyID:          agency.ID,
		MergeKey:          key,
		MergeReason:       database.MergeReasonAddressTime,
		CanonicalID:       canonical.ID,
		MemberExternalIDs: database.StringList{superseded.ExternalID, canonical.ExternalID},
	}
	start := superseded.CallReceivedAt
	end := canonical.CallReceivedAt
	if end.Before(start) {
		start, end = end, start
	}
	group.WindowStart = &start
	group.WindowEnd = &end
	if err := tx.Create(group).Error; err != nil {
		return nil, err
	}

	r.audit.Record(agency.ID, "system", audit.ActionIncidentMerged, "incident", canonical.UUID, "ok", database.JSONB{
		"superseded_uuid": superseded.UUID,
	})
	cs.Merged++
	cs.ChangedUUIDs = append(cs.ChangedUUIDs, canonical.UUID)
	return canonical, nil
}

// ReconcileAlerts applies one weather-feed batch for an agency. Revisions of
// the same alert resolve through the external-id chain, never address or
// time.
func (r *Reconciler) ReconcileAlerts(agency *database.Agency, batch []*feeds.NormalizedAlert) (*ChangeSet, error) {
	cs := &ChangeSet{}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing []database.WeatherAlert
		if err := tx.Where("agency_id = ?", agency.ID).Find(&existing).Error; err != nil {
			return err
		}

		for _, n := range batch {
			if n == nil {
				continue
			}
			if err := r.reconcileOneAlert(tx, agency, &existing, n, cs); err != nil {
				cs.Errors = append(cs.Errors, fmt.Sprintf("alert %s: %v", n.ExternalID, err))
				log.Printf("Reconcile: skipped alert record %q for agency %d: %v", n.ExternalID, agency.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func (r *Reconciler) reconcileOneAlert(tx *gorm.DB, agency *database.Agency, existing *[]database.WeatherAlert, n *feeds.NormalizedAlert, cs *ChangeSet) error {
	if err := ValidateAlertChain(n); err != nil {
		return err
	}

	same, predecessors := ResolveAlertTargets(*existing, n)

	if same != nil {
		changed, err := r.applyAlertUpdate(tx, same, n)
		if err != nil {
			return err
		}
		if changed {
			cs.Updated++
			cs.ChangedUUIDs = append(cs.ChangedUUIDs, same.UUID)
		} else {
			cs.Noops++
		}
		return nil
	}

	if len(predecessors) == 0 {
		created, err := r.createAlert(tx, agency, n)
		if err != nil {
			return err
		}
		*existing = append(*existing, *created)
		cs.Created++
		cs.ChangedUUIDs = append(cs.ChangedUUIDs, created.UUID)
		return nil
	}

	// New revision supersedes every chain target it references
	created, err := r.supersedeAlerts(tx, agency, predecessors, n)
	if err != nil {
		return err
	}
	*existing = append(*existing, *created)
	cs.Merged++
	cs.ChangedUUIDs = append(cs.ChangedUUIDs, created.UUID)
	return nil
}

func (r *Reconciler) createAlert(tx *gorm.DB, agency *database.Agency, n *feeds.NormalizedAlert) (*database.WeatherAlert, error) {
	alert := &database.WeatherAlert{
		UUID:                uuid.New().String(),
		AgencyID:            agency.ID,
		ExternalID:          n.ExternalID,
		MessageType:         n.MessageType,
		PreviousExternalIDs: database.StringList(n.PreviousIDs),
		EventType:           n.EventType,
		Severity:            n.Severity,
		Urgency:             n.Urgency,
		Certainty:           n.Certainty,
		Headline:            n.Headline,
		Description:         n.Description,
		EffectiveAt:         n.EffectiveAt,
		ExpiresAt:           n.ExpiresAt,
		Status:              database.AlertStatusActive,
		PropagationState:    database.PropagationState{NeedsUpdate: true},
	}
	if n.MessageType == database.AlertMessageCancel {
		// A cancel with no known predecessor still records the cancellation
		alert.Status = database.AlertStatusCancelled
	}
	if err := tx.Create(alert).Error; err != nil {
		return nil, err
	}
	r.audit.Record(agency.ID, "system", audit.ActionAlertCreated, "weather_alert", alert.UUID, "ok", database.JSONB{
		"event": n.EventType,
	})
	return alert, nil
}

func (r *Reconciler) applyAlertUpdate(tx *gorm.DB, alert *database.WeatherAlert, n *feeds.NormalizedAlert) (bool, error) {
	updates := map[string]interface{}{}
	contentChanged := false

	if n.Headline != "" && n.Headline != alert.Headline {
		alert.Headline = n.Headline
		updates["headline"] = n.Headline
		contentChanged = true
	}
	if n.Description != "" && n.Description != alert.Description {
		alert.Description = n.Description
		updates["description"] = n.Description
	}
	if n.Severity != "" && n.Severity != alert.Severity {
		alert.Severity = n.Severity
		updates["severity"] = n.Severity
		contentChanged = true
	}
	if n.ExpiresAt != nil && (alert.ExpiresAt == nil || !alert.ExpiresAt.Equal(*n.ExpiresAt)) {
		alert.ExpiresAt = n.ExpiresAt
		updates["expires_at"] = n.ExpiresAt
		contentChanged = true
	}

	if len(updates) == 0 {
		return false, nil
	}
	if contentChanged {
		alert.NeedsUpdate = true
		updates["needs_update"] = true
	}
	if err := tx.Model(&database.WeatherAlert{}).Where("id = ?", alert.ID).Updates(updates).Error; err != nil {
		return false, err
	}
	return true, nil
}

// supersedeAlerts creates the new chain head and retires every record it
// replaces. An Update referencing several live alerts consolidates them under
// one head. The previous-ids chain is append-only: the new record carries
// everything the old ones chained to, plus the old ids themselves.
func (r *Reconciler) supersedeAlerts(tx *gorm.DB, agency *database.Agency, targets []*database.WeatherAlert, n *feeds.NormalizedAlert) (*database.WeatherAlert, error) {
	lists := make([][]string, 0, 2*len(targets)+1)
	for _, t := range targets {
		lists = append(lists, t.PreviousExternalIDs, []string{t.ExternalID})
	}
	lists = append(lists, n.PreviousIDs)
	chain := appendChain(lists...)

	created := &database.WeatherAlert{
		UUID:                uuid.New().String(),
		AgencyID:            agency.ID,
		ExternalID:          n.ExternalID,
		MessageType:         n.MessageType,
		PreviousExternalIDs: chain,
		EventType:           n.EventType,
		Severity:            n.Severity,
		Urgency:             n.Urgency,
		Certainty:           n.Certainty,
		Headline:            n.Headline,
		Description:         n.Description,
		EffectiveAt:         n.EffectiveAt,
		ExpiresAt:           n.ExpiresAt,
		Status:              database.AlertStatusActive,
		PropagationState:    database.PropagationState{NeedsUpdate: true},
	}
	if err := tx.Create(created).Error; err != nil {
		return nil, err
	}

	oldStatus := database.AlertStatusExpired
	if n.MessageType == database.AlertMessageCancel {
		oldStatus = database.AlertStatusCancelled
	}
	for _, target := range targets {
		err := tx.Model(&database.WeatherAlert{}).Where("id = ?", target.ID).Updates(map[string]interface{}{
			"status":           oldStatus,
			"superseded_by_id": created.ID,
			"needs_update":     false,
		}).Error
		if err != nil {
			return nil, err
		}
		target.Status = oldStatus
		target.SupersededByID = &created.ID
		target.NeedsUpdate = false

		r.audit.Record(agency.ID, "system", audit.ActionAlertSuperseded, "weather_alert", target.UUID, "ok", database.JSONB{
			"superseded_by": created.UUID,
			"message_type":  string(n.MessageType),
		})
	}
	return created, nil
}

// appendChain builds the append-only previous-ids list for a new chain head,
// deduplicated in first-seen order
func appendChain(lists ...[]string) database.StringList {
	seen := make(map[string]bool)
	var chain database.StringList
	for _, list := range lists {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			chain = append(chain, id)
		}
	}
	return chain
}

package services

import (
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/audit"
	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/feeds"
	"github.com/firewatch/firewatch/internal/testhelpers"
)

func newTestReconciler(t *testing.T) (*Reconciler, *gorm.DB, *database.Agency) {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	agency := testhelpers.NewAgencyBuilder().Create(db)
	return NewReconciler(db, audit.NewSink(db)), db, agency
}

func normalizedIncident(id, address, callType string, receivedAt time.Time) *feeds.NormalizedIncident {
	return &feeds.NormalizedIncident{
		ExternalID:        id,
		CallType:          callType,
		Address:           address,
		NormalizedAddress: feeds.NormalizeAddress(address),
		ReceivedAt:        receivedAt,
	}
}

func TestReconcileIncidentsCreates(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)

	cs, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{
		normalizedIncident("CAD-1", "1420 N Main St", "SF", at),
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if cs.Created != 1 || cs.Updated != 0 || cs.Merged != 0 {
		t.Errorf("changeset = %+v", cs)
	}

	var incident database.Incident
	if err := db.First(&incident).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if incident.Status != database.IncidentStatusActive {
		t.Errorf("status = %s", incident.Status)
	}
	if !incident.NeedsUpdate {
		t.Error("new incident should be flagged for propagation")
	}
	if incident.MergeKey == "" {
		t.Error("merge key missing")
	}
	if incident.CallCategory != database.CallCategoryFire {
		t.Errorf("category = %s", incident.CallCategory)
	}
}

func TestReconcileIncidentsIdempotentRePoll(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)
	batch := []*feeds.NormalizedIncident{
		normalizedIncident("CAD-1", "1420 N Main St", "SF", at),
	}

	if _, err := r.ReconcileIncidents(agency, batch); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	cs, err := r.ReconcileIncidents(agency, batch)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if cs.Created != 0 || cs.Updated != 0 || cs.Merged != 0 || cs.Noops != 1 {
		t.Errorf("re-poll should be a no-op, got %+v", cs)
	}

	var count int64
	db.Model(&database.Incident{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 record after re-poll, got %d", count)
	}
}

func TestReconcileIncidentsSecondReportMerges(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)

	// First poll: the event under id CAD-1 with one unit
	first := normalizedIncident("CAD-1", "1420 N Main St", "SF", at)
	first.Units = []database.UnitStatusEntry{
		{UnitID: "E1", Status: database.UnitPhaseEnRoute, EnRouteAt: ts(5)},
	}
	if _, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{first}); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	// Second poll: feed re-issued the same event as CAD-2, address with an
	// apartment suffix and a second unit
	second := normalizedIncident("CAD-2", "1420 N Main St Apt 4", "SF", at.Add(6*time.Minute))
	second.Units = []database.UnitStatusEntry{
		{UnitID: "M7", Status: database.UnitPhaseDispatched, DispatchedAt: ts(10)},
	}
	cs, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{second})
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if cs.Created != 0 {
		t.Errorf("second report must not create: %+v", cs)
	}
	if cs.Merged != 1 {
		t.Errorf("expected merge, got %+v", cs)
	}

	var active []database.Incident
	db.Where("status = ?", database.IncidentStatusActive).Find(&active)
	if len(active) != 1 {
		t.Fatalf("expected exactly one active record, got %d", len(active))
	}
	// Newest external id becomes canonical for future lookups
	if active[0].ExternalID != "CAD-2" {
		t.Errorf("canonical external id = %s", active[0].ExternalID)
	}
	if len(active[0].Units) != 2 {
		t.Errorf("units folded = %d", len(active[0].Units))
	}
	if !active[0].NeedsUpdate {
		t.Error("merged record must be flagged for propagation")
	}

	var groups int64
	db.Model(&database.IncidentGroup{}).Count(&groups)
	if groups != 1 {
		t.Errorf("expected 1 incident group, got %d", groups)
	}
}

func TestReconcileIncidentsIntraBatchCollapse(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)

	// Both reports of the same event arrive in one poll
	cs, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{
		normalizedIncident("CAD-1", "1420 N Main St", "SF", at),
		normalizedIncident("CAD-2", "1420 N. Main St.", "SF", at.Add(3*time.Minute)),
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if cs.Created != 1 {
		t.Errorf("expected a single create, got %+v", cs)
	}

	var count int64
	db.Model(&database.Incident{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestReconcileIncidentsMergesExistingPair(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)

	// Two polls created distinct records: CAD-1 at the real address, CAD-2
	// with a typo address that did not match
	if _, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{
		normalizedIncident("CAD-1", "1420 N Main St", "SF", at),
	}); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if _, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{
		normalizedIncident("CAD-2", "9999 Wrong Ave", "SF", at.Add(2*time.Minute)),
	}); err != nil {
		t.Fatalf("poll 2: %v", err)
	}

	// Third poll: the feed corrected CAD-2's address, so it now resolves to
	// CAD-1's merge key while both records exist
	cs, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{
		normalizedIncident("CAD-2", "1420 N Main St", "SF", at.Add(2*time.Minute)),
	})
	if err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if cs.Merged != 1 {
		t.Errorf("expected merge, got %+v", cs)
	}

	var active []database.Incident
	db.Where("status = ?", database.IncidentStatusActive).Find(&active)
	if len(active) != 1 {
		t.Fatalf("expected one active record, got %d", len(active))
	}

	var superseded database.Incident
	if err := db.Where("superseded_by_id IS NOT NULL").First(&superseded).Error; err != nil {
		t.Fatalf("superseded record missing: %v", err)
	}
	if superseded.Status != database.IncidentStatusClosed {
		t.Errorf("superseded status = %s", superseded.Status)
	}
	if superseded.NeedsUpdate {
		t.Error("superseded record must not stay publish-flagged")
	}
	// Retained, not deleted
	var total int64
	db.Model(&database.Incident{}).Count(&total)
	if total != 2 {
		t.Errorf("merge must retain both records, got %d", total)
	}
}

func TestReconcileIncidentsLateUpdateDoesNotResurrect(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)

	// Create and close the incident
	first := normalizedIncident("CAD-1", "1420 N Main St", "SF", at)
	if _, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{first}); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	closed := normalizedIncident("CAD-1", "1420 N Main St", "SF", at)
	closed.Closed = true
	if _, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{closed}); err != nil {
		t.Fatalf("poll 2: %v", err)
	}

	// Late narrative arrives for the closed record
	late := normalizedIncident("CAD-1", "1420 N Main St", "SF", at)
	late.Description = "Fully involved on arrival"
	cs, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{late})
	if err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if cs.Created != 0 {
		t.Errorf("late update must not create a record: %+v", cs)
	}

	var incident database.Incident
	if err := db.Where("external_id = ?", "CAD-1").First(&incident).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if incident.Status != database.IncidentStatusClosed {
		t.Errorf("late update resurrected the record: %s", incident.Status)
	}
	if incident.Description != "Fully involved on arrival" {
		t.Error("late field update should still apply")
	}

	var anomaly int64
	db.Model(&database.AuditEvent{}).Where("action = ?", audit.ActionOutOfOrderUpdate).Count(&anomaly)
	if anomaly != 1 {
		t.Errorf("expected 1 out-of-order audit event, got %d", anomaly)
	}
}

func TestReconcileIncidentsUnitProgression(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)

	first := normalizedIncident("CAD-1", "1420 N Main St", "SF", at)
	first.Units = []database.UnitStatusEntry{
		{UnitID: "E1", Status: database.UnitPhaseEnRoute, EnRouteAt: ts(7)},
	}
	if _, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{first}); err != nil {
		t.Fatalf("poll 1: %v", err)
	}

	second := normalizedIncident("CAD-1", "1420 N Main St", "SF", at)
	second.Units = []database.UnitStatusEntry{
		{UnitID: "E1", Status: database.UnitPhaseOnScene, OnSceneAt: ts(12)},
		{UnitID: "M7", Status: database.UnitPhaseDispatched, DispatchedAt: ts(11)},
	}
	cs, err := r.ReconcileIncidents(agency, []*feeds.NormalizedIncident{second})
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if cs.Updated != 1 {
		t.Errorf("unit progression should count as update: %+v", cs)
	}

	var incident database.Incident
	if err := db.First(&incident).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(incident.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(incident.Units))
	}
	e1 := incident.Units.Find("E1")
	if e1 == nil || e1.Status != database.UnitPhaseOnScene {
		t.Error("E1 should have advanced to on_scene")
	}
	if e1.EnRouteAt == nil {
		t.Error("E1 en-route timestamp lost across polls")
	}
}

func normalizedAlert(id, event string, msgType database.AlertMessageType, prev []string, effective time.Time) *feeds.NormalizedAlert {
	return &feeds.NormalizedAlert{
		ExternalID:  id,
		MessageType: msgType,
		PreviousIDs: prev,
		EventType:   event,
		Severity:    "Severe",
		EffectiveAt: effective,
	}
}

func TestReconcileAlertsChain(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	// A: initial alert
	if _, err := r.ReconcileAlerts(agency, []*feeds.NormalizedAlert{
		normalizedAlert("A", "Tornado Warning", database.AlertMessageAlert, nil, at),
	}); err != nil {
		t.Fatalf("poll A: %v", err)
	}

	// B: update superseding A
	if _, err := r.ReconcileAlerts(agency, []*feeds.NormalizedAlert{
		normalizedAlert("B", "Tornado Warning", database.AlertMessageUpdate, []string{"A"}, at.Add(10*time.Minute)),
	}); err != nil {
		t.Fatalf("poll B: %v", err)
	}

	// C: cancel superseding B
	if _, err := r.ReconcileAlerts(agency, []*feeds.NormalizedAlert{
		normalizedAlert("C", "Tornado Warning", database.AlertMessageCancel, []string{"B"}, at.Add(20*time.Minute)),
	}); err != nil {
		t.Fatalf("poll C: %v", err)
	}

	var active []database.WeatherAlert
	db.Where("status = ?", database.AlertStatusActive).Find(&active)
	if len(active) != 1 || active[0].ExternalID != "C" {
		t.Fatalf("expected only C active, got %d", len(active))
	}
	// Chain head carries the full history
	if len(active[0].PreviousExternalIDs) != 2 ||
		active[0].PreviousExternalIDs[0] != "A" || active[0].PreviousExternalIDs[1] != "B" {
		t.Errorf("chain = %v", active[0].PreviousExternalIDs)
	}

	var a, b database.WeatherAlert
	db.Where("external_id = ?", "A").First(&a)
	db.Where("external_id = ?", "B").First(&b)
	if a.Status != database.AlertStatusExpired {
		t.Errorf("A status = %s", a.Status)
	}
	// B was superseded by a Cancel message
	if b.Status != database.AlertStatusCancelled {
		t.Errorf("B status = %s", b.Status)
	}
	if a.SupersededByID == nil || b.SupersededByID == nil {
		t.Error("superseded links missing")
	}
}

func TestReconcileAlertsConsolidatesPredecessors(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	// Two independent live alerts
	if _, err := r.ReconcileAlerts(agency, []*feeds.NormalizedAlert{
		normalizedAlert("A", "Severe Thunderstorm Warning", database.AlertMessageAlert, nil, at),
		normalizedAlert("B", "Severe Thunderstorm Warning", database.AlertMessageAlert, nil, at),
	}); err != nil {
		t.Fatalf("initial poll: %v", err)
	}

	// One update referencing both retires both under a single head
	if _, err := r.ReconcileAlerts(agency, []*feeds.NormalizedAlert{
		normalizedAlert("C", "Severe Thunderstorm Warning", database.AlertMessageUpdate, []string{"A", "B"}, at.Add(10*time.Minute)),
	}); err != nil {
		t.Fatalf("consolidating poll: %v", err)
	}

	var active []database.WeatherAlert
	db.Where("status = ?", database.AlertStatusActive).Find(&active)
	if len(active) != 1 || active[0].ExternalID != "C" {
		t.Fatalf("expected only C active, got %d", len(active))
	}
	if len(active[0].PreviousExternalIDs) != 2 ||
		active[0].PreviousExternalIDs[0] != "A" || active[0].PreviousExternalIDs[1] != "B" {
		t.Errorf("chain = %v", active[0].PreviousExternalIDs)
	}

	var a, b database.WeatherAlert
	if err := db.Where("external_id = ?", "A").First(&a).Error; err != nil {
		t.Fatalf("reload A: %v", err)
	}
	if err := db.Where("external_id = ?", "B").First(&b).Error; err != nil {
		t.Fatalf("reload B: %v", err)
	}
	if a.Status != database.AlertStatusExpired || b.Status != database.AlertStatusExpired {
		t.Errorf("statuses = %s, %s, want both expired", a.Status, b.Status)
	}
	if a.SupersededByID == nil || *a.SupersededByID != active[0].ID {
		t.Error("A not linked to the new head")
	}
	if b.SupersededByID == nil || *b.SupersededByID != active[0].ID {
		t.Error("B not linked to the new head")
	}
}

func TestReconcileAlertsIdempotentRePoll(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	batch := []*feeds.NormalizedAlert{
		normalizedAlert("A", "Flood Watch", database.AlertMessageAlert, nil, at),
	}

	if _, err := r.ReconcileAlerts(agency, batch); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	cs, err := r.ReconcileAlerts(agency, batch)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if cs.Created != 0 || cs.Merged != 0 || cs.Noops != 1 {
		t.Errorf("re-poll should be a no-op, got %+v", cs)
	}

	var count int64
	db.Model(&database.WeatherAlert{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 alert, got %d", count)
	}
}

func TestReconcileAlertsCancelWithoutPredecessor(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	if _, err := r.ReconcileAlerts(agency, []*feeds.NormalizedAlert{
		normalizedAlert("X", "Flood Watch", database.AlertMessageCancel, []string{"unknown"}, at),
	}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var alert database.WeatherAlert
	if err := db.First(&alert).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if alert.Status != database.AlertStatusCancelled {
		t.Errorf("orphan cancel should record as cancelled, got %s", alert.Status)
	}
}

func TestReconcileAlertsRejectsCyclicChain(t *testing.T) {
	r, db, agency := newTestReconciler(t)
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	cs, err := r.ReconcileAlerts(agency, []*feeds.NormalizedAlert{
		normalizedAlert("A", "Flood Watch", database.AlertMessageUpdate, []string{"A"}, at),
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(cs.Errors) != 1 || !strings.Contains(cs.Errors[0], "chain") {
		t.Errorf("expected chain error, got %v", cs.Errors)
	}

	var count int64
	db.Model(&database.WeatherAlert{}).Count(&count)
	if count != 0 {
		t.Error("cyclic record must not persist")
	}
}

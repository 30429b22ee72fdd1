package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/audit"
	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/testhelpers"
)

func newTestScheduler(t *testing.T, pub Publisher, cap int) (*PropagationScheduler, *gorm.DB, *database.Agency) {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	agency := testhelpers.NewAgencyBuilder().PublishingEnabled().Create(db)
	return NewPropagationScheduler(db, pub, audit.NewSink(db), cap), db, agency
}

func TestProcessAgencyPublishesFlaggedIncident(t *testing.T) {
	pub := testhelpers.NewMockPublisher()
	s, db, agency := newTestScheduler(t, pub, 0)
	incident := testhelpers.NewIncidentBuilder(agency.ID).NeedingPropagation().Create(db)

	published, failed, err := s.ProcessAgency(context.Background(), agency)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if published != 1 || failed != 0 {
		t.Errorf("published=%d failed=%d", published, failed)
	}
	if len(pub.IncidentCalls) != 1 || pub.IncidentCalls[0] != incident.UUID {
		t.Errorf("publisher calls = %v", pub.IncidentCalls)
	}

	var reloaded database.Incident
	db.First(&reloaded, incident.ID)
	if !reloaded.Synced || reloaded.NeedsUpdate {
		t.Errorf("synced=%v needs_update=%v", reloaded.Synced, reloaded.NeedsUpdate)
	}
	if reloaded.SyncAttempts != 1 {
		t.Errorf("sync_attempts = %d", reloaded.SyncAttempts)
	}
	if reloaded.SyncError != "" {
		t.Errorf("sync_error = %q", reloaded.SyncError)
	}
	if reloaded.LastAttemptAt == nil {
		t.Error("last_attempt_at not set")
	}
}

func TestProcessAgencyPublishesFlaggedAlert(t *testing.T) {
	pub := testhelpers.NewMockPublisher()
	s, db, agency := newTestScheduler(t, pub, 0)
	alert := testhelpers.NewAlertBuilder(agency.ID).NeedingPropagation().Create(db)

	published, _, err := s.ProcessAgency(context.Background(), agency)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if published != 1 {
		t.Errorf("published = %d", published)
	}
	if len(pub.AlertCalls) != 1 || pub.AlertCalls[0] != alert.UUID {
		t.Errorf("publisher calls = %v", pub.AlertCalls)
	}

	var reloaded database.WeatherAlert
	db.First(&reloaded, alert.ID)
	if !reloaded.Synced || reloaded.NeedsUpdate {
		t.Errorf("synced=%v needs_update=%v", reloaded.Synced, reloaded.NeedsUpdate)
	}
}

func TestProcessAgencySuccessAfterFailureClearsError(t *testing.T) {
	pub := testhelpers.NewMockPublisher()
	pub.FailUntil = 1
	s, db, agency := newTestScheduler(t, pub, 0)
	incident := testhelpers.NewIncidentBuilder(agency.ID).NeedingPropagation().Create(db)

	_, failed, _ := s.ProcessAgency(context.Background(), agency)
	if failed != 1 {
		t.Fatalf("first pass failed = %d", failed)
	}
	var mid database.Incident
	db.First(&mid, incident.ID)
	if mid.Synced || !mid.NeedsUpdate || mid.SyncError == "" {
		t.Fatalf("after failure: synced=%v needs_update=%v err=%q", mid.Synced, mid.NeedsUpdate, mid.SyncError)
	}

	published, _, _ := s.ProcessAgency(context.Background(), agency)
	if published != 1 {
		t.Fatalf("retry published = %d", published)
	}
	var reloaded database.Incident
	db.First(&reloaded, incident.ID)
	if !reloaded.Synced || reloaded.SyncError != "" {
		t.Errorf("synced=%v err=%q", reloaded.Synced, reloaded.SyncError)
	}
	// Lifetime counter keeps the failed attempt
	if reloaded.SyncAttempts != 2 {
		t.Errorf("sync_attempts = %d", reloaded.SyncAttempts)
	}
}

func TestProcessAgencyAbandonsAtAttemptCap(t *testing.T) {
	pub := testhelpers.NewMockPublisher()
	pub.PermanentError = errors.New("channel gone")
	s, db, agency := newTestScheduler(t, pub, 3)
	incident := testhelpers.NewIncidentBuilder(agency.ID).NeedingPropagation().Create(db)

	for i := 0; i < 3; i++ {
		_, failed, err := s.ProcessAgency(context.Background(), agency)
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if failed != 1 {
			t.Fatalf("pass %d failed = %d", i, failed)
		}
	}

	var reloaded database.Incident
	db.First(&reloaded, incident.ID)
	if reloaded.SyncAttempts != 3 {
		t.Fatalf("sync_attempts = %d", reloaded.SyncAttempts)
	}
	if reloaded.NeedsUpdate {
		t.Error("capped record must not stay flagged")
	}

	var abandoned int64
	db.Model(&database.AuditEvent{}).Where("action = ?", audit.ActionPublishAbandoned).Count(&abandoned)
	if abandoned != 1 {
		t.Errorf("abandoned audit events = %d", abandoned)
	}

	// An operator re-flag does not reopen a capped record: the lifetime
	// counter never resets.
	db.Model(&database.Incident{}).Where("id = ?", incident.ID).Update("needs_update", true)
	published, failed, _ := s.ProcessAgency(context.Background(), agency)
	if published != 0 || failed != 0 {
		t.Errorf("capped record re-attempted: published=%d failed=%d", published, failed)
	}
	if pub.Calls() != 3 {
		t.Errorf("publisher calls = %d", pub.Calls())
	}
}

func TestIncidentEligibleRules(t *testing.T) {
	pub := testhelpers.NewMockPublisher()
	s, db, agency := newTestScheduler(t, pub, 0)

	base := func() *database.Incident {
		i := testhelpers.NewIncidentBuilder(agency.ID).NeedingPropagation().Build()
		return &i
	}

	if !s.IncidentEligible(agency, base()) {
		t.Error("baseline incident should be eligible")
	}

	flat := base()
	flat.NeedsUpdate = false
	if s.IncidentEligible(agency, flat) {
		t.Error("unflagged incident must not publish")
	}

	disabled := testhelpers.NewAgencyBuilder().WithSlug("quiet-fd").Create(db)
	if s.IncidentEligible(disabled, base()) {
		t.Error("publishing-disabled agency must not publish")
	}

	pending := base()
	pending.Source = database.IncidentSourceUser
	pending.Moderation = database.ModerationPending
	if s.IncidentEligible(agency, pending) {
		t.Error("unmoderated submission must not publish")
	}
	pending.Moderation = database.ModerationApproved
	if !s.IncidentEligible(agency, pending) {
		t.Error("approved submission should publish")
	}

	medical := base()
	medical.CallType = "EMS"
	medical.CallCategory = database.CallCategoryMedical
	if s.IncidentEligible(agency, medical) {
		t.Error("medical call must be excluded by default")
	}
	inclusive := testhelpers.NewAgencyBuilder().WithSlug("ems-fd").PublishingEnabled().IncludingMedical().Create(db)
	if !s.IncidentEligible(inclusive, medical) {
		t.Error("medical call should publish when the agency includes medical")
	}

	filtered := testhelpers.NewAgencyBuilder().WithSlug("filter-fd").PublishingEnabled().
		WithPublishCallTypes("SF", "MVA").Create(db)
	mva := base()
	mva.CallType = "GAS"
	if s.IncidentEligible(filtered, mva) {
		t.Error("call type outside the allow list must not publish")
	}
	if !s.IncidentEligible(filtered, base()) {
		t.Error("allow-listed call type should publish")
	}

	staffed := testhelpers.NewAgencyBuilder().WithSlug("staffed-fd").PublishingEnabled().
		WithMinUnitCount(2).Create(db)
	thin := base()
	thin.Units = database.UnitList{{UnitID: "E1", Status: database.UnitPhaseOnScene}}
	if s.IncidentEligible(staffed, thin) {
		t.Error("below the unit threshold must not publish")
	}
	thin.Units = append(thin.Units, database.UnitStatusEntry{UnitID: "M7", Status: database.UnitPhaseEnRoute})
	if !s.IncidentEligible(staffed, thin) {
		t.Error("at the unit threshold should publish")
	}

	capped := base()
	capped.SyncAttempts = DefaultPublishAttemptCap
	if s.IncidentEligible(agency, capped) {
		t.Error("capped record must not publish")
	}
}

func TestIncidentEligiblePublishDelay(t *testing.T) {
	pub := testhelpers.NewMockPublisher()
	s, db, _ := newTestScheduler(t, pub, 0)

	delayed := testhelpers.NewAgencyBuilder().WithSlug("delayed-fd").PublishingEnabled().Create(db)
	delayed.PublishDelaySeconds = 600

	received := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	incident := testhelpers.NewIncidentBuilder(delayed.ID).NeedingPropagation().
		WithCallReceivedAt(received).Build()

	s.now = func() time.Time { return received.Add(5 * time.Minute) }
	if s.IncidentEligible(delayed, &incident) {
		t.Error("incident inside the publish delay must wait")
	}

	s.now = func() time.Time { return received.Add(11 * time.Minute) }
	if !s.IncidentEligible(delayed, &incident) {
		t.Error("incident past the publish delay should publish")
	}
}

func TestAlertEligibleRules(t *testing.T) {
	pub := testhelpers.NewMockPublisher()
	s, db, agency := newTestScheduler(t, pub, 0)

	alert := testhelpers.NewAlertBuilder(agency.ID).NeedingPropagation().Build()
	if !s.AlertEligible(agency, &alert) {
		t.Error("flagged alert should be eligible")
	}

	alert.SyncAttempts = DefaultPublishAttemptCap
	if s.AlertEligible(agency, &alert) {
		t.Error("capped alert must not publish")
	}

	alert.SyncAttempts = 0
	disabled := testhelpers.NewAgencyBuilder().WithSlug("quiet-fd").Create(db)
	if s.AlertEligible(disabled, &alert) {
		t.Error("publishing-disabled agency must not publish alerts")
	}
}

func TestProcessAgencySkipsIneligible(t *testing.T) {
	pub := testhelpers.NewMockPublisher()
	s, db, agency := newTestScheduler(t, pub, 0)

	// Flagged but pending moderation
	testhelpers.NewIncidentBuilder(agency.ID).UserSubmitted().NeedingPropagation().Create(db)

	published, failed, err := s.ProcessAgency(context.Background(), agency)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if published != 0 || failed != 0 || pub.Calls() != 0 {
		t.Errorf("ineligible record reached the publisher: published=%d failed=%d calls=%d", published, failed, pub.Calls())
	}
}

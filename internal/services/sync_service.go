package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/audit"
	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/feeds"
)

// ErrConfirmationRequired signals a destructive configuration change the
// engine refuses to apply without an explicit confirmed re-call.
var ErrConfirmationRequired = errors.New("change invalidates existing records; confirmation required")

// ErrUnknownFeedType is returned for a sync trigger naming no known feed
var ErrUnknownFeedType = errors.New("unknown feed type")

// SyncResult is the outcome of one runSync call
type SyncResult struct {
	Created            int      `json:"created"`
	Updated            int      `json:"updated"`
	Merged             int      `json:"merged"`
	Published          int      `json:"published"`
	SkippedRateLimited bool     `json:"skipped_rate_limited"`
	Errors             []string `json:"errors,omitempty"`
}

// ChangeListener is notified after a commit for records whose public-facing
// content changed. Used by the status stream; must not block.
type ChangeListener func(agency *database.Agency, recordType string, uuids []string)

// syncGate serializes polls for one (agency, feed) pair. A new poll must not
// start while the previous one is still committing; the gate enforces that
// here rather than in the storage layer.
type syncGate struct {
	mu sync.Mutex
}

// SyncService is the per-tenant orchestrator: it triggers poll cycles,
// enforces the minimum inter-sync interval, and sequences
// normalize -> reconcile -> propagate, persisting results per agency.
type SyncService struct {
	db          *gorm.DB
	clients     map[database.FeedType]feeds.FeedClient
	reconciler  *Reconciler
	propagation *PropagationScheduler
	audit       *audit.Sink

	gatesMu sync.Mutex
	gates   map[string]*syncGate

	listener ChangeListener
	now      func() time.Time
}

// NewSyncService creates a new sync orchestrator
func NewSyncService(db *gorm.DB, reconciler *Reconciler, propagation *PropagationScheduler, sink *audit.Sink) *SyncService {
	return &SyncService{
		db:          db,
		clients:     make(map[database.FeedType]feeds.FeedClient),
		reconciler:  reconciler,
		propagation: propagation,
		audit:       sink,
		gates:       make(map[string]*syncGate),
		now:         time.Now,
	}
}

// RegisterClient registers the feed client for a feed type
func (s *SyncService) RegisterClient(client feeds.FeedClient) {
	s.clients[client.FeedType()] = client
}

// SetChangeListener installs the post-commit change notification hook
func (s *SyncService) SetChangeListener(l ChangeListener) {
	s.listener = l
}

func (s *SyncService) gateFor(agencyID uint, feed database.FeedType) *syncGate {
	key := fmt.Sprintf("%d/%s", agencyID, feed)
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g, ok := s.gates[key]
	if !ok {
		g = &syncGate{}
		s.gates[key] = g
	}
	return g
}

// RunSync executes one poll cycle for an agency+feed pair.
//
// A trigger arriving inside the agency's cooldown window, or while a
// previous cycle is still running, returns SkippedRateLimited rather than
// queueing or silently dropping; force bypasses the cooldown but never the
// in-flight gate. A poll that cannot reach the external source leaves
// persisted state untouched and is reported as a transient failure.
func (s *SyncService) RunSync(ctx context.Context, agencyID uint, feed database.FeedType, force bool) (*SyncResult, error) {
	client, ok := s.clients[feed]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeedType, feed)
	}

	var agency database.Agency
	if err := s.db.First(&agency, agencyID).Error; err != nil {
		return nil, fmt.Errorf("agency %d not found: %w", agencyID, err)
	}
	if !agency.Enabled {
		return nil, fmt.Errorf("agency %s is disabled", agency.Slug)
	}

	gate := s.gateFor(agencyID, feed)
	if !gate.mu.TryLock() {
		return &SyncResult{SkippedRateLimited: true}, nil
	}
	defer gate.mu.Unlock()

	state, err := database.GetOrCreateSyncState(s.db, agencyID, feed)
	if err != nil {
		return nil, err
	}

	if !force && state.LastSyncAt != nil && s.now().Sub(*state.LastSyncAt) < agency.SyncInterval() {
		return &SyncResult{SkippedRateLimited: true}, nil
	}

	s.setSyncStatus(state, database.SyncStatusPolling, "")

	raw, err := client.Fetch(ctx, &agency)
	if err != nil {
		// Transient: no persisted mutation, retried on the next tick
		s.setSyncStatus(state, database.SyncStatusIdle, err.Error())
		return nil, fmt.Errorf("poll failed for agency %s: %w", agency.Slug, err)
	}

	s.setSyncStatus(state, database.SyncStatusReconciling, "")

	result := &SyncResult{}
	var changed []string
	recordType := "incident"

	switch feed {
	case database.FeedTypeDispatch:
		batch := normalizeIncidentBatch(raw, result)
		cs, err := s.reconciler.ReconcileIncidents(&agency, batch)
		if err != nil {
			s.setSyncStatus(state, database.SyncStatusIdle, err.Error())
			return nil, err
		}
		mergeChangeSet(result, cs)
		changed = cs.ChangedUUIDs
	case database.FeedTypeWeather:
		recordType = "weather_alert"
		batch := normalizeAlertBatch(raw, result)
		cs, err := s.reconciler.ReconcileAlerts(&agency, batch)
		if err != nil {
			s.setSyncStatus(state, database.SyncStatusIdle, err.Error())
			return nil, err
		}
		mergeChangeSet(result, cs)
		changed = cs.ChangedUUIDs
	default:
		s.setSyncStatus(state, database.SyncStatusIdle, "")
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeedType, feed)
	}

	s.setSyncStatus(state, database.SyncStatusPublishing, "")

	published, failedPublishes, err := s.propagation.ProcessAgency(ctx, &agency)
	if err != nil {
		log.Printf("Sync: propagation pass failed for agency %s: %v", agency.Slug, err)
	}
	result.Published = published
	if failedPublishes > 0 {
		log.Printf("Sync: %d publish attempts failed for agency %s", failedPublishes, agency.Slug)
	}

	now := s.now()
	state.LastSyncAt = &now
	s.setSyncStatus(state, database.SyncStatusIdle, "")

	if s.listener != nil && len(changed) > 0 {
		s.listener(&agency, recordType, changed)
	}

	log.Printf("Sync: agency=%s feed=%s created=%d updated=%d merged=%d published=%d errors=%d",
		agency.Slug, feed, result.Created, result.Updated, result.Merged, result.Published, len(result.Errors))
	return result, nil
}

func (s *SyncService) setSyncStatus(state *database.SyncState, status database.SyncStatus, lastError string) {
	state.Status = status
	state.LastError = lastError
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastError,
	}
	if state.LastSyncAt != nil {
		updates["last_sync_at"] = state.LastSyncAt
	}
	if err := s.db.Model(&database.SyncState{}).Where("id = ?", state.ID).Updates(updates).Error; err != nil {
		log.Printf("Sync: failed to persist sync state %d: %v", state.ID, err)
	}
}

// normalizeIncidentBatch normalizes raw dispatch records, isolating
// malformed ones as reported errors
func normalizeIncidentBatch(raw []feeds.RawRecord, result *SyncResult) []*feeds.NormalizedIncident {
	batch := make([]*feeds.NormalizedIncident, 0, len(raw))
	for _, record := range raw {
		n, err := feeds.NormalizeIncident(record)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		batch = append(batch, n)
	}
	return batch
}

func normalizeAlertBatch(raw []feeds.RawRecord, result *SyncResult) []*feeds.NormalizedAlert {
	batch := make([]*feeds.NormalizedAlert, 0, len(raw))
	for _, record := range raw {
		n, err := feeds.NormalizeAlert(record)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		batch = append(batch, n)
	}
	return batch
}

func mergeChangeSet(result *SyncResult, cs *ChangeSet) {
	result.Created += cs.Created
	result.Updated += cs.Updated
	result.Merged += cs.Merged
	result.Errors = append(result.Errors, cs.Errors...)
}

// ActiveIncidents returns the agency's active incidents for presentation
func (s *SyncService) ActiveIncidents(agencyID uint) ([]database.Incident, error) {
	return database.ActiveIncidentsByAgency(s.db, agencyID)
}

// ActiveAlerts returns the agency's active weather alerts for presentation
func (s *SyncService) ActiveAlerts(agencyID uint) ([]database.WeatherAlert, error) {
	return database.ActiveAlertsByAgency(s.db, agencyID)
}

// UpdateDispatchFeed changes which upstream CAD agency a tenant tracks.
// Pointing at a different feed invalidates every existing feed-sourced
// record, so the engine refuses unless the caller confirms; the confirmed
// path archives those records before switching.
func (s *SyncService) UpdateDispatchFeed(agencyID uint, newFeedID string, confirm bool) error {
	var agency database.Agency
	if err := s.db.First(&agency, agencyID).Error; err != nil {
		return err
	}
	if agency.DispatchFeedID == newFeedID {
		return nil
	}

	var existing int64
	err := s.db.Model(&database.Incident{}).
		Where("agency_id = ? AND source = ? AND status <> ?", agencyID, database.IncidentSourceFeed, database.IncidentStatusArchived).
		Count(&existing).Error
	if err != nil {
		return err
	}

	if existing > 0 && !confirm {
		return ErrConfirmationRequired
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if existing > 0 {
			err := tx.Model(&database.Incident{}).
				Where("agency_id = ? AND source = ? AND status <> ?", agencyID, database.IncidentSourceFeed, database.IncidentStatusArchived).
				Updates(map[string]interface{}{
					"status":       database.IncidentStatusArchived,
					"needs_update": false,
				}).Error
			if err != nil {
				return err
			}
		}
		if err := tx.Model(&agency).Update("dispatch_feed_id", newFeedID).Error; err != nil {
			return err
		}
		s.audit.Record(agencyID, "system", audit.ActionFeedConfigChanged, "agency", agency.UUID, "ok", database.JSONB{
			"old_feed_id":      agency.DispatchFeedID,
			"new_feed_id":      newFeedID,
			"records_archived": existing,
		})
		return nil
	})
}

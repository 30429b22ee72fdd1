package jobs

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/audit"
	"github.com/firewatch/firewatch/internal/database"
)

// SweeperJob runs the periodic housekeeping passes: closing incidents the
// feed stopped mentioning, expiring weather alerts past their window, and
// archiving closed records past retention. It runs on a cron schedule
// instead of a ticker because each pass is cheap and coarse-grained.
type SweeperJob struct {
	db            *gorm.DB
	audit         *audit.Sink
	staleAfter    time.Duration
	archiveAfter  time.Duration
	cron          *cron.Cron
	now           func() time.Time
}

// NewSweeperJob creates a new sweeper job
func NewSweeperJob(db *gorm.DB, sink *audit.Sink, staleAfter, archiveAfter time.Duration) *SweeperJob {
	if staleAfter <= 0 {
		staleAfter = 12 * time.Hour
	}
	if archiveAfter <= 0 {
		archiveAfter = 7 * 24 * time.Hour
	}
	return &SweeperJob{
		db:           db,
		audit:        sink,
		staleAfter:   staleAfter,
		archiveAfter: archiveAfter,
		now:          time.Now,
	}
}

// Run executes one sweep pass over all agencies
func (j *SweeperJob) Run() error {
	if err := j.closeStaleIncidents(); err != nil {
		return err
	}
	if err := j.expireAlerts(); err != nil {
		return err
	}
	return j.archiveClosed()
}

// closeStaleIncidents closes active feed-sourced incidents that have not
// been seen in a poll for the stale window. Closure is a content change, so
// the records are flagged for propagation.
func (j *SweeperJob) closeStaleIncidents() error {
	cutoff := j.now().Add(-j.staleAfter)

	var stale []database.Incident
	err := j.db.Where("status = ? AND source = ? AND updated_at < ?",
		database.IncidentStatusActive, database.IncidentSourceFeed, cutoff).
		Find(&stale).Error
	if err != nil {
		return err
	}

	for i := range stale {
		incident := &stale[i]
		now := j.now()
		err := j.db.Model(incident).Updates(map[string]interface{}{
			"status":         database.IncidentStatusClosed,
			"call_closed_at": now,
			"needs_update":   true,
		}).Error
		if err != nil {
			log.Printf("Sweeper: failed to close stale incident %s: %v", incident.UUID, err)
			continue
		}
		j.audit.Record(incident.AgencyID, "sweeper", audit.ActionIncidentClosed, "incident", incident.UUID, "ok", database.JSONB{
			"reason":       "stale",
			"last_seen_at": incident.UpdatedAt,
		})
	}

	if len(stale) > 0 {
		log.Printf("Sweeper: closed %d stale incidents", len(stale))
	}
	return nil
}

// expireAlerts moves active weather alerts past their expiry to expired
func (j *SweeperJob) expireAlerts() error {
	now := j.now()

	var expired []database.WeatherAlert
	err := j.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?",
		database.AlertStatusActive, now).
		Find(&expired).Error
	if err != nil {
		return err
	}

	for i := range expired {
		alert := &expired[i]
		err := j.db.Model(alert).Updates(map[string]interface{}{
			"status":       database.AlertStatusExpired,
			"needs_update": false,
		}).Error
		if err != nil {
			log.Printf("Sweeper: failed to expire alert %s: %v", alert.UUID, err)
			continue
		}
		j.audit.Record(alert.AgencyID, "sweeper", audit.ActionAlertExpired, "weather_alert", alert.UUID, "ok", database.JSONB{
			"external_id": alert.ExternalID,
			"expired_at":  alert.ExpiresAt,
		})
	}

	if len(expired) > 0 {
		log.Printf("Sweeper: expired %d weather alerts", len(expired))
	}
	return nil
}

// archiveClosed archives closed incidents past the retention window.
// Superseded merge losers are archived on the same schedule as their
// canonical record so audit trails age out together.
func (j *SweeperJob) archiveClosed() error {
	cutoff := j.now().Add(-j.archiveAfter)

	result := j.db.Model(&database.Incident{}).
		Where("status = ? AND call_closed_at IS NOT NULL AND call_closed_at < ?", database.IncidentStatusClosed, cutoff).
		Updates(map[string]interface{}{
			"status":       database.IncidentStatusArchived,
			"needs_update": false,
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected > 0 {
		log.Printf("Sweeper: archived %d closed incidents", result.RowsAffected)
	}
	return nil
}

// Start schedules the sweep on a cron expression and blocks until stop
func (j *SweeperJob) Start(schedule string, stop <-chan struct{}) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(schedule, func() {
		if err := j.Run(); err != nil {
			log.Printf("Sweeper error: %v", err)
		}
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	<-stop
	ctx := j.cron.Stop()
	<-ctx.Done()
	log.Println("Sweeper stopped")
	return nil
}

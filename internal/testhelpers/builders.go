// Package testhelpers additional data builders.
package testhelpers

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/feeds"
)

// ========================================
// Agency Builder
// ========================================

// AgencyBuilder builds Agency instances for testing
type AgencyBuilder struct {
	agency database.Agency
}

// NewAgencyBuilder creates a new agency builder with defaults
func NewAgencyBuilder() *AgencyBuilder {
	return &AgencyBuilder{
		agency: database.Agency{
			UUID:                uuid.New().String(),
			Name:                "Springfield Fire Department",
			Slug:                "springfield-fd",
			DispatchFeedID:      "SPFD",
			Enabled:             true,
			SyncIntervalSeconds: 120,
			MergeWindowMinutes:  30,
			ExcludeMedical:      true,
		},
	}
}

// WithSlug sets the slug
func (b *AgencyBuilder) WithSlug(slug string) *AgencyBuilder {
	b.agency.Slug = slug
	return b
}

// WithDispatchFeed sets the upstream feed identifier
func (b *AgencyBuilder) WithDispatchFeed(feedID string) *AgencyBuilder {
	b.agency.DispatchFeedID = feedID
	return b
}

// WithWeatherZones sets the covered NWS zones
func (b *AgencyBuilder) WithWeatherZones(zones ...string) *AgencyBuilder {
	b.agency.WeatherZones = database.StringList(zones)
	return b
}

// WithMergeWindow sets the merge window in minutes
func (b *AgencyBuilder) WithMergeWindow(minutes int) *AgencyBuilder {
	b.agency.MergeWindowMinutes = minutes
	return b
}

// WithSyncInterval sets the minimum inter-poll interval in seconds
func (b *AgencyBuilder) WithSyncInterval(seconds int) *AgencyBuilder {
	b.agency.SyncIntervalSeconds = seconds
	return b
}

// PublishingEnabled turns publishing on
func (b *AgencyBuilder) PublishingEnabled() *AgencyBuilder {
	b.agency.PublishEnabled = true
	return b
}

// WithPublishCallTypes sets the publish allow-list
func (b *AgencyBuilder) WithPublishCallTypes(codes ...string) *AgencyBuilder {
	b.agency.PublishCallTypes = database.StringList(codes)
	return b
}

// IncludingMedical disables the medical exclusion
func (b *AgencyBuilder) IncludingMedical() *AgencyBuilder {
	b.agency.ExcludeMedical = false
	return b
}

// WithMinUnitCount sets the publish unit-count floor
func (b *AgencyBuilder) WithMinUnitCount(n int) *AgencyBuilder {
	b.agency.MinUnitCount = n
	return b
}

// Build returns the constructed agency
func (b *AgencyBuilder) Build() database.Agency {
	return b.agency
}

// Create persists the agency and returns it
func (b *AgencyBuilder) Create(db *gorm.DB) *database.Agency {
	agency := b.agency
	db.Create(&agency)
	return &agency
}

// ========================================
// Incident Builder
// ========================================

// IncidentBuilder builds Incident instances for testing
type IncidentBuilder struct {
	incident database.Incident
}

// NewIncidentBuilder creates a new incident builder with defaults
func NewIncidentBuilder(agencyID uint) *IncidentBuilder {
	return &IncidentBuilder{
		incident: database.Incident{
			UUID:              uuid.New().String(),
			AgencyID:          agencyID,
			ExternalID:        "CAD-1001",
			Source:            database.IncidentSourceFeed,
			Status:            database.IncidentStatusActive,
			Moderation:        database.ModerationAutoApproved,
			CallType:          "SF",
			CallCategory:      database.CallCategoryFire,
			Address:           "1420 N MAIN ST",
			NormalizedAddress: "1420 n main st",
			CallReceivedAt:    time.Now().Add(-10 * time.Minute),
		},
	}
}

// WithExternalID sets the upstream identifier
func (b *IncidentBuilder) WithExternalID(id string) *IncidentBuilder {
	b.incident.ExternalID = id
	return b
}

// WithMergeKey sets the merge key
func (b *IncidentBuilder) WithMergeKey(key string) *IncidentBuilder {
	b.incident.MergeKey = key
	return b
}

// WithCallType sets the call type and derived category
func (b *IncidentBuilder) WithCallType(code string) *IncidentBuilder {
	b.incident.CallType = code
	b.incident.CallCategory = database.CategorizeCallType(code)
	return b
}

// WithAddress sets the raw and normalized address
func (b *IncidentBuilder) WithAddress(address string) *IncidentBuilder {
	b.incident.Address = address
	b.incident.NormalizedAddress = feeds.NormalizeAddress(address)
	return b
}

// WithStatus sets the lifecycle status
func (b *IncidentBuilder) WithStatus(status database.IncidentStatus) *IncidentBuilder {
	b.incident.Status = status
	return b
}

// WithUnits sets the unit roster
func (b *IncidentBuilder) WithUnits(units ...database.UnitStatusEntry) *IncidentBuilder {
	b.incident.Units = database.UnitList(units)
	return b
}

// WithCallReceivedAt sets the call timestamp
func (b *IncidentBuilder) WithCallReceivedAt(t time.Time) *IncidentBuilder {
	b.incident.CallReceivedAt = t
	return b
}

// NeedingPropagation flags the incident for publishing
func (b *IncidentBuilder) NeedingPropagation() *IncidentBuilder {
	b.incident.NeedsUpdate = true
	return b
}

// UserSubmitted marks the incident as a community submission
func (b *IncidentBuilder) UserSubmitted() *IncidentBuilder {
	b.incident.Source = database.IncidentSourceUser
	b.incident.Moderation = database.ModerationPending
	return b
}

// Build returns the constructed incident
func (b *IncidentBuilder) Build() database.Incident {
	return b.incident
}

// Create persists the incident and returns it
func (b *IncidentBuilder) Create(db *gorm.DB) *database.Incident {
	incident := b.incident
	db.Create(&incident)
	return &incident
}

// ========================================
// Weather Alert Builder
// ========================================

// AlertBuilder builds WeatherAlert instances for testing
type AlertBuilder struct {
	alert database.WeatherAlert
}

// NewAlertBuilder creates a new weather alert builder with defaults
func NewAlertBuilder(agencyID uint) *AlertBuilder {
	return &AlertBuilder{
		alert: database.WeatherAlert{
			UUID:        uuid.New().String(),
			AgencyID:    agencyID,
			ExternalID:  "NWS-001",
			MessageType: database.AlertMessageAlert,
			Status:      database.AlertStatusActive,
			EventType:   "Tornado Warning",
			Severity:    "Extreme",
			EffectiveAt: time.Now().Add(-5 * time.Minute),
		},
	}
}

// WithExternalID sets the upstream identifier
func (b *AlertBuilder) WithExternalID(id string) *AlertBuilder {
	b.alert.ExternalID = id
	return b
}

// WithEventType sets the event type
func (b *AlertBuilder) WithEventType(event string) *AlertBuilder {
	b.alert.EventType = event
	return b
}

// WithExpiry sets the expiry timestamp
func (b *AlertBuilder) WithExpiry(t time.Time) *AlertBuilder {
	b.alert.ExpiresAt = &t
	return b
}

// NeedingPropagation flags the alert for publishing
func (b *AlertBuilder) NeedingPropagation() *AlertBuilder {
	b.alert.NeedsUpdate = true
	return b
}

// Build returns the constructed alert
func (b *AlertBuilder) Build() database.WeatherAlert {
	return b.alert
}

// Create persists the alert and returns it
func (b *AlertBuilder) Create(db *gorm.DB) *database.WeatherAlert {
	alert := b.alert
	db.Create(&alert)
	return &alert
}

// ========================================
// Raw Record Builders
// ========================================

// DispatchRecord returns a raw dispatch record with the minimum identity
// fields plus any overrides
func DispatchRecord(id, address, callType string, receivedAt time.Time, overrides map[string]interface{}) feeds.RawRecord {
	record := feeds.RawRecord{
		"id":          id,
		"address":     address,
		"call_type":   callType,
		"received_at": receivedAt.Format(time.RFC3339),
	}
	for k, v := range overrides {
		record[k] = v
	}
	return record
}

// WeatherRecord returns a raw weather alert record
func WeatherRecord(id, event string, effective time.Time, overrides map[string]interface{}) feeds.RawRecord {
	record := feeds.RawRecord{
		"id":        id,
		"event":     event,
		"effective": effective.Format(time.RFC3339),
	}
	for k, v := range overrides {
		record[k] = v
	}
	return record
}

package config

import (
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/database"
)

// AgencySeed is one agency definition from the seed file
type AgencySeed struct {
	Slug                string   `yaml:"slug"`
	Name                string   `yaml:"name"`
	DispatchFeedID      string   `yaml:"dispatch_feed_id"`
	WeatherZones        []string `yaml:"weather_zones,omitempty"`
	SyncIntervalSeconds int      `yaml:"sync_interval_seconds,omitempty"`
	MergeWindowMinutes  int      `yaml:"merge_window_minutes,omitempty"`
	PublishEnabled      bool     `yaml:"publish_enabled,omitempty"`
	PublishCallTypes    []string `yaml:"publish_call_types,omitempty"`
	ExcludeMedical      bool     `yaml:"exclude_medical,omitempty"`
	MinUnitCount        int      `yaml:"min_unit_count,omitempty"`
	PublishDelaySeconds int      `yaml:"publish_delay_seconds,omitempty"`
	SlackChannel        string   `yaml:"slack_channel,omitempty"`
}

type agencySeedFile struct {
	Agencies []AgencySeed `yaml:"agencies"`
}

// LoadAgencySeed parses the YAML agency seed file
func LoadAgencySeed(path string) ([]AgencySeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agency seed: %w", err)
	}

	var file agencySeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agency seed: %w", err)
	}

	for i, a := range file.Agencies {
		if a.Slug == "" || a.DispatchFeedID == "" {
			return nil, fmt.Errorf("agency seed entry %d: slug and dispatch_feed_id are required", i)
		}
	}
	return file.Agencies, nil
}

// SeedAgencies upserts seed entries by slug. Existing agencies keep their
// dispatch feed; feed changes go through the confirmed API path instead.
func SeedAgencies(db *gorm.DB, seeds []AgencySeed) error {
	for _, seed := range seeds {
		var existing database.Agency
		err := db.Where("slug = ?", seed.Slug).First(&existing).Error
		if err == nil {
			updates := map[string]interface{}{
				"name":                  seed.Name,
				"weather_zones":         database.StringList(seed.WeatherZones),
				"publish_enabled":       seed.PublishEnabled,
				"publish_call_types":    database.StringList(seed.PublishCallTypes),
				"exclude_medical":       seed.ExcludeMedical,
				"min_unit_count":        seed.MinUnitCount,
				"publish_delay_seconds": seed.PublishDelaySeconds,
				"slack_channel":         seed.SlackChannel,
			}
			if seed.SyncIntervalSeconds > 0 {
				updates["sync_interval_seconds"] = seed.SyncIntervalSeconds
			}
			if seed.MergeWindowMinutes > 0 {
				updates["merge_window_minutes"] = seed.MergeWindowMinutes
			}
			if err := db.Model(&existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update agency %s: %w", seed.Slug, err)
			}
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}

		agency := &database.Agency{
			UUID:             uuid.New().String(),
			Slug:             seed.Slug,
			Name:             seed.Name,
			DispatchFeedID:   seed.DispatchFeedID,
			WeatherZones:     database.StringList(seed.WeatherZones),
			Enabled:          true,
			PublishEnabled:   seed.PublishEnabled,
			PublishCallTypes: database.StringList(seed.PublishCallTypes),
			ExcludeMedical:   seed.ExcludeMedical,
			MinUnitCount:     seed.MinUnitCount,
			SlackChannel:     seed.SlackChannel,
		}
		if seed.SyncIntervalSeconds > 0 {
			agency.SyncIntervalSeconds = seed.SyncIntervalSeconds
		}
		if seed.MergeWindowMinutes > 0 {
			agency.MergeWindowMinutes = seed.MergeWindowMinutes
		}
		if seed.PublishDelaySeconds > 0 {
			agency.PublishDelaySeconds = seed.PublishDelaySeconds
		}
		if err := db.Create(agency).Error; err != nil {
			return fmt.Errorf("failed to create agency %s: %w", seed.Slug, err)
		}
		log.Printf("Seeded agency %s (%s)", agency.Slug, agency.UUID)
	}
	return nil
}

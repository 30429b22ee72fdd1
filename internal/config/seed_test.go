package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/testhelpers"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agencies.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

func TestLoadAgencySeed(t *testing.T) {
	path := writeSeedFile(t, `
agencies:
  - slug: springfield-fd
    name: Springfield Fire Department
    dispatch_feed_id: SPFD
    weather_zones: [OHZ001, OHZ002]
    sync_interval_seconds: 60
    publish_enabled: true
    publish_call_types: [SF, MVA]
    slack_channel: "#springfield-fire"
  - slug: shelby-fd
    name: Shelby Fire Department
    dispatch_feed_id: SHFD
`)

	seeds, err := LoadAgencySeed(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("seed count = %d", len(seeds))
	}
	first := seeds[0]
	if first.Slug != "springfield-fd" || first.DispatchFeedID != "SPFD" {
		t.Errorf("first seed = %+v", first)
	}
	if len(first.WeatherZones) != 2 || first.SyncIntervalSeconds != 60 {
		t.Errorf("first seed fields = %+v", first)
	}
	if !first.PublishEnabled || first.SlackChannel != "#springfield-fire" {
		t.Errorf("first seed publishing = %+v", first)
	}
}

func TestLoadAgencySeedRequiresSlugAndFeed(t *testing.T) {
	path := writeSeedFile(t, `
agencies:
  - name: No Slug Department
    dispatch_feed_id: NSFD
`)
	if _, err := LoadAgencySeed(path); err == nil {
		t.Error("missing slug must be rejected")
	}

	path = writeSeedFile(t, `
agencies:
  - slug: no-feed-fd
    name: No Feed Department
`)
	if _, err := LoadAgencySeed(path); err == nil {
		t.Error("missing dispatch_feed_id must be rejected")
	}
}

func TestLoadAgencySeedMissingFile(t *testing.T) {
	if _, err := LoadAgencySeed(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file must be an error")
	}
}

func TestSeedAgenciesCreates(t *testing.T) {
	db := testhelpers.SetupTestDB(t)

	err := SeedAgencies(db, []AgencySeed{{
		Slug:           "springfield-fd",
		Name:           "Springfield Fire Department",
		DispatchFeedID: "SPFD",
		WeatherZones:   []string{"OHZ001"},
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var agency database.Agency
	if err := db.Where("slug = ?", "springfield-fd").First(&agency).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if agency.UUID == "" || !agency.Enabled {
		t.Errorf("agency = %+v", agency)
	}
	if agency.DispatchFeedID != "SPFD" {
		t.Errorf("feed id = %s", agency.DispatchFeedID)
	}
	if len(agency.WeatherZones) != 1 || agency.WeatherZones[0] != "OHZ001" {
		t.Errorf("weather zones = %v", agency.WeatherZones)
	}
}

func TestSeedAgenciesUpdatePreservesDispatchFeed(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	existing := testhelpers.NewAgencyBuilder().Create(db)

	err := SeedAgencies(db, []AgencySeed{{
		Slug:           existing.Slug,
		Name:           "Springfield Fire & Rescue",
		DispatchFeedID: "DIFFERENT",
		WeatherZones:   []string{"OHZ003"},
		PublishEnabled: true,
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var reloaded database.Agency
	db.First(&reloaded, existing.ID)
	if reloaded.Name != "Springfield Fire & Rescue" {
		t.Errorf("name = %s", reloaded.Name)
	}
	if !reloaded.PublishEnabled {
		t.Error("publish flag not updated")
	}
	// Re-seeding never repoints the dispatch feed; that change archives
	// records and requires the confirmed API call
	if reloaded.DispatchFeedID != existing.DispatchFeedID {
		t.Errorf("dispatch feed changed to %s", reloaded.DispatchFeedID)
	}

	var count int64
	db.Model(&database.Agency{}).Count(&count)
	if count != 1 {
		t.Errorf("agency count = %d", count)
	}
}

// Package testhelpers provides reusable testing utilities:
// in-memory database setup, data builders, mock feed clients and
// publishers, and assertion helpers.
package testhelpers

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/feeds"
)

// SetupTestDB creates an in-memory database with the full schema
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// The pool must stay at one connection: each new pooled connection gets
	// its own empty :memory: database, so a write outside the migrated
	// connection would land on a schema-less one.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&database.Agency{},
		&database.SyncState{},
		&database.Incident{},
		&database.IncidentGroup{},
		&database.WeatherAlert{},
		&database.AuditEvent{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// ========================================
// Mock Feed Client
// ========================================

// MockFeedClient is a FeedClient serving canned batches
type MockFeedClient struct {
	Feed    database.FeedType
	Records []feeds.RawRecord
	Err     error

	mu      sync.Mutex
	fetches int
}

// NewMockFeedClient creates a mock client for the given feed
func NewMockFeedClient(feed database.FeedType) *MockFeedClient {
	return &MockFeedClient{Feed: feed}
}

// FeedType returns the mocked feed type
func (m *MockFeedClient) FeedType() database.FeedType {
	return m.Feed
}

// Fetch returns the canned batch or error
func (m *MockFeedClient) Fetch(ctx context.Context, agency *database.Agency) ([]feeds.RawRecord, error) {
	m.mu.Lock()
	m.fetches++
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Records, nil
}

// FetchCount returns how many times Fetch was called
func (m *MockFeedClient) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// WithRecords sets the canned batch
func (m *MockFeedClient) WithRecords(records ...feeds.RawRecord) *MockFeedClient {
	m.Records = records
	return m
}

// WithError makes every fetch fail
func (m *MockFeedClient) WithError(err error) *MockFeedClient {
	m.Err = err
	return m
}

// ========================================
// Mock Publisher
// ========================================

// MockPublisher records publish calls and can be made to fail
type MockPublisher struct {
	mu             sync.Mutex
	IncidentCalls  []string // incident UUIDs in call order
	AlertCalls     []string // alert UUIDs in call order
	FailUntil      int      // first N calls fail
	PermanentError error    // when set, every call fails

	calls int
}

// NewMockPublisher creates a mock publisher
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) record() error {
	m.calls++
	if m.PermanentError != nil {
		return m.PermanentError
	}
	if m.calls <= m.FailUntil {
		return &publishFailure{}
	}
	return nil
}

// PublishIncident records the call
func (m *MockPublisher) PublishIncident(ctx context.Context, agency *database.Agency, incident *database.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.record()
	if err == nil {
		m.IncidentCalls = append(m.IncidentCalls, incident.UUID)
	}
	return err
}

// PublishAlert records the call
func (m *MockPublisher) PublishAlert(ctx context.Context, agency *database.Agency, alert *database.WeatherAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.record()
	if err == nil {
		m.AlertCalls = append(m.AlertCalls, alert.UUID)
	}
	return err
}

// Calls returns the total number of publish attempts
func (m *MockPublisher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type publishFailure struct{}

func (e *publishFailure) Error() string {
	return "simulated publish failure"
}

// ========================================
// Assertion Helpers
// ========================================

// AssertEqual checks equality with a helpful error message
func AssertEqual(t *testing.T, expected, actual interface{}, msg string) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertNoError checks that no error occurred
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError checks that an error occurred
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error, got nil", msg)
	}
}

// MustCompleteWithin fails the test if the function takes longer than the timeout
func MustCompleteWithin(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("operation did not complete within %v", timeout)
	}
}

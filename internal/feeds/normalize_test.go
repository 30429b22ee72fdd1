package feeds

import (
	"errors"
	"testing"
	"time"

	"github.com/firewatch/firewatch/internal/database"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1420 N. Main St.", "1420 n main st"},
		{"1420 N MAIN ST APT 4", "1420 n main st"},
		{"1420  N   Main   St", "1420 n main st"},
		{"1420 N Main St, Unit B", "1420 n main st"},
		{"1420 N Main St Ste 200", "1420 n main st"},
		{"  800 Oak Ave  ", "800 oak ave"},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAddressVariantsConverge(t *testing.T) {
	variants := []string{
		"1420 N Main St",
		"1420 N MAIN ST",
		"1420 N. Main St. Apt 12",
	}
	first := NormalizeAddress(variants[0])
	for _, v := range variants[1:] {
		if NormalizeAddress(v) != first {
			t.Errorf("variant %q did not converge to %q", v, first)
		}
	}
}

func TestNormalizeIncident(t *testing.T) {
	raw := RawRecord{
		"id":          "CAD-42",
		"address":     "1420 N Main St",
		"call_type":   "sf",
		"received_at": "2026-08-30T14:05:00Z",
		"narrative":   "Smoke visible from street",
		"latitude":    44.95,
		"longitude":   -93.1,
	}
	n, err := NormalizeIncident(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ExternalID != "CAD-42" {
		t.Errorf("external id = %q", n.ExternalID)
	}
	if n.CallType != "SF" {
		t.Errorf("call type should upper-case, got %q", n.CallType)
	}
	if n.NormalizedAddress != "1420 n main st" {
		t.Errorf("normalized address = %q", n.NormalizedAddress)
	}
	if n.Latitude == nil || *n.Latitude != 44.95 {
		t.Error("latitude lost")
	}
	if n.Closed {
		t.Error("record without status should not be closed")
	}
}

func TestNormalizeIncidentMissingIdentityFields(t *testing.T) {
	base := func() RawRecord {
		return RawRecord{
			"address":     "1420 N Main St",
			"call_type":   "SF",
			"received_at": "2026-08-30T14:05:00Z",
		}
	}

	for _, field := range []string{"address", "call_type", "received_at"} {
		raw := base()
		delete(raw, field)
		_, err := NormalizeIncident(raw)
		var malformed *MalformedRecordError
		if !errors.As(err, &malformed) {
			t.Errorf("missing %s: expected MalformedRecordError, got %v", field, err)
			continue
		}
		if malformed.Field != field {
			t.Errorf("expected field %s in error, got %s", field, malformed.Field)
		}
	}
}

func TestNormalizeIncidentClosedStatus(t *testing.T) {
	raw := RawRecord{
		"address":     "1420 N Main St",
		"call_type":   "SF",
		"received_at": "2026-08-30T14:05:00Z",
		"status":      "cleared",
	}
	n, err := NormalizeIncident(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.Closed {
		t.Error("cleared status should close the record")
	}
}

func TestNormalizeIncidentEpochTimestamp(t *testing.T) {
	raw := RawRecord{
		"address":     "1420 N Main St",
		"call_type":   "SF",
		"received_at": float64(1756562700),
	}
	n, err := NormalizeIncident(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ReceivedAt.Unix() != 1756562700 {
		t.Errorf("epoch timestamp parsed wrong: %v", n.ReceivedAt)
	}
}

func TestNormalizeUnitsArrayShape(t *testing.T) {
	received := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)
	raw := RawRecord{
		"address":     "1420 N Main St",
		"call_type":   "SF",
		"received_at": received.Format(time.RFC3339),
		"units": []interface{}{
			map[string]interface{}{"unit_id": "E1", "status": "ons", "status_at": "2026-08-30T14:10:00Z"},
			map[string]interface{}{"unit": "M7", "status": "enr"},
		},
	}
	n, err := NormalizeIncident(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(n.Units))
	}
	if n.Units[0].Status != database.UnitPhaseOnScene {
		t.Errorf("E1 status = %s", n.Units[0].Status)
	}
	if n.Units[0].OnSceneAt == nil {
		t.Error("E1 on-scene timestamp missing")
	}
	// No status_at: timestamp falls back to the record's received time
	if n.Units[1].EnRouteAt == nil || !n.Units[1].EnRouteAt.Equal(received) {
		t.Error("M7 should fall back to received_at")
	}
}

func TestNormalizeUnitsLegacyMapShape(t *testing.T) {
	raw := RawRecord{
		"address":     "1420 N Main St",
		"call_type":   "SF",
		"received_at": "2026-08-30T14:05:00Z",
		"units": map[string]interface{}{
			"M7": "en_route",
			"E1": "on_scene",
		},
	}
	n, err := NormalizeIncident(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(n.Units))
	}
	if n.Units[0].UnitID != "E1" || n.Units[1].UnitID != "M7" {
		t.Errorf("legacy decode should order by id, got %s, %s", n.Units[0].UnitID, n.Units[1].UnitID)
	}
}

func TestNormalizeUnitStatus(t *testing.T) {
	tests := []struct {
		in   string
		want database.UnitPhase
	}{
		{"DSP", database.UnitPhaseDispatched},
		{"enr", database.UnitPhaseEnRoute},
		{"responding", database.UnitPhaseEnRoute},
		{"ONS", database.UnitPhaseOnScene},
		{"arrived", database.UnitPhaseOnScene},
		{"clr", database.UnitPhaseCleared},
		{"available", database.UnitPhaseCleared},
		{"garbage", database.UnitPhaseDispatched},
		{"", database.UnitPhaseDispatched},
	}
	for _, tt := range tests {
		if got := NormalizeUnitStatus(tt.in); got != tt.want {
			t.Errorf("NormalizeUnitStatus(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAlert(t *testing.T) {
	raw := RawRecord{
		"id":           "NWS-002",
		"event":        "Tornado Warning",
		"effective":    "2026-08-30T14:00:00Z",
		"expires":      "2026-08-30T15:00:00Z",
		"message_type": "Update",
		"severity":     "Extreme",
		"references":   []interface{}{"NWS-001"},
	}
	n, err := NormalizeAlert(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.MessageType != database.AlertMessageUpdate {
		t.Errorf("message type = %s", n.MessageType)
	}
	if len(n.PreviousIDs) != 1 || n.PreviousIDs[0] != "NWS-001" {
		t.Errorf("previous ids = %v", n.PreviousIDs)
	}
	if n.ExpiresAt == nil {
		t.Error("expiry lost")
	}
}

func TestNormalizeAlertDefaultsToAlertType(t *testing.T) {
	raw := RawRecord{
		"id":        "NWS-001",
		"event":     "Flood Watch",
		"effective": "2026-08-30T14:00:00Z",
	}
	n, err := NormalizeAlert(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.MessageType != database.AlertMessageAlert {
		t.Errorf("expected default Alert, got %s", n.MessageType)
	}
}

func TestNormalizeAlertMissingIdentity(t *testing.T) {
	_, err := NormalizeAlert(RawRecord{"event": "Flood Watch", "effective": "2026-08-30T14:00:00Z"})
	var malformed *MalformedRecordError
	if !errors.As(err, &malformed) || malformed.Field != "id" {
		t.Errorf("expected malformed id error, got %v", err)
	}
}

func TestExtractNestedValue(t *testing.T) {
	data := map[string]interface{}{
		"geometry": map[string]interface{}{"lat": 44.95},
	}
	if v := ExtractNestedValue(data, "geometry.lat"); v != 44.95 {
		t.Errorf("nested extract = %v", v)
	}
	if v := ExtractNestedValue(data, "geometry.missing"); v != nil {
		t.Errorf("expected nil, got %v", v)
	}
	if v := ExtractNestedValue(data, ""); v != nil {
		t.Errorf("empty path should be nil, got %v", v)
	}
}

package feeds

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/firewatch/firewatch/internal/database"
)

// NormalizedIncident is the canonical shape of a dispatch-feed record
type NormalizedIncident struct {
	ExternalID        string
	CallType          string
	Address           string
	NormalizedAddress string
	Latitude          *float64
	Longitude         *float64
	Units             []database.UnitStatusEntry
	Description       string
	Closed            bool
	ReceivedAt        time.Time
	ClosedAt          *time.Time
	RawPayload        map[string]interface{}
}

// NormalizedAlert is the canonical shape of a weather-feed record
type NormalizedAlert struct {
	ExternalID  string
	MessageType database.AlertMessageType
	PreviousIDs []string
	EventType   string
	Severity    string
	Urgency     string
	Certainty   string
	Headline    string
	Description string
	EffectiveAt time.Time
	ExpiresAt   *time.Time
	RawPayload  map[string]interface{}
}

// NormalizeIncident converts a raw dispatch record into the canonical shape.
// Missing optional fields map to zero values; it fails with
// *MalformedRecordError only when address, call type, or received time (the
// identity fields) are absent or the wrong shape.
func NormalizeIncident(raw RawRecord) (*NormalizedIncident, error) {
	address := ExtractString(raw, "address")
	if address == "" {
		return nil, &MalformedRecordError{Field: "address", Reason: "is missing"}
	}

	callType := strings.ToUpper(strings.TrimSpace(ExtractString(raw, "call_type")))
	if callType == "" {
		return nil, &MalformedRecordError{Field: "call_type", Reason: "is missing"}
	}

	receivedAt, ok := extractTime(raw, "received_at")
	if !ok {
		return nil, &MalformedRecordError{Field: "received_at", Reason: "is missing or not a timestamp"}
	}

	n := &NormalizedIncident{
		ExternalID:        ExtractString(raw, "id"),
		CallType:          callType,
		Address:           strings.TrimSpace(address),
		NormalizedAddress: NormalizeAddress(address),
		Description:       ExtractString(raw, "narrative"),
		ReceivedAt:        receivedAt,
		RawPayload:        raw,
	}

	n.Latitude = extractFloat(raw, "latitude")
	n.Longitude = extractFloat(raw, "longitude")

	status := strings.ToLower(ExtractString(raw, "status"))
	if status == "closed" || status == "cleared" {
		n.Closed = true
	}
	if closedAt, ok := extractTime(raw, "closed_at"); ok {
		n.Closed = true
		n.ClosedAt = &closedAt
	}

	n.Units = normalizeUnits(raw["units"], receivedAt)
	return n, nil
}

// NormalizeAlert converts a raw weather record into the canonical shape.
// Event type and effective time are the identity fields.
func NormalizeAlert(raw RawRecord) (*NormalizedAlert, error) {
	externalID := ExtractString(raw, "id")
	if externalID == "" {
		return nil, &MalformedRecordError{Field: "id", Reason: "is missing"}
	}

	eventType := ExtractString(raw, "event")
	if eventType == "" {
		return nil, &MalformedRecordError{Field: "event", Reason: "is missing"}
	}

	effectiveAt, ok := extractTime(raw, "effective")
	if !ok {
		return nil, &MalformedRecordError{Field: "effective", Reason: "is missing or not a timestamp"}
	}

	n := &NormalizedAlert{
		ExternalID:  externalID,
		MessageType: normalizeMessageType(ExtractString(raw, "message_type")),
		EventType:   eventType,
		Severity:    ExtractString(raw, "severity"),
		Urgency:     ExtractString(raw, "urgency"),
		Certainty:   ExtractString(raw, "certainty"),
		Headline:    ExtractString(raw, "headline"),
		Description: ExtractString(raw, "description"),
		EffectiveAt: effectiveAt,
		RawPayload:  raw,
	}

	if expiresAt, ok := extractTime(raw, "expires"); ok {
		n.ExpiresAt = &expiresAt
	}

	if prev, ok := raw["references"].([]interface{}); ok {
		for _, p := range prev {
			if s, ok := p.(string); ok && s != "" {
				n.PreviousIDs = append(n.PreviousIDs, s)
			}
		}
	}

	return n, nil
}

// unitSuffixPattern matches trailing unit/apartment designators that vary
// between reports of the same address
var unitSuffixPattern = regexp.MustCompile(`(?i)[,\s]+(apt|apartment|unit|ste|suite|rm|room|lot|bldg|#)[\s.]*[\w-]*\s*$`)

var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeAddress produces the matching projection of an address:
// lower-cased, unit/apartment suffix stripped, whitespace collapsed.
// Used only for merge-key computation, never displayed.
func NormalizeAddress(address string) string {
	addr := strings.ToLower(strings.TrimSpace(address))
	addr = unitSuffixPattern.ReplaceAllString(addr, "")
	addr = strings.ReplaceAll(addr, ".", "")
	addr = whitespacePattern.ReplaceAllString(addr, " ")
	return strings.TrimSpace(addr)
}

// unitStatusCodes maps CAD unit status codes to canonical phases
var unitStatusCodes = map[string]database.UnitPhase{
	"dsp": database.UnitPhaseDispatched, "dispatched": database.UnitPhaseDispatched,
	"ack": database.UnitPhaseAcknowledged, "acknowledged": database.UnitPhaseAcknowledged,
	"enr": database.UnitPhaseEnRoute, "en_route": database.UnitPhaseEnRoute,
	"enroute": database.UnitPhaseEnRoute, "responding": database.UnitPhaseEnRoute,
	"ons": database.UnitPhaseOnScene, "on_scene": database.UnitPhaseOnScene,
	"onscene": database.UnitPhaseOnScene, "arrived": database.UnitPhaseOnScene,
	"clr": database.UnitPhaseCleared, "cleared": database.UnitPhaseCleared,
	"av": database.UnitPhaseCleared, "available": database.UnitPhaseCleared,
}

// NormalizeUnitStatus maps a feed unit status string to a canonical phase.
// Unknown strings default to dispatched, the earliest phase.
func NormalizeUnitStatus(status string) database.UnitPhase {
	if phase, ok := unitStatusCodes[strings.ToLower(strings.TrimSpace(status))]; ok {
		return phase
	}
	return database.UnitPhaseDispatched
}

// normalizeUnits decodes the heterogeneous unit shapes feeds produce: an
// ordered array of unit objects, or a legacy flat map of unit id to status.
func normalizeUnits(v interface{}, fallbackTime time.Time) []database.UnitStatusEntry {
	switch units := v.(type) {
	case []interface{}:
		entries := make([]database.UnitStatusEntry, 0, len(units))
		for _, u := range units {
			m, ok := u.(map[string]interface{})
			if !ok {
				continue
			}
			id := ExtractString(m, "unit_id")
			if id == "" {
				id = ExtractString(m, "unit")
			}
			if id == "" {
				continue
			}
			entry := database.UnitStatusEntry{
				UnitID: id,
				Status: NormalizeUnitStatus(ExtractString(m, "status")),
			}
			if ts, ok := extractTime(m, "status_at"); ok {
				if slot := entry.TimestampFor(entry.Status); slot != nil {
					*slot = &ts
				}
			} else if slot := entry.TimestampFor(entry.Status); slot != nil {
				t := fallbackTime
				*slot = &t
			}
			entries = append(entries, entry)
		}
		return entries
	case map[string]interface{}:
		entries := make([]database.UnitStatusEntry, 0, len(units))
		for id, status := range units {
			s, _ := status.(string)
			entry := database.UnitStatusEntry{UnitID: id, Status: NormalizeUnitStatus(s)}
			if slot := entry.TimestampFor(entry.Status); slot != nil {
				t := fallbackTime
				*slot = &t
			}
			entries = append(entries, entry)
		}
		sortEntries(entries)
		return entries
	}
	return nil
}

func sortEntries(entries []database.UnitStatusEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UnitID < entries[j].UnitID
	})
}

// normalizeMessageType maps a raw message type to the canonical enum,
// defaulting to Alert
func normalizeMessageType(s string) database.AlertMessageType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "update":
		return database.AlertMessageUpdate
	case "cancel":
		return database.AlertMessageCancel
	default:
		return database.AlertMessageAlert
	}
}

// ExtractNestedValue extracts a value using dot notation (e.g., "geometry.lat")
func ExtractNestedValue(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}

	parts := strings.Split(path, ".")
	current := interface{}(data)

	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[part]
		case map[string]string:
			current = v[part]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}

	return current
}

// ExtractString extracts a string value using dot notation
func ExtractString(data map[string]interface{}, path string) string {
	val := ExtractNestedValue(data, path)
	if val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// extractFloat extracts a numeric field as *float64, nil when absent
func extractFloat(data map[string]interface{}, path string) *float64 {
	switch v := ExtractNestedValue(data, path).(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}

// extractTime parses a timestamp field. Accepts RFC3339 strings and Unix
// epoch seconds (the two formats the upstream feeds produce).
func extractTime(data map[string]interface{}, path string) (time.Time, bool) {
	switch v := ExtractNestedValue(data, path).(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	case float64:
		if v > 0 {
			return time.Unix(int64(v), 0).UTC(), true
		}
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// UnitPhase is a responding unit's dispatch phase
type UnitPhase string

const (
	UnitPhaseDispatched   UnitPhase = "dispatched"
	UnitPhaseAcknowledged UnitPhase = "acknowledged"
	UnitPhaseEnRoute      UnitPhase = "en_route"
	UnitPhaseOnScene      UnitPhase = "on_scene"
	UnitPhaseCleared      UnitPhase = "cleared"
)

// phaseOrder defines the monotonic progression of unit phases
var phaseOrder = map[UnitPhase]int{
	UnitPhaseDispatched:   1,
	UnitPhaseAcknowledged: 2,
	UnitPhaseEnRoute:      3,
	UnitPhaseOnScene:      4,
	UnitPhaseCleared:      5,
}

// PhaseRank returns the ordering rank of a phase (0 for unknown)
func PhaseRank(p UnitPhase) int {
	return phaseOrder[p]
}

// KnownPhases returns all phases in progression order
func KnownPhases() []UnitPhase {
	return []UnitPhase{
		UnitPhaseDispatched,
		UnitPhaseAcknowledged,
		UnitPhaseEnRoute,
		UnitPhaseOnScene,
		UnitPhaseCleared,
	}
}

// UnitStatusEntry is one responding unit's timeline within an incident.
// Owned exclusively by its parent incident, never shared.
type UnitStatusEntry struct {
	UnitID         string     `json:"unit_id"`
	Status         UnitPhase  `json:"status"`
	DispatchedAt   *time.Time `json:"dispatched_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	EnRouteAt      *time.Time `json:"en_route_at,omitempty"`
	OnSceneAt      *time.Time `json:"on_scene_at,omitempty"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty"`
}

// TimestampFor returns a pointer to the timestamp field for the given phase
func (u *UnitStatusEntry) TimestampFor(p UnitPhase) **time.Time {
	switch p {
	case UnitPhaseDispatched:
		return &u.DispatchedAt
	case UnitPhaseAcknowledged:
		return &u.AcknowledgedAt
	case UnitPhaseEnRoute:
		return &u.EnRouteAt
	case UnitPhaseOnScene:
		return &u.OnSceneAt
	case UnitPhaseCleared:
		return &u.ClearedAt
	}
	return nil
}

// Active reports whether the unit is still committed to the incident
func (u *UnitStatusEntry) Active() bool {
	return u.Status != UnitPhaseCleared
}

// UnitList is the ordered list of responding units stored as a JSONB column.
//
// Two historical shapes exist in stored data: the current ordered array of
// UnitStatusEntry objects, and a legacy flat map of unit id to status string.
// Scan decodes both into the canonical array shape so nothing deeper in the
// engine ever branches on shape. Value always writes the array shape.
type UnitList []UnitStatusEntry

// Scan implements the sql.Scanner interface
func (l *UnitList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, isStr := value.(string)
		if !isStr {
			return errors.New("type assertion to []byte failed")
		}
		bytes = []byte(s)
	}
	if len(bytes) == 0 {
		*l = nil
		return nil
	}

	var entries []UnitStatusEntry
	if err := json.Unmarshal(bytes, &entries); err == nil {
		*l = entries
		return nil
	}

	// Legacy shape: {"E1": "on_scene", "M7": "en_route"}
	var legacy map[string]string
	if err := json.Unmarshal(bytes, &legacy); err != nil {
		return err
	}
	entries = make([]UnitStatusEntry, 0, len(legacy))
	for id, status := range legacy {
		entries = append(entries, UnitStatusEntry{UnitID: id, Status: UnitPhase(status)})
	}
	sortUnits(entries)
	*l = entries
	return nil
}

// Value implements the driver.Valuer interface
func (l UnitList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]UnitStatusEntry{})
	}
	return json.Marshal([]UnitStatusEntry(l))
}

// ActiveCount returns the number of units that have not cleared
func (l UnitList) ActiveCount() int {
	count := 0
	for i := range l {
		if l[i].Active() {
			count++
		}
	}
	return count
}

// Find returns the entry for a unit id, or nil
func (l UnitList) Find(unitID string) *UnitStatusEntry {
	for i := range l {
		if l[i].UnitID == unitID {
			return &l[i]
		}
	}
	return nil
}

// UnitIDs returns the ordered unit identifiers
func (l UnitList) UnitIDs() []string {
	ids := make([]string, len(l))
	for i := range l {
		ids[i] = l[i].UnitID
	}
	return ids
}

// sortUnits orders entries by unit id for a stable legacy-map decode
func sortUnits(entries []UnitStatusEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UnitID < entries[j].UnitID
	})
}

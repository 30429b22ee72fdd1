package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/feeds"
)

// IncidentMergeKey computes the stable identity of a real-world dispatch
// event. Two reports match when they share agency, normalized address, call
// type, and time bucket, so a second report of the same fire minutes later
// resolves to the first, while an unrelated call at the same address a day
// later does not. The bucket width is agency-level configuration.
func IncidentMergeKey(agencyID uint, normalizedAddress, callType string, receivedAt time.Time, window time.Duration) string {
	if window <= 0 {
		window = 30 * time.Minute
	}
	bucket := receivedAt.UTC().Truncate(window).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%d", agencyID, normalizedAddress, callType, bucket)))
	return hex.EncodeToString(sum[:16])
}

// ResolveIncidentTarget picks the existing active record an incoming record
// maps onto. Candidates share the merge key; the tie-break when several do
// is the most recent callReceivedAt. Returns nil when the incoming record
// is new. Candidates are expected most-recent-first (the order
// IncidentsByMergeKey returns).
func ResolveIncidentTarget(candidates []database.Incident) *database.Incident {
	if len(candidates) == 0 {
		return nil
	}
	best := &candidates[0]
	for i := 1; i < len(candidates); i++ {
		if candidates[i].CallReceivedAt.After(best.CallReceivedAt) {
			best = &candidates[i]
		}
	}
	return best
}

// ErrCyclicAlertChain marks an alert whose previous-ids chain references its
// own id. The record is rejected rather than persisted.
var ErrCyclicAlertChain = fmt.Errorf("alert update chain references its own id")

// ValidateAlertChain enforces the append-only, acyclic chain invariant
func ValidateAlertChain(n *feeds.NormalizedAlert) error {
	for _, prev := range n.PreviousIDs {
		if prev == n.ExternalID {
			return ErrCyclicAlertChain
		}
	}
	return nil
}

// ResolveAlertTargets finds the persisted alerts an incoming revision maps
// onto. A record whose external id matches outright is a re-poll of the same
// revision and wins over everything else. Otherwise every record referenced
// by the incoming previous-ids chain is a predecessor the revision
// supersedes; an Update can consolidate several live alerts at once. Address
// and time play no part for weather alerts.
func ResolveAlertTargets(existing []database.WeatherAlert, n *feeds.NormalizedAlert) (same *database.WeatherAlert, predecessors []*database.WeatherAlert) {
	for i := range existing {
		if existing[i].ExternalID == n.ExternalID {
			return &existing[i], nil
		}
	}
	seen := make(map[uint]bool)
	for _, prev := range n.PreviousIDs {
		for i := range existing {
			if existing[i].ExternalID == prev && !seen[existing[i].ID] {
				seen[existing[i].ID] = true
				predecessors = append(predecessors, &existing[i])
			}
		}
	}
	return nil, predecessors
}

package services

import "github.com/firewatch/firewatch/internal/database"

// ApplyUnitUpdates merges an incoming poll's unit list into the recorded
// one. Pure function, the reconciler calls it instead of overwriting the
// unit column so a late batch cannot clobber concurrently applied updates.
//
// Rules, ordered by phase rank rather than arrival order:
//   - an update reporting an earlier phase than the recorded one backfills
//     any missing timestamp for that phase but never regresses the displayed
//     status;
//   - an equal or later phase advances status and timestamp normally;
//   - a unit absent from the incoming list is left untouched (feed omission
//     is not units-cleared); only an explicit cleared status retires a unit.
func ApplyUnitUpdates(current database.UnitList, incoming []database.UnitStatusEntry) (database.UnitList, bool) {
	changed := false
	merged := make(database.UnitList, len(current))
	copy(merged, current)

	for _, in := range incoming {
		existing := merged.Find(in.UnitID)
		if existing == nil {
			entry := in
			merged = append(merged, entry)
			changed = true
			continue
		}

		if mergeTimestamps(existing, &in) {
			changed = true
		}

		if database.PhaseRank(in.Status) >= database.PhaseRank(existing.Status) &&
			in.Status != existing.Status {
			existing.Status = in.Status
			changed = true
		}
	}

	return merged, changed
}

// mergeTimestamps backfills phase timestamps the recorded entry is missing
func mergeTimestamps(existing *database.UnitStatusEntry, in *database.UnitStatusEntry) bool {
	changed := false
	for _, phase := range database.KnownPhases() {
		src := in.TimestampFor(phase)
		dst := existing.TimestampFor(phase)
		if src == nil || dst == nil {
			continue
		}
		if *src != nil && *dst == nil {
			*dst = *src
			changed = true
		}
	}
	return changed
}

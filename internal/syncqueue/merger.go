// Package syncqueue implements the merge rule and the merging blocking
// queue that absorbs sync requests ahead of the strategies (spec 4.2/4.3).
package syncqueue

import "shadowsync/internal/shadow"

// Outcome is the result of merging an incoming request against whatever is
// already queued for the same key.
type Outcome int

const (
	// OutcomeDrop discards incoming; existing is kept unchanged.
	OutcomeDrop Outcome = iota
	// OutcomeReplace discards existing; incoming takes its queue slot.
	OutcomeReplace
	// OutcomeKeep discards incoming; existing is kept unchanged (distinct
	// from Drop only in the rationale: existing already supersedes
	// incoming rather than merely being newer).
	OutcomeKeep
)

// Merge implements the table of spec 4.2: a pure function of the two
// requests' tags. Same-side successive requests collapse to the newest;
// opposite-side requests are promoted to a FullShadow since neither side
// can locally resolve the other's conflicting change; a pending FullShadow
// or Overwrite* already supersedes anything behind it.
//
// The merger does not consult Direction; forbidden-direction requests are
// filtered by the Handler before they ever reach the queue (spec 4.2
// "Direction gate").
func Merge(existing, incoming shadow.Request) (Outcome, shadow.Request) {
	et, it := existing.Tag(), incoming.Tag()

	if et == shadow.TagFullShadow || et == shadow.TagOverwriteLocal || et == shadow.TagOverwriteCloud {
		return OutcomeKeep, existing
	}

	switch et {
	case shadow.TagLocalUpdate:
		switch it {
		case shadow.TagLocalUpdate, shadow.TagLocalDelete:
			return OutcomeReplace, incoming
		default:
			return OutcomeReplace, shadow.FullShadow{K: existing.Key()}
		}

	case shadow.TagLocalDelete:
		switch it {
		case shadow.TagLocalUpdate:
			return OutcomeReplace, incoming
		case shadow.TagLocalDelete:
			return OutcomeDrop, existing
		default:
			return OutcomeReplace, shadow.FullShadow{K: existing.Key()}
		}

	case shadow.TagCloudUpdate:
		switch it {
		case shadow.TagCloudUpdate, shadow.TagCloudDelete:
			return OutcomeReplace, incoming
		default:
			return OutcomeReplace, shadow.FullShadow{K: existing.Key()}
		}

	case shadow.TagCloudDelete:
		switch it {
		case shadow.TagCloudUpdate:
			return OutcomeReplace, incoming
		case shadow.TagCloudDelete:
			return OutcomeDrop, existing
		default:
			return OutcomeReplace, shadow.FullShadow{K: existing.Key()}
		}
	}

	// Unreachable for the seven known tags; treat an unrecognized existing
	// tag as superseded rather than silently dropping incoming.
	return OutcomeReplace, incoming
}

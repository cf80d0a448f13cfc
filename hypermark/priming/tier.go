// Package priming loads large bookmark collections into a fresh replica
// without freezing the device: records are ranked by how likely the user is
// to need them, a small first page is applied synchronously and the rest
// streams in the background, yielding to pause, cancellation and memory
// pressure.
package priming

import (
	"sort"
	"time"

	"github.com/pheuberger/hypermark-sub001/hypermark/ledger"
)

// Tier ranks how soon a record should be available after a fresh sync.
type Tier int

const (
	TierCritical Tier = iota // pinned
	TierHigh                 // recently active, read-later, or heavily tagged
	TierMedium               // touched within a month
	TierLow
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

const (
	highWindow   = 7 * 24 * time.Hour
	mediumWindow = 30 * 24 * time.Hour
	highTagCount = 3
)

// Classify assigns a load tier as of now.
func Classify(b ledger.Bookmark, now time.Time) Tier {
	if b.Pinned {
		return TierCritical
	}
	if b.ReadLater || len(b.Tags) >= highTagCount || now.Sub(b.UpdatedAt) <= highWindow {
		return TierHigh
	}
	if now.Sub(b.UpdatedAt) <= mediumWindow {
		return TierMedium
	}
	return TierLow
}

// Order returns records sorted for loading: tier first, most recently
// updated first within a tier. The input is not modified.
func Order(records []ledger.Bookmark, now time.Time) []ledger.Bookmark {
	out := append([]ledger.Bookmark(nil), records...)
	tiers := make(map[string]Tier, len(out))
	for _, b := range out {
		tiers[b.ID] = Classify(b, now)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := tiers[out[i].ID], tiers[out[j].ID]
		if ti != tj {
			return ti < tj
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Package ledger maintains the bookmark collection as a convergent
// replicated map. Local edits and relay-transported remote events merge with
// deterministic last-writer-wins resolution; applying the same event set in
// any order yields the same collection on every device.
package ledger

import "time"

// Bookmark is one record of the collection. Records are replaced whole on
// every write; there are no partial field updates on the wire. UpdatedAt is
// the authoritative ordering field for conflict resolution.
type Bookmark struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Favicon     string    `json:"favicon,omitempty"`
	Preview     string    `json:"preview,omitempty"`
	ReadLater   bool      `json:"read_later,omitempty"`
	Pinned      bool      `json:"pinned,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// Clone returns a deep copy.
func (b Bookmark) Clone() Bookmark {
	out := b
	if b.Tags != nil {
		out.Tags = append([]string(nil), b.Tags...)
	}
	return out
}

package ledger

// StateVector summarizes how much of each device's edit history an engine
// has observed: device id to highest sequence number seen. Two engines
// exchange state vectors to compute the minimal set of changes the other is
// missing.
type StateVector map[string]uint64

// Clone returns a copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Includes reports whether sv has observed the given change.
func (sv StateVector) Includes(device string, seq uint64) bool {
	return sv[device] >= seq
}

// Origin tags where a mutation came from. Transport-applied changes are
// tagged so the observer that drives outbound publishing can skip them;
// republishing a change that was just received would loop forever between
// devices.
type Origin int

const (
	OriginLocal Origin = iota
	OriginTransport
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Change is one accepted mutation: either a whole-record snapshot or a
// deletion. Device and Seq identify the writing device's position in its own
// history; they drive state-vector diffing.
type Change struct {
	Bookmark Bookmark `json:"bookmark"`
	Deleted  bool     `json:"deleted"`
	Origin   Origin   `json:"-"`
	Device   string   `json:"device"`
	Seq      uint64   `json:"seq"`
}

package chunkcache

// State is the primary lifecycle state of one chunk identity. Obsolete is
// tracked separately as a flag on requested or loaded chunks.
type State int

const (
	NotTracked State = iota
	PendingNotYetRequested
	PendingAlreadyRequested
	Loaded
)

func (s State) String() string {
	switch s {
	case NotTracked:
		return "NOT_TRACKED"
	case PendingNotYetRequested:
		return "PENDING_NOT_YET_REQUESTED"
	case PendingAlreadyRequested:
		return "PENDING_ALREADY_REQUESTED"
	case Loaded:
		return "LOADED"
	default:
		return "UNKNOWN"
	}
}

package tokenquota

// Phase is a state of the per-request admission state machine.
type Phase int

const (
	PhaseEstimating Phase = iota
	PhasePreChecking
	PhaseInvoking
	PhaseReconciling

	// Terminal phases.
	PhaseCompleted
	PhaseRejected
	PhaseFailed
	PhaseUnreconciled
)

// Terminal reports whether no further transition follows p.
func (p Phase) Terminal() bool {
	return p >= PhaseCompleted
}

func (p Phase) String() string {
	switch p {
	case PhaseEstimating:
		return "estimating"
	case PhasePreChecking:
		return "prechecking"
	case PhaseInvoking:
		return "invoking"
	case PhaseReconciling:
		return "reconciling"
	case PhaseCompleted:
		return "completed"
	case PhaseRejected:
		return "rejected"
	case PhaseFailed:
		return "failed"
	case PhaseUnreconciled:
		return "unreconciled"
	default:
		return "unknown"
	}
}

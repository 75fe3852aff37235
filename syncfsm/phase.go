// Package syncfsm drives Initial Block Download through a fixed phase
// sequence — IDLE, HEADERS, DOWNLOAD, DRAIN, VALIDATE, FLUSH, PRUNE —
// coordinating the download manager, block store, chunk validator,
// availability tracker, and chainstate database.
package syncfsm

// Phase identifies the sync manager's current stage of the IBD loop.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseHeaders
	PhaseDownload
	PhaseDrain
	PhaseValidate
	PhaseFlush
	PhasePrune
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHeaders:
		return "headers"
	case PhaseDownload:
		return "download"
	case PhaseDrain:
		return "drain"
	case PhaseValidate:
		return "validate"
	case PhaseFlush:
		return "flush"
	case PhasePrune:
		return "prune"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

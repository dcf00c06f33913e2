package upgrade

// State is the orchestrator's view of one service during a run:
// Pending, Upgrading, then Upgraded and Finished, or Failed at any point.
type State int

const (
	Pending State = iota
	Upgrading
	Upgraded
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Upgrading:
		return "upgrading"
	case Upgraded:
		return "upgraded"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

package worker

import "fmt"

// Kind classifies how a worker execution ended.
type Kind int

const (
	// Completed means the worker exited cleanly.
	Completed Kind = iota
	// VersionFault means the worker reported that it is stale.
	VersionFault
	// Interrupted means the supervisor was asked to stop while the worker ran.
	Interrupted
	// Failed is any other termination.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case VersionFault:
		return "version_fault"
	case Interrupted:
		return "interrupted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one worker execution.
type Outcome struct {
	Kind     Kind
	ExitCode int
	// Err carries the details for VersionFault and Failed outcomes.
	Err error
}

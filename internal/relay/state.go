package relay

import "fmt"

// State is the lifecycle position of one relay request.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateRangeParsed
	StateStreaming
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	"idle", "resolving", "range_parsed", "streaming", "completed", "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:        {StateResolving, StateFailed},
	StateResolving:   {StateRangeParsed, StateFailed},
	StateRangeParsed: {StateStreaming, StateFailed},
	StateStreaming:   {StateCompleted, StateFailed},
}

// Machine tracks one request through Idle, Resolving, RangeParsed, Streaming
// and a terminal state. It is not safe for concurrent use; each request owns
// its own Machine.
type Machine struct {
	state      State
	failedFrom State
	bytesWrote bool
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

func (m *Machine) State() State { return m.state }

// To moves the machine to next. Transitions out of terminal states and
// skipped steps are rejected.
func (m *Machine) To(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			if next == StateFailed {
				m.failedFrom = m.state
			}
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("relay: invalid transition %s -> %s", m.state, next)
}

// Fail moves a non-terminal machine to Failed. It reports false when the
// machine already finished.
func (m *Machine) Fail() bool {
	return m.To(StateFailed) == nil
}

// MarkBytesWritten records that response body bytes reached the client.
func (m *Machine) MarkBytesWritten() { m.bytesWrote = true }

// FailedFrom is the state the machine was in when it failed.
func (m *Machine) FailedFrom() State { return m.failedFrom }

// FailedMidStream reports a failure after body bytes were written, which
// can no longer change the response status.
func (m *Machine) FailedMidStream() bool {
	return m.state == StateFailed && m.bytesWrote
}

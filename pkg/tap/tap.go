package tap

import "fmt"

// State identifies one of the 16 IEEE 1149.1 TAP controller states.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR
	numStates
)

var stateNames = [numStates]string{
	"TestLogicReset", "RunTestIdle", "SelectDRScan", "CaptureDR", "ShiftDR",
	"Exit1DR", "PauseDR", "Exit2DR", "UpdateDR", "SelectIRScan", "CaptureIR",
	"ShiftIR", "Exit1IR", "PauseIR", "Exit2IR", "UpdateIR",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func validState(s State) bool { return s < numStates }

// Sequence is a TMS drive pattern and the run of TAP states it produces,
// as returned by StateMachine's Reset and GoTo.
type Sequence struct {
	TMS    []bool
	States []State
}

// NextState applies one TCK edge at the given TMS level to the IEEE 1149.1
// state diagram and returns the resulting state. It panics if current is
// outside the 16 states this package defines.
func NextState(current State, tms bool) State {
	switch current {
	case StateTestLogicReset:
		if tms {
			return StateTestLogicReset
		}
		return StateRunTestIdle
	case StateRunTestIdle:
		if tms {
			return StateSelectDRScan
		}
		return StateRunTestIdle
	case StateSelectDRScan:
		if tms {
			return StateSelectIRScan
		}
		return StateCaptureDR
	case StateCaptureDR:
		if tms {
			return StateExit1DR
		}
		return StateShiftDR
	case StateShiftDR:
		if tms {
			return StateExit1DR
		}
		return StateShiftDR
	case StateExit1DR:
		if tms {
			return StateUpdateDR
		}
		return StatePauseDR
	case StatePauseDR:
		if tms {
			return StateExit2DR
		}
		return StatePauseDR
	case StateExit2DR:
		if tms {
			return StateUpdateDR
		}
		return StateShiftDR
	case StateUpdateDR:
		if tms {
			return StateSelectDRScan
		}
		return StateRunTestIdle
	case StateSelectIRScan:
		if tms {
			return StateTestLogicReset
		}
		return StateCaptureIR
	case StateCaptureIR:
		if tms {
			return StateExit1IR
		}
		return StateShiftIR
	case StateShiftIR:
		if tms {
			return StateExit1IR
		}
		return StateShiftIR
	case StateExit1IR:
		if tms {
			return StateUpdateIR
		}
		return StatePauseIR
	case StatePauseIR:
		if tms {
			return StateExit2IR
		}
		return StatePauseIR
	case StateExit2IR:
		if tms {
			return StateUpdateIR
		}
		return StateShiftIR
	case StateUpdateIR:
		if tms {
			return StateSelectDRScan
		}
		return StateRunTestIdle
	default:
		panic(fmt.Sprintf("tap: state %d out of range", current))
	}
}

// StateMachine tracks a TAP controller's state without touching a wire:
// a caller clocks it with the same TMS bit it sends to the real target, in
// lockstep, so the tracked state always mirrors the hardware's.
type StateMachine struct {
	current State
}

// NewStateMachine returns a machine starting in Test-Logic-Reset, the
// state every compliant TAP powers up in.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateTestLogicReset}
}

// State reports where the machine currently sits.
func (m *StateMachine) State() State {
	return m.current
}

// Clock advances one TCK edge at the given TMS level and returns the
// resulting state.
func (m *StateMachine) Clock(tms bool) State {
	m.current = NextState(m.current, tms)
	return m.current
}

// Reset drives five TMS=1 edges, the IEEE-recommended way to force
// Test-Logic-Reset from any starting state, and returns the sequence so a
// caller can replay the same edges against real hardware.
func (m *StateMachine) Reset() Sequence {
	seq := Sequence{TMS: make([]bool, 5), States: make([]State, 6)}
	seq.States[0] = m.current
	for i := range seq.TMS {
		seq.TMS[i] = true
		seq.States[i+1] = m.Clock(true)
	}
	return seq
}

// GoTo walks the shortest TMS path from the current state to target,
// advancing the machine and returning the path taken.
func (m *StateMachine) GoTo(target State) (Sequence, error) {
	path, err := shortestPath(m.current, target)
	if err != nil {
		return Sequence{}, err
	}
	for _, bit := range path.TMS {
		m.Clock(bit)
	}
	return path, nil
}

// shortestPath breadth-first searches the 16-state diagram for the
// minimal TMS sequence from one state to another. Every state has exactly
// two outgoing edges, so the search space is tiny and BFS is instant.
func shortestPath(from, to State) (Sequence, error) {
	if !validState(from) {
		return Sequence{}, fmt.Errorf("tap: invalid start state %d", from)
	}
	if !validState(to) {
		return Sequence{}, fmt.Errorf("tap: invalid target state %d", to)
	}
	if from == to {
		return Sequence{States: []State{from}}, nil
	}

	type frontier struct {
		state  State
		tms    []bool
		states []State
	}

	queue := []frontier{{state: from, states: []State{from}}}
	seen := map[State]bool{from: true}

	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]

		for _, bit := range [2]bool{false, true} {
			next := NextState(head.state, bit)
			if seen[next] {
				continue
			}

			tms := append(append([]bool{}, head.tms...), bit)
			states := append(append([]State{}, head.states...), next)

			if next == to {
				return Sequence{TMS: tms, States: states}, nil
			}

			seen[next] = true
			queue = append(queue, frontier{state: next, tms: tms, states: states})
		}
	}

	return Sequence{}, fmt.Errorf("tap: no path from %s to %s", from, to)
}

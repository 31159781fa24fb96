package rx

import "fmt"

// StateKind names a synchronizer state.
type StateKind int

const (
	StateWait StateKind = iota
	StateEnergyInit
	StateEnergy
	StateDelayCorrelate
	StateSkip
	StateLog
	StateCFOInit
	StateCFO
	StateMeasureH
	StateDone
)

func (k StateKind) String() string {
	switch k {
	case StateWait:
		return "WAIT"
	case StateEnergyInit:
		return "ENERGY_INIT"
	case StateEnergy:
		return "ENERGY"
	case StateDelayCorrelate:
		return "DELAY_CORRELATE"
	case StateSkip:
		return "SKIP"
	case StateLog:
		return "LOG"
	case StateCFOInit:
		return "CFO_INIT"
	case StateCFO:
		return "CFO"
	case StateMeasureH:
		return "MEASURE_H"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("STATE(%d)", int(k))
	}
}

// state is implemented by one struct per state kind. Each carries only the
// counters its state needs.
type state interface {
	kind() StateKind
}

type waitState struct{ seen int }

type energyInitState struct{ counter int }

type energyState struct{ warned bool }

type delayCorrState struct {
	counter int
	corr    complex128
	b       float64
}

type skipState struct {
	counter int
	total   int
	next    state
}

type logState struct{}

type cfoInitState struct{ counter int }

type cfoState struct {
	counter int
	cur     int
	syms    int
	corr    complex128
	sum     float64
}

// measureState walks symbols within a transmitter block, blocks within a
// chunk, and chunks.
type measureState struct {
	counter int
	sym     int
	pos     int
	chunk   int
	cfo     float64
}

type doneState struct{}

func (*waitState) kind() StateKind       { return StateWait }
func (*energyInitState) kind() StateKind { return StateEnergyInit }
func (*energyState) kind() StateKind     { return StateEnergy }
func (*delayCorrState) kind() StateKind  { return StateDelayCorrelate }
func (*skipState) kind() StateKind       { return StateSkip }
func (*logState) kind() StateKind        { return StateLog }
func (*cfoInitState) kind() StateKind    { return StateCFOInit }
func (*cfoState) kind() StateKind        { return StateCFO }
func (*measureState) kind() StateKind    { return StateMeasureH }
func (*doneState) kind() StateKind       { return StateDone }

package trigger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State uint8

const (
	StateIdle State = iota
	StateArmed1
	StateArmed2
	StateTriggered
	StateStreaming
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed1:
		return "armed1"
	case StateArmed2:
		return "armed2"
	case StateTriggered:
		return "triggered"
	case StateStreaming:
		return "streaming"
	case StateAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateAborting; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown plan state %q", b)
}

// Active is true while a trigger plan is running.
func (s State) Active() bool {
	return s != StateIdle
}

// StatusByte is the device status summary delivered by the session layer.
type StatusByte uint8

const (
	StatusBufferAvailable  StatusByte = 1 << 0
	StatusArm1Satisfied    StatusByte = 1 << 1
	StatusErrorAvailable   StatusByte = 1 << 2
	StatusArm2Satisfied    StatusByte = 1 << 3
	StatusMessageAvailable StatusByte = 1 << 4
	StatusEventSummary     StatusByte = 1 << 5
	StatusServiceRequest   StatusByte = 1 << 6
	StatusTriggered        StatusByte = 1 << 7
)

func (b StatusByte) Has(bit StatusByte) bool {
	return b&bit != 0
}

func (b StatusByte) String() string {
	return fmt.Sprintf("0x%02X", uint8(b))
}

// PointIndex is a buffer point index; NoPoint renders as "-".
type PointIndex int64

const NoPoint PointIndex = -1

func (p PointIndex) String() string {
	if p < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", int64(p))
}

// Counters track buffer streaming progress. They reset to (0,-,-) whenever
// the coordinator enters Armed1.
type Counters struct {
	Buffers    uint64     `json:"buffers"`
	FirstPoint PointIndex `json:"first_point"`
	LastPoint  PointIndex `json:"last_point"`
}

func ResetCounters() Counters {
	return Counters{FirstPoint: NoPoint, LastPoint: NoPoint}
}

func (c Counters) String() string {
	return fmt.Sprintf("(%d,%s,%s)", c.Buffers, c.FirstPoint, c.LastPoint)
}

// Transition is published for every committed state change.
type Transition struct {
	RunID  uuid.UUID `json:"run_id"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Snapshot is an immutable view for display; reading it never blocks.
type Snapshot struct {
	State           State        `json:"state"`
	RunID           uuid.UUID    `json:"run_id"`
	Counters        Counters     `json:"counters"`
	StreamRequested bool         `json:"stream_requested"`
	Stream          StreamConfig `json:"stream"`
	Plan            Plan         `json:"plan"`
	InFlight        string       `json:"in_flight,omitempty"`
	Attached        bool         `json:"attached"`
	LastError       string       `json:"last_error,omitempty"`
}

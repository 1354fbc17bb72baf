// Package intervention assembles speaker interventions from transcript fragments.
package intervention

import "fmt"

// State is the assembly state of one bot session.
//
//	IDLE ──fragment──→ OPEN(speaker)
//	OPEN ──same speaker──→ OPEN (merge, timer reset)
//	OPEN ──other speaker──→ finalize, OPEN(other)
//	OPEN ──idle timeout | final fragment | flush | limit──→ IDLE
type State int

const (
	// StateIdle - no open intervention.
	StateIdle State = iota
	// StateOpen - one intervention is accumulating fragments.
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Reason records why an intervention was finalized.
type Reason string

const (
	ReasonIdle          Reason = "idle"
	ReasonFinal         Reason = "final"
	ReasonSpeakerChange Reason = "speaker_change"
	ReasonManual        Reason = "manual"
	ReasonCallEnded     Reason = "call_ended"
	ReasonLimit         Reason = "limit"
	ReasonShutdown      Reason = "shutdown"
)

// EventKind distinguishes emitted events.
type EventKind int

const (
	// EventUpdated - an accepted fragment changed (or opened) the intervention.
	EventUpdated EventKind = iota
	// EventFinalized - the intervention is closed. Emitted exactly once.
	EventFinalized
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

package app

import "github.com/peercall/peercall/internal/domain"

// State is the controller's position in the call lifecycle.
type State int

const (
	StateIdle State = iota
	// StateOffering covers peer-connection setup and offer creation.
	StateOffering
	// StateAwaitingAnswer means the record is published and ringing remotely.
	StateAwaitingAnswer
	// StateRinging means a remote offer is pending locally.
	StateRinging
	// StateAnswering covers answer negotiation after AnswerCall.
	StateAnswering
	StateActive
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateRinging:
		return "ringing"
	case StateAnswering:
		return "answering"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Snapshot is the observable controller state handed to the UI layer.
// Call records are deep copies; holders may keep them.
type Snapshot struct {
	State        State        `json:"-"`
	StateName    string       `json:"state"`
	IsInCall     bool         `json:"isInCall"`
	CurrentCall  *domain.Call `json:"currentCall,omitempty"`
	IncomingCall *domain.Call `json:"incomingCall,omitempty"`
}

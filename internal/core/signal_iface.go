package core

import (
	"context"
	"time"

	"github.com/peercall/peercall/internal/domain"
)

// SignalEvents receives remote-originated call events after the signaling
// layer's dedup pass. Callbacks fire from watch goroutines with no ordering
// guarantee across events; the consumer is responsible for funneling them
// into its own execution context.
type SignalEvents interface {
	OnIncomingCall(call *domain.Call)
	OnRemoteAnswer(id domain.CallID, sdp string)
	OnRemoteCandidate(id domain.CallID, c domain.Candidate)
	OnRemoteTermination(id domain.CallID, status domain.CallStatus)
}

// SignalChannel publishes the local side of a call negotiation and raises
// the remote side as SignalEvents. Exactly one events sink per channel.
type SignalChannel interface {
	// Start registers the incoming-offer watch. Must be called once before
	// any other operation.
	Start(events SignalEvents) error
	Close()

	// Place creates the record for an outgoing call and begins watching it.
	Place(ctx context.Context, call *domain.Call) error
	// Answer writes the write-once answer and flips the record to active.
	// ConnectedAt is MarkConnected's alone; answering does not stamp it.
	Answer(ctx context.Context, id domain.CallID, sdp string) error
	Decline(ctx context.Context, id domain.CallID) error
	// End flips the record to ended with the computed duration.
	End(ctx context.Context, id domain.CallID, at time.Time, duration int64) error
	// MarkConnected stamps ConnectedAt once the engine reports a media path.
	MarkConnected(ctx context.Context, id domain.CallID, at time.Time) error
	// AddLocalCandidate appends a locally gathered candidate. The candidate
	// is recorded as seen so snapshots never echo it back as remote.
	AddLocalCandidate(ctx context.Context, id domain.CallID, c domain.Candidate) error

	// Forget drops per-call watch and dedup state once a call is retired.
	Forget(id domain.CallID)
}

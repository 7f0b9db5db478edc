package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/domain"
)

// MediaSession wraps one peer connection for the lifetime of one call.
// It never retries failed negotiation; errors go up to the controller.
type MediaSession interface {
	// Start configures internal callbacks and binds the session lifetime to ctx.
	// Register OnLocalCandidate and OnConnectionStateChange before calling it.
	Start(ctx context.Context) error
	// Close stops media capture and the underlying peer connection.
	Close()
	IsClosed() bool

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddRemoteCandidate applies a remote traversal candidate. Candidates
	// arriving before the remote description are buffered by the session
	// and applied once it lands, never dropped.
	AddRemoteCandidate(webrtc.ICECandidateInit) error

	// ToggleMute flips audio sending and returns the new muted state.
	ToggleMute() bool
	// ToggleVideo flips video sending and returns the new disabled state.
	ToggleVideo() bool
	// SwitchCamera rotates to the next capture source, if the session has one.
	SwitchCamera() error

	// OnLocalCandidate sets a callback for newly gathered local candidates.
	OnLocalCandidate(func(webrtc.ICECandidateInit))
	// OnConnectionStateChange sets a callback for engine connectivity changes.
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
}

// MediaFactory builds a fresh MediaSession for one call attempt.
type MediaFactory func(kind domain.MediaKind) (MediaSession, error)

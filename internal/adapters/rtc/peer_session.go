// Package rtc wraps a pion peer connection as a core.MediaSession.
package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/core"
	"github.com/peercall/peercall/internal/domain"
)

var (
	ErrNoCapture  = errors.New("no capture source attached")
	ErrNoRemote   = errors.New("no remote description to answer")
	ErrSessClosed = errors.New("media session closed")
)

// CaptureSource supplies local media tracks. Sessions without one are
// receive-only, which is still a valid call leg.
type CaptureSource interface {
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)
	// SwitchCamera rotates the video source feeding VideoTrack.
	SwitchCamera() error
}

func DefaultConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// PeerSession drives one peer connection for one call attempt.
type PeerSession struct {
	pc      *webrtc.PeerConnection
	kind    domain.MediaKind
	capture CaptureSource
	cancel  context.CancelFunc

	onCand  func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)

	mu          sync.Mutex
	closed      bool
	muted       bool
	videoOff    bool
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	// Candidates received before the remote description; the engine rejects
	// early candidates, so they wait here until SetRemoteDescription.
	pendingRemote []webrtc.ICECandidateInit
}

// NewPeerSession builds the peer connection and attaches local media for the
// requested kind. capture may be nil for a receive-only session.
func NewPeerSession(cfg webrtc.Configuration, kind domain.MediaKind, capture CaptureSource) (*PeerSession, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	s := &PeerSession{pc: pc, kind: kind, capture: capture}
	if err := s.attachMedia(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return s, nil
}

func (s *PeerSession) attachMedia() error {
	if s.capture == nil {
		if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
		if s.kind == domain.MediaVideo {
			if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
				return err
			}
		}
		return nil
	}

	audio, err := s.capture.AudioTrack()
	if err != nil {
		return err
	}
	sender, err := s.pc.AddTrack(audio)
	if err != nil {
		return err
	}
	s.audioTrack, s.audioSender = audio, sender

	if s.kind == domain.MediaVideo {
		video, err := s.capture.VideoTrack()
		if err != nil {
			return err
		}
		vsender, err := s.pc.AddTrack(video)
		if err != nil {
			return err
		}
		s.videoTrack, s.videoSender = video, vsender
	}
	return nil
}

// Start wires engine callbacks. Candidate and state callbacks registered
// before Start are live from this point on.
func (s *PeerSession) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Engine failure or parent cancellation both end in a closed connection.
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && s.onCand != nil {
			s.onCand(cand.ToJSON())
		}
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", state.String()).Msg("peer state")
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			cancel()
		}
		if s.onState != nil {
			s.onState(state)
		}
	})

	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", state.String()).Msg("ICE state")
	})

	return nil
}

func (s *PeerSession) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	// No gathering wait: candidates trickle through the signaling record.
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (s *PeerSession) CreateAnswer() (webrtc.SessionDescription, error) {
	if s.pc.RemoteDescription() == nil {
		return webrtc.SessionDescription{}, ErrNoRemote
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (s *PeerSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.mu.Lock()
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()
	for _, ci := range pending {
		if err := s.pc.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("apply buffered candidate")
		}
	}
	return nil
}

// AddRemoteCandidate applies a remote traversal candidate. The engine
// rejects candidates before the remote description, so early arrivals are
// buffered and flushed when it lands.
func (s *PeerSession) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.pc.RemoteDescription() == nil {
		s.pendingRemote = append(s.pendingRemote, ci)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(ci)
}

func (s *PeerSession) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = !s.muted
	if s.audioSender != nil {
		var track webrtc.TrackLocal
		if !s.muted {
			track = s.audioTrack
		}
		if err := s.audioSender.ReplaceTrack(track); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("toggle mute")
		}
	}
	return s.muted
}

func (s *PeerSession) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOff = !s.videoOff
	if s.videoSender != nil {
		var track webrtc.TrackLocal
		if !s.videoOff {
			track = s.videoTrack
		}
		if err := s.videoSender.ReplaceTrack(track); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("toggle video")
		}
	}
	return s.videoOff
}

func (s *PeerSession) SwitchCamera() error {
	if s.capture == nil {
		return ErrNoCapture
	}
	return s.capture.SwitchCamera()
}

func (s *PeerSession) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	s.onCand = fn
}

func (s *PeerSession) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.onState = fn
}

func (s *PeerSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if err := s.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Msg("closed")
	}
}

func (s *PeerSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// NewFactory returns a core.MediaFactory producing sessions over cfg.
func NewFactory(cfg webrtc.Configuration, capture CaptureSource) core.MediaFactory {
	return func(kind domain.MediaKind) (core.MediaSession, error) {
		return NewPeerSession(cfg, kind, capture)
	}
}

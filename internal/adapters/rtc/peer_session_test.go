package rtc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/domain"
)

// Offline config: no ICE servers, so tests never reach for the network.
var testCfg = webrtc.Configuration{}

func newSession(t *testing.T, kind domain.MediaKind, capture CaptureSource) *PeerSession {
	t.Helper()
	sess, err := NewPeerSession(testCfg, kind, capture)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return sess
}

type staticCapture struct {
	switched int
}

func (c *staticCapture) AudioTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "capture")
}

func (c *staticCapture) VideoTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "capture")
}

func (c *staticCapture) SwitchCamera() error {
	c.switched++
	return nil
}

func TestOfferAnswerExchange(t *testing.T) {
	caller := newSession(t, domain.MediaAudio, nil)
	callee := newSession(t, domain.MediaAudio, nil)

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != webrtc.SDPTypeOffer || !strings.Contains(offer.SDP, "m=audio") {
		t.Fatalf("unexpected offer: %q", offer.SDP)
	}

	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := callee.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		t.Fatalf("unexpected answer: %q", answer.SDP)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}
}

func TestVideoOfferCarriesVideoSection(t *testing.T) {
	sess := newSession(t, domain.MediaVideo, nil)
	offer, err := sess.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(offer.SDP, "m=video") || !strings.Contains(offer.SDP, "m=audio") {
		t.Errorf("video offer missing sections: %q", offer.SDP)
	}
}

func TestCreateAnswerNeedsRemote(t *testing.T) {
	sess := newSession(t, domain.MediaAudio, nil)
	if _, err := sess.CreateAnswer(); !errors.Is(err, ErrNoRemote) {
		t.Errorf("got %v, want ErrNoRemote", err)
	}
}

func TestCandidateQueuedBeforeRemoteDescription(t *testing.T) {
	caller := newSession(t, domain.MediaAudio, nil)
	callee := newSession(t, domain.MediaAudio, nil)
	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}

	// The session parks early candidates until the remote description lands.
	mid := "0"
	var line uint16
	early := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &line,
	}
	if err := callee.AddRemoteCandidate(early); err != nil {
		t.Fatalf("early candidate rejected: %v", err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	if _, err := callee.CreateAnswer(); err != nil {
		t.Fatal(err)
	}
}

func TestToggleMuteFlips(t *testing.T) {
	sess := newSession(t, domain.MediaAudio, &staticCapture{})
	if !sess.ToggleMute() {
		t.Error("first toggle should mute")
	}
	if sess.ToggleMute() {
		t.Error("second toggle should unmute")
	}
}

func TestToggleVideoFlips(t *testing.T) {
	sess := newSession(t, domain.MediaVideo, &staticCapture{})
	if !sess.ToggleVideo() {
		t.Error("first toggle should disable video")
	}
	if sess.ToggleVideo() {
		t.Error("second toggle should re-enable video")
	}
}

func TestSwitchCamera(t *testing.T) {
	bare := newSession(t, domain.MediaVideo, nil)
	if err := bare.SwitchCamera(); !errors.Is(err, ErrNoCapture) {
		t.Errorf("got %v, want ErrNoCapture", err)
	}

	src := &staticCapture{}
	sess := newSession(t, domain.MediaVideo, src)
	if err := sess.SwitchCamera(); err != nil {
		t.Fatal(err)
	}
	if src.switched != 1 {
		t.Errorf("capture switched %d times, want 1", src.switched)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sess, err := NewPeerSession(testCfg, domain.MediaAudio, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess.Close()
	if !sess.IsClosed() {
		t.Fatal("session not closed")
	}
	sess.Close()
}

func TestContextCancelClosesSession(t *testing.T) {
	sess, err := NewPeerSession(testCfg, domain.MediaAudio, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := sess.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for !sess.IsClosed() {
		if time.Now().After(deadline) {
			t.Fatal("session not closed after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(nil)
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) == 0 {
		t.Fatalf("no fallback server: %+v", cfg)
	}
	custom := DefaultConfig([]string{"stun:stun.example.org:3478"})
	if custom.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("custom server ignored: %+v", custom)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/core"
	"github.com/peercall/peercall/internal/domain"
)

// DefaultOfferStaleAfter is how old an unanswered incoming offer may be
// before it is auto-declined. Protects against offers replayed late by the
// transport or surfacing after an app relaunch.
const DefaultOfferStaleAfter = 60 * time.Second

var (
	ErrBusy       = errors.New("already in a call")
	ErrNoIncoming = errors.New("no incoming call to act on")
	ErrNotInCall  = errors.New("not in a call")
	ErrStopped    = errors.New("controller stopped")
)

// Controller owns the call lifecycle for one user. All state lives on a
// single goroutine: intents block their caller while a command runs in the
// loop, signaling and engine callbacks are posted as messages and never
// touch state directly.
type Controller struct {
	userID     domain.UserID
	channel    core.SignalChannel
	media      core.MediaFactory
	history    core.HistoryRecorder
	staleAfter time.Duration
	clock      func() time.Time

	cmds chan func()
	stop chan struct{}

	// Loop-owned. Never read or written outside run().
	state    State
	current  *domain.Call
	incoming *domain.Call
	session  core.MediaSession
	isInCall bool
	onChange func(Snapshot)
	// Remote candidates observed before their call is answerable, keyed by
	// call id. The channel dedups them away forever, so anything not
	// immediately forwardable is parked here and applied once AnswerCall
	// brings a session up. Watch events carry no ordering guarantee, so a
	// candidate may even precede its own incoming-call event.
	pendingCands map[domain.CallID][]domain.Candidate
}

// Parking bounds: candidates per call, and distinct calls with parked
// candidates at once.
const (
	maxParkedCandidates = 32
	maxParkedCalls      = 16
)

// NewController wires a controller over its own signaling channel and media
// factory. history may be nil. staleAfter <= 0 selects the default.
func NewController(
	userID domain.UserID,
	channel core.SignalChannel,
	media core.MediaFactory,
	history core.HistoryRecorder,
	staleAfter time.Duration,
) *Controller {
	if staleAfter <= 0 {
		staleAfter = DefaultOfferStaleAfter
	}
	return &Controller{
		userID:       userID,
		channel:      channel,
		media:        media,
		history:      history,
		staleAfter:   staleAfter,
		clock:        time.Now,
		cmds:         make(chan func(), 64),
		stop:         make(chan struct{}),
		pendingCands: make(map[domain.CallID][]domain.Candidate),
	}
}

// OnStateChange registers the UI observer, replacing any previous one. The
// callback fires on the controller goroutine and must not block.
func (c *Controller) OnStateChange(fn func(Snapshot)) {
	c.post(func() { c.onChange = fn })
}

// Start registers the incoming-call watch and launches the state loop.
func (c *Controller) Start() error {
	if err := c.channel.Start(&signalSink{c}); err != nil {
		return fmt.Errorf("start signaling: %w", err)
	}
	go c.run()
	return nil
}

// Close stops the loop and tears down any live session and watches.
func (c *Controller) Close() {
	select {
	case <-c.stop:
		return
	default:
	}
	close(c.stop)
	c.channel.Close()
}

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.stop:
			if c.session != nil {
				c.session.Close()
				c.session = nil
			}
			log.Info().Str("module", "app.controller").Str("user", string(c.userID)).Msg("controller stopped")
			return
		}
	}
}

// do runs fn on the loop and returns its error to the caller.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- func() { reply <- fn() }:
	case <-c.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.stop:
		return ErrStopped
	}
}

// post enqueues an event without waiting. Dropped once stopped.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stop:
	}
}

// Snapshot returns a copy of the observable state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

// PlaceCall initiates an outgoing call. Valid only when idle; any sub-step
// failure surfaces here and leaves the controller idle.
func (c *Controller) PlaceCall(ctx context.Context, recipient domain.UserID, kind domain.MediaKind) error {
	return c.do(ctx, func() error {
		if c.state != StateIdle {
			return ErrBusy
		}
		c.setState(StateOffering)

		sess, err := c.media(kind)
		if err != nil {
			c.setState(StateIdle)
			return fmt.Errorf("peer connection setup: %w", err)
		}
		c.bindSession(sess)
		if err := sess.Start(context.Background()); err != nil {
			sess.Close()
			c.setState(StateIdle)
			return fmt.Errorf("peer connection start: %w", err)
		}
		offer, err := sess.CreateOffer()
		if err != nil {
			sess.Close()
			c.setState(StateIdle)
			return fmt.Errorf("create offer: %w", err)
		}
		call, err := domain.NewCall(c.userID, recipient, kind, offer.SDP, c.clock())
		if err != nil {
			sess.Close()
			c.setState(StateIdle)
			return err
		}
		if err := c.channel.Place(ctx, call); err != nil {
			sess.Close()
			c.setState(StateIdle)
			return err
		}

		c.session = sess
		c.current = call
		c.isInCall = true
		c.setState(StateAwaitingAnswer)
		return nil
	})
}

// AnswerCall accepts the pending incoming offer. On failure the offer keeps
// ringing and the record is untouched.
func (c *Controller) AnswerCall(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateRinging || c.incoming == nil {
			return ErrNoIncoming
		}
		inc := c.incoming
		c.setState(StateAnswering)

		fail := func(step string, err error) error {
			c.setState(StateRinging)
			return fmt.Errorf("%s: %w", step, err)
		}
		sess, err := c.media(inc.MediaKind)
		if err != nil {
			return fail("peer connection setup", err)
		}
		c.bindSession(sess)
		if err := sess.Start(context.Background()); err != nil {
			sess.Close()
			return fail("peer connection start", err)
		}
		remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: inc.SDPOffer}
		if err := sess.SetRemoteDescription(remote); err != nil {
			sess.Close()
			return fail("apply remote offer", err)
		}
		answer, err := sess.CreateAnswer()
		if err != nil {
			sess.Close()
			return fail("create answer", err)
		}
		if err := c.channel.Answer(ctx, inc.ID, answer.SDP); err != nil {
			sess.Close()
			return fail("publish answer", err)
		}

		inc.SDPAnswer = answer.SDP
		inc.Status = domain.StatusActive
		c.session = sess
		c.current = inc
		c.incoming = nil
		c.isInCall = true
		for _, cand := range c.pendingCands[inc.ID] {
			c.handleRemoteCandidate(inc.ID, cand)
		}
		delete(c.pendingCands, inc.ID)
		c.setState(StateActive)
		log.Info().Str("module", "app.controller").Str("call", string(inc.ID)).Msg("call answered")
		return nil
	})
}

// DeclineCall rejects the pending incoming offer. No peer connection is
// needed; local state clears even when the record write fails.
func (c *Controller) DeclineCall(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateRinging || c.incoming == nil {
			return ErrNoIncoming
		}
		inc := c.incoming
		c.incoming = nil
		delete(c.pendingCands, inc.ID)
		c.setState(StateIdle)

		inc.Status = domain.StatusDeclined
		c.record(inc)
		err := c.channel.Decline(ctx, inc.ID)
		c.channel.Forget(inc.ID)
		if err != nil {
			return err
		}
		return nil
	})
}

// HangUp terminates the current call. Local state clears synchronously; the
// record write runs detached and its failure is logged, never surfaced.
func (c *Controller) HangUp(ctx context.Context) error {
	return c.do(ctx, func() error {
		switch c.state {
		case StateOffering, StateAwaitingAnswer, StateAnswering, StateActive:
		default:
			return ErrNotInCall
		}
		c.finish(domain.StatusEnded, true)
		return nil
	})
}

func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, func() error {
		if c.session == nil {
			return ErrNotInCall
		}
		muted = c.session.ToggleMute()
		return nil
	})
	return muted, err
}

func (c *Controller) ToggleVideo(ctx context.Context) (bool, error) {
	var off bool
	err := c.do(ctx, func() error {
		if c.session == nil {
			return ErrNotInCall
		}
		off = c.session.ToggleVideo()
		return nil
	})
	return off, err
}

func (c *Controller) SwitchCamera(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.session == nil {
			return ErrNotInCall
		}
		return c.session.SwitchCamera()
	})
}

// bindSession registers engine callbacks that post back into the loop.
func (c *Controller) bindSession(sess core.MediaSession) {
	sess.OnLocalCandidate(func(ci webrtc.ICECandidateInit) {
		c.post(func() { c.handleLocalCandidate(ci) })
	})
	sess.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.post(func() { c.handleConnState(state) })
	})
}

// handleLocalCandidate publishes a gathered candidate. Candidates with no
// record yet are dropped; gathering is continual and they regenerate.
func (c *Controller) handleLocalCandidate(ci webrtc.ICECandidateInit) {
	if c.current == nil {
		log.Debug().Str("module", "app.controller").Msg("dropping candidate, no call record yet")
		return
	}
	id := c.current.ID
	cand := domain.Candidate{
		Candidate:     ci.Candidate,
		SDPMLineIndex: ci.SDPMLineIndex,
		SDPMid:        ci.SDPMid,
	}
	go func() {
		if err := c.channel.AddLocalCandidate(context.Background(), id, cand); err != nil {
			log.Error().Err(err).Str("module", "app.controller").Str("call", string(id)).Msg("publish candidate")
		}
	}()
}

func (c *Controller) handleConnState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if c.current != nil && c.current.ConnectedAt == nil {
			now := c.clock()
			c.current.ConnectedAt = &now
			id := c.current.ID
			go func() {
				if err := c.channel.MarkConnected(context.Background(), id, now); err != nil {
					log.Error().Err(err).Str("module", "app.controller").Str("call", string(id)).Msg("mark connected")
				}
			}()
			c.notify()
		}
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		if c.state == StateActive {
			log.Warn().Str("module", "app.controller").Str("state", state.String()).Msg("engine disconnect, ending call")
			c.finish(domain.StatusEnded, true)
		}
	}
}

func (c *Controller) handleIncoming(call *domain.Call) {
	if age := call.Age(c.clock()); age > c.staleAfter {
		log.Info().Str("module", "app.controller").
			Str("call", string(call.ID)).
			Dur("age", age).
			Msg("auto-declining stale offer")
		delete(c.pendingCands, call.ID)
		id := call.ID
		go func() {
			if err := c.channel.Decline(context.Background(), id); err != nil {
				log.Error().Err(err).Str("module", "app.controller").Str("call", string(id)).Msg("decline stale offer")
			}
			c.channel.Forget(id)
		}()
		return
	}
	if c.state != StateIdle {
		// One call per controller; a second caller keeps ringing on their
		// side until they give up.
		log.Info().Str("module", "app.controller").Str("call", string(call.ID)).Msg("ignoring offer while busy")
		return
	}
	c.incoming = call
	c.setState(StateRinging)
}

func (c *Controller) handleRemoteAnswer(id domain.CallID, sdp string) {
	if c.state != StateAwaitingAnswer || c.current == nil || c.current.ID != id {
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := c.session.SetRemoteDescription(desc); err != nil {
		log.Error().Err(err).Str("module", "app.controller").Str("call", string(id)).Msg("apply remote answer")
		c.finish(domain.StatusEnded, true)
		return
	}
	c.current.SDPAnswer = sdp
	c.current.Status = domain.StatusActive
	c.setState(StateActive)
	log.Info().Str("module", "app.controller").Str("call", string(id)).Msg("remote answered")
}

func (c *Controller) handleRemoteCandidate(id domain.CallID, cand domain.Candidate) {
	if c.current == nil || c.current.ID != id || c.session == nil {
		// Not forwardable yet. Dropping would lose the candidate for good,
		// so park it; parked entries are flushed on answer and discarded
		// when the call retires.
		parked, known := c.pendingCands[id]
		if len(parked) >= maxParkedCandidates {
			return
		}
		if !known && len(c.pendingCands) >= maxParkedCalls {
			return
		}
		c.pendingCands[id] = append(parked, cand)
		return
	}
	ci := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMLineIndex: cand.SDPMLineIndex,
		SDPMid:        cand.SDPMid,
	}
	if err := c.session.AddRemoteCandidate(ci); err != nil {
		log.Error().Err(err).Str("module", "app.controller").Str("call", string(id)).Msg("add remote candidate")
	}
}

func (c *Controller) handleRemoteTermination(id domain.CallID, status domain.CallStatus) {
	if c.current != nil && c.current.ID == id {
		switch c.state {
		case StateAwaitingAnswer, StateAnswering, StateActive:
			log.Info().Str("module", "app.controller").
				Str("call", string(id)).
				Str("status", string(status)).
				Msg("remote terminated call")
			c.finish(status, false)
		}
		return
	}
	if c.incoming != nil && c.incoming.ID == id {
		// Caller gave up before we answered.
		inc := c.incoming
		c.incoming = nil
		delete(c.pendingCands, id)
		c.setState(StateIdle)
		inc.Status = status
		c.record(inc)
		c.channel.Forget(id)
		return
	}
	// A call this side never surfaced, typically an offer ignored while
	// busy. Its watch and dedup state still live in the channel.
	delete(c.pendingCands, id)
	c.channel.Forget(id)
}

// finish is the shared teardown: local state first and synchronously, the
// record write detached when this side owns the termination.
func (c *Controller) finish(status domain.CallStatus, writeRemote bool) {
	call := c.current
	c.setState(StateTerminating)
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.current = nil
	c.isInCall = false
	c.setState(StateIdle)

	if call == nil {
		return
	}
	delete(c.pendingCands, call.ID)
	endedAt := c.clock()
	duration := int64(endedAt.Sub(call.StartedAt) / time.Second)
	call.Status = status
	call.EndedAt = &endedAt
	call.Duration = duration

	if writeRemote {
		// Forget follows the detached write: forgetting first would let the
		// write re-create dedup state for a retired call.
		id := call.ID
		go func() {
			if err := c.channel.End(context.Background(), id, endedAt, duration); err != nil {
				log.Error().Err(err).Str("module", "app.controller").Str("call", string(id)).Msg("end write failed")
			}
			c.channel.Forget(id)
		}()
	} else {
		c.channel.Forget(call.ID)
	}
	c.record(call)
}

// record hands a retired call to the history store, best-effort.
func (c *Controller) record(call *domain.Call) {
	if c.history == nil {
		return
	}
	cp := call.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.history.Record(ctx, cp); err != nil {
			log.Error().Err(err).Str("module", "app.controller").Str("call", string(cp.ID)).Msg("record history")
		}
	}()
}

func (c *Controller) setState(s State) {
	c.state = s
	c.notify()
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		State:     c.state,
		StateName: c.state.String(),
		IsInCall:  c.isInCall,
	}
	if c.current != nil {
		snap.CurrentCall = c.current.Clone()
	}
	if c.incoming != nil {
		snap.IncomingCall = c.incoming.Clone()
	}
	return snap
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange(c.snapshot())
	}
}

// signalSink funnels channel callbacks into the controller loop.
type signalSink struct{ c *Controller }

func (s *signalSink) OnIncomingCall(call *domain.Call) {
	s.c.post(func() { s.c.handleIncoming(call) })
}

func (s *signalSink) OnRemoteAnswer(id domain.CallID, sdp string) {
	s.c.post(func() { s.c.handleRemoteAnswer(id, sdp) })
}

func (s *signalSink) OnRemoteCandidate(id domain.CallID, cand domain.Candidate) {
	s.c.post(func() { s.c.handleRemoteCandidate(id, cand) })
}

func (s *signalSink) OnRemoteTermination(id domain.CallID, status domain.CallStatus) {
	s.c.post(func() { s.c.handleRemoteTermination(id, status) })
}

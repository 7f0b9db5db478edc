// Package signal adapts the shared-document transport into typed call
// events. It owns the idempotence layer: the transport redelivers full
// record snapshots, so everything observed is checked against seen-sets
// before it reaches the controller.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/core"
	"github.com/peercall/peercall/internal/domain"
)

var (
	ErrClosed     = errors.New("signaling channel closed")
	ErrNotStarted = errors.New("signaling channel not started")
)

// Channel is the store-backed core.SignalChannel for one local user.
type Channel struct {
	userID domain.UserID
	store  core.CallStore

	mu            sync.Mutex
	events        core.SignalEvents
	incomingUnsub core.Unsubscribe
	watches       map[domain.CallID]core.Unsubscribe
	// Dedup state. An answer is write-once, so its record id suffices;
	// candidates are keyed by content. Locally written answers and
	// candidates are pre-marked so snapshots never echo them back.
	answerSeen map[domain.CallID]struct{}
	termSeen   map[domain.CallID]struct{}
	candSeen   map[domain.CallID]map[string]struct{}
	closed     bool
}

func NewChannel(userID domain.UserID, store core.CallStore) *Channel {
	return &Channel{
		userID:     userID,
		store:      store,
		watches:    make(map[domain.CallID]core.Unsubscribe),
		answerSeen: make(map[domain.CallID]struct{}),
		termSeen:   make(map[domain.CallID]struct{}),
		candSeen:   make(map[domain.CallID]map[string]struct{}),
	}
}

func (ch *Channel) Start(events core.SignalEvents) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	ch.events = events
	unsub, err := ch.store.WatchRinging(ch.userID, ch.onRinging)
	if err != nil {
		return fmt.Errorf("watch incoming: %w", err)
	}
	ch.incomingUnsub = unsub
	log.Info().Str("module", "signal").Str("user", string(ch.userID)).Msg("incoming watch registered")
	return nil
}

func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	unsubs := make([]core.Unsubscribe, 0, len(ch.watches)+1)
	if ch.incomingUnsub != nil {
		unsubs = append(unsubs, ch.incomingUnsub)
	}
	for _, u := range ch.watches {
		unsubs = append(unsubs, u)
	}
	ch.watches = map[domain.CallID]core.Unsubscribe{}
	ch.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// onRinging handles the incoming-query watch. The query matches on status
// alone, so the first observation of a record promotes it to a per-record
// watch; every snapshot then flows through the same idempotent handler.
func (ch *Channel) onRinging(snap *domain.Call) {
	ch.mu.Lock()
	if ch.closed || ch.events == nil {
		ch.mu.Unlock()
		return
	}
	_, watched := ch.watches[snap.ID]
	if !watched {
		unsub, err := ch.store.Watch(snap.ID, ch.onSnapshot)
		if err != nil {
			ch.mu.Unlock()
			log.Error().Err(err).Str("module", "signal").Str("call", string(snap.ID)).Msg("promote incoming watch")
			return
		}
		ch.watches[snap.ID] = unsub
	}
	events := ch.events
	ch.mu.Unlock()

	if !watched {
		log.Info().Str("module", "signal").
			Str("call", string(snap.ID)).
			Str("caller", string(snap.CallerID)).
			Str("kind", string(snap.MediaKind)).
			Msg("incoming call")
		events.OnIncomingCall(snap)
	}
	ch.onSnapshot(snap)
}

// onSnapshot is the per-record change handler. A single snapshot may carry
// any combination of changed fields, so each category is checked
// independently and deduped before an event is raised.
func (ch *Channel) onSnapshot(snap *domain.Call) {
	ch.mu.Lock()
	if ch.closed || ch.events == nil {
		ch.mu.Unlock()
		return
	}
	events := ch.events

	var answer string
	if snap.SDPAnswer != "" {
		if _, seen := ch.answerSeen[snap.ID]; !seen {
			ch.answerSeen[snap.ID] = struct{}{}
			answer = snap.SDPAnswer
		}
	}

	var fresh []domain.Candidate
	seen := ch.candSeen[snap.ID]
	if seen == nil {
		seen = make(map[string]struct{})
		ch.candSeen[snap.ID] = seen
	}
	for _, c := range snap.Candidates {
		key := c.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, c)
	}

	terminated := false
	if snap.Status.Terminal() {
		if _, ok := ch.termSeen[snap.ID]; !ok {
			ch.termSeen[snap.ID] = struct{}{}
			terminated = true
		}
	}
	ch.mu.Unlock()

	// Answer strictly before candidates: candidates are only meaningful
	// once the remote description is applied.
	if answer != "" {
		events.OnRemoteAnswer(snap.ID, answer)
	}
	for _, c := range fresh {
		events.OnRemoteCandidate(snap.ID, c)
	}
	if terminated {
		events.OnRemoteTermination(snap.ID, snap.Status)
	}
}

func (ch *Channel) Place(ctx context.Context, call *domain.Call) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.mu.Unlock()
	if err := ch.store.Create(ctx, call); err != nil {
		return fmt.Errorf("create call record: %w", err)
	}
	unsub, err := ch.store.Watch(call.ID, ch.onSnapshot)
	if err != nil {
		return fmt.Errorf("watch call record: %w", err)
	}
	ch.mu.Lock()
	ch.watches[call.ID] = unsub
	ch.mu.Unlock()
	log.Info().Str("module", "signal").Str("call", string(call.ID)).
		Str("recipient", string(call.RecipientID)).Msg("call placed")
	return nil
}

func (ch *Channel) Answer(ctx context.Context, id domain.CallID, sdp string) error {
	// Pre-mark so the snapshot carrying our own answer is never raised back.
	ch.mu.Lock()
	ch.answerSeen[id] = struct{}{}
	ch.mu.Unlock()

	// ConnectedAt stays untouched here; MarkConnected owns it once the
	// engine reports a media path.
	status := domain.StatusActive
	err := ch.store.Merge(ctx, id, core.CallPatch{
		Status:    &status,
		SDPAnswer: &sdp,
	})
	if err != nil {
		ch.mu.Lock()
		delete(ch.answerSeen, id)
		ch.mu.Unlock()
		return fmt.Errorf("write answer: %w", err)
	}
	return nil
}

func (ch *Channel) Decline(ctx context.Context, id domain.CallID) error {
	ch.markTerminated(id)
	status := domain.StatusDeclined
	if err := ch.store.Merge(ctx, id, core.CallPatch{Status: &status}); err != nil {
		return fmt.Errorf("write decline: %w", err)
	}
	return nil
}

func (ch *Channel) End(ctx context.Context, id domain.CallID, at time.Time, duration int64) error {
	ch.markTerminated(id)
	status := domain.StatusEnded
	err := ch.store.Merge(ctx, id, core.CallPatch{
		Status:   &status,
		EndedAt:  &at,
		Duration: &duration,
	})
	if err != nil {
		return fmt.Errorf("write end: %w", err)
	}
	return nil
}

func (ch *Channel) MarkConnected(ctx context.Context, id domain.CallID, at time.Time) error {
	if err := ch.store.Merge(ctx, id, core.CallPatch{ConnectedAt: &at}); err != nil {
		return fmt.Errorf("write connected: %w", err)
	}
	return nil
}

func (ch *Channel) AddLocalCandidate(ctx context.Context, id domain.CallID, c domain.Candidate) error {
	ch.mu.Lock()
	seen := ch.candSeen[id]
	if seen == nil {
		seen = make(map[string]struct{})
		ch.candSeen[id] = seen
	}
	seen[c.Key()] = struct{}{}
	ch.mu.Unlock()

	if err := ch.store.AppendCandidate(ctx, id, c); err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	return nil
}

func (ch *Channel) Forget(id domain.CallID) {
	ch.mu.Lock()
	unsub := ch.watches[id]
	delete(ch.watches, id)
	delete(ch.answerSeen, id)
	delete(ch.termSeen, id)
	delete(ch.candSeen, id)
	ch.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (ch *Channel) markTerminated(id domain.CallID) {
	ch.mu.Lock()
	ch.termSeen[id] = struct{}{}
	ch.mu.Unlock()
}

package domain

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSameParticipant = errors.New("caller and recipient are the same user")
	ErrBadTransition   = errors.New("invalid call status transition")
)

type CallID string

// MediaKind selects what the call carries.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// CallStatus is the lifecycle state of a shared call record.
// Keep values stable, they are persisted in the store.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusActive   CallStatus = "active"
	StatusDeclined CallStatus = "declined"
	StatusEnded    CallStatus = "ended"
)

// Terminal reports whether no further transitions are allowed.
func (s CallStatus) Terminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

// CanTransition reports whether status may move from s to next.
// ringing may become active, declined or ended; active may only end.
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case StatusRinging:
		return next == StatusActive || next == StatusDeclined || next == StatusEnded
	case StatusActive:
		return next == StatusEnded
	default:
		return false
	}
}

// Candidate is one network traversal candidate contributed by either side.
// It carries no identifier of its own; Key derives one from content.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"lineIndex,omitempty"`
	SDPMid        *string `json:"mediaId,omitempty"`
}

// Key is the content-derived dedup key for a candidate. The same triple
// could only legitimately recur under renegotiation, which a single
// offer/answer call never performs.
func (c Candidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := ""
	if c.SDPMLineIndex != nil {
		idx = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return c.Candidate + "|" + idx + "|" + mid
}

// Call is the shared negotiation record, one per call attempt. Both
// participants mutate disjoint fields; candidates only ever append.
type Call struct {
	ID          CallID      `json:"id"`
	CallerID    UserID      `json:"callerId"`
	RecipientID UserID      `json:"recipientId"`
	MediaKind   MediaKind   `json:"mediaKind"`
	Status      CallStatus  `json:"status"`
	SDPOffer    string      `json:"sdpOffer"`
	SDPAnswer   string      `json:"sdpAnswer,omitempty"`
	Candidates  []Candidate `json:"networkCandidates,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	ConnectedAt *time.Time  `json:"connectedAt,omitempty"`
	EndedAt     *time.Time  `json:"endedAt,omitempty"`
	// Duration is whole seconds between StartedAt and EndedAt, written by
	// whichever side performs the hang-up.
	Duration int64 `json:"duration,omitempty"`
}

// NewCall builds a fresh ringing record for a caller's offer.
func NewCall(caller, recipient UserID, kind MediaKind, offer string, now time.Time) (*Call, error) {
	if caller == recipient {
		return nil, ErrSameParticipant
	}
	return &Call{
		ID:          CallID(uuid.NewString()),
		CallerID:    caller,
		RecipientID: recipient,
		MediaKind:   kind,
		Status:      StatusRinging,
		SDPOffer:    offer,
		StartedAt:   now,
	}, nil
}

// Age is how long ago the record was created.
func (c *Call) Age(now time.Time) time.Duration {
	return now.Sub(c.StartedAt)
}

// OtherParty returns the participant that is not uid.
func (c *Call) OtherParty(uid UserID) UserID {
	if uid == c.CallerID {
		return c.RecipientID
	}
	return c.CallerID
}

// Clone deep-copies the record so watchers can hold snapshots safely.
func (c *Call) Clone() *Call {
	cp := *c
	if c.ConnectedAt != nil {
		t := *c.ConnectedAt
		cp.ConnectedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	cp.Candidates = make([]Candidate, len(c.Candidates))
	copy(cp.Candidates, c.Candidates)
	return &cp
}

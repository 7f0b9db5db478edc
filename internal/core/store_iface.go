package core

import (
	"context"
	"time"

	"github.com/peercall/peercall/internal/domain"
)

// CallPatch is a field-scoped merge against a call record. Nil fields are
// left untouched, so concurrent writers on disjoint fields never clobber
// each other.
type CallPatch struct {
	Status      *domain.CallStatus
	SDPAnswer   *string
	ConnectedAt *time.Time
	EndedAt     *time.Time
	Duration    *int64
}

// Unsubscribe stops a watch. Safe to call more than once.
type Unsubscribe func()

// CallStore is the shared-document transport carrying call records.
//
// Watch semantics mirror a snapshot store, not a message queue: every
// change delivers the full current record, in no guaranteed order relative
// to other changes, and possibly again for state already seen. Consumers
// must be idempotent.
type CallStore interface {
	// Create stores a new record under its own id.
	Create(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, id domain.CallID) (*domain.Call, error)
	// Merge applies a field-scoped update, never a full overwrite.
	Merge(ctx context.Context, id domain.CallID, patch CallPatch) error
	// AppendCandidate atomically appends without read-modify-write, so both
	// participants may append concurrently.
	AppendCandidate(ctx context.Context, id domain.CallID, c domain.Candidate) error

	// Watch delivers full snapshots of one record on every change.
	Watch(id domain.CallID, fn func(*domain.Call)) (Unsubscribe, error)
	// WatchRinging delivers full snapshots of every ringing record addressed
	// to recipient. It matches on status only: once a record leaves ringing
	// its later changes are not reliably delivered here, so interested
	// consumers must promote it to a per-record Watch.
	WatchRinging(recipient domain.UserID, fn func(*domain.Call)) (Unsubscribe, error)
}

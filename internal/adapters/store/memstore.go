// Package store provides CallStore implementations. The in-memory store is
// the single-node default; it reproduces the snapshot-delivery contract of a
// hosted document store so consumers built against it stay honest about
// redelivery and ordering.
package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/peercall/peercall/internal/core"
	"github.com/peercall/peercall/internal/domain"
)

var (
	ErrNotFound = errors.New("call record not found")
	ErrExists   = errors.New("call record already exists")
)

type watcher struct {
	fn     func(*domain.Call)
	closed atomic.Bool
}

func (w *watcher) deliver(snap *domain.Call) {
	// Each delivery rides its own goroutine: full snapshot, no ordering
	// guarantee, exactly like a remote change feed.
	go func() {
		if w.closed.Load() {
			return
		}
		w.fn(snap)
	}()
}

type queryWatcher struct {
	watcher
	recipient domain.UserID
}

// MemStore is an in-process CallStore.
type MemStore struct {
	mu         sync.RWMutex
	docs       map[domain.CallID]*domain.Call
	docWatch   map[domain.CallID]map[int64]*watcher
	queryWatch map[int64]*queryWatcher
	nextWatch  int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:       make(map[domain.CallID]*domain.Call),
		docWatch:   make(map[domain.CallID]map[int64]*watcher),
		queryWatch: make(map[int64]*queryWatcher),
	}
}

func (s *MemStore) Create(_ context.Context, call *domain.Call) error {
	s.mu.Lock()
	if _, ok := s.docs[call.ID]; ok {
		s.mu.Unlock()
		return ErrExists
	}
	s.docs[call.ID] = call.Clone()
	s.notifyLocked(call.ID)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Get(_ context.Context, id domain.CallID) (*domain.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemStore) Merge(_ context.Context, id domain.CallID, patch core.CallPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	if patch.SDPAnswer != nil {
		doc.SDPAnswer = *patch.SDPAnswer
	}
	if patch.ConnectedAt != nil {
		t := *patch.ConnectedAt
		doc.ConnectedAt = &t
	}
	if patch.EndedAt != nil {
		t := *patch.EndedAt
		doc.EndedAt = &t
	}
	if patch.Duration != nil {
		doc.Duration = *patch.Duration
	}
	s.notifyLocked(id)
	return nil
}

func (s *MemStore) AppendCandidate(_ context.Context, id domain.CallID, c domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.Candidates = append(doc.Candidates, c)
	s.notifyLocked(id)
	return nil
}

func (s *MemStore) Watch(id domain.CallID, fn func(*domain.Call)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &watcher{fn: fn}
	s.nextWatch++
	key := s.nextWatch
	if s.docWatch[id] == nil {
		s.docWatch[id] = make(map[int64]*watcher)
	}
	s.docWatch[id][key] = w
	// Initial snapshot, same as a fresh remote subscription.
	if doc, ok := s.docs[id]; ok {
		w.deliver(doc.Clone())
	}
	return func() {
		w.closed.Store(true)
		s.mu.Lock()
		delete(s.docWatch[id], key)
		s.mu.Unlock()
	}, nil
}

func (s *MemStore) WatchRinging(recipient domain.UserID, fn func(*domain.Call)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &queryWatcher{watcher: watcher{fn: fn}, recipient: recipient}
	s.nextWatch++
	key := s.nextWatch
	s.queryWatch[key] = w
	for _, doc := range s.docs {
		if doc.RecipientID == recipient && doc.Status == domain.StatusRinging {
			w.deliver(doc.Clone())
		}
	}
	return func() {
		w.closed.Store(true)
		s.mu.Lock()
		delete(s.queryWatch, key)
		s.mu.Unlock()
	}, nil
}

func (s *MemStore) notifyLocked(id domain.CallID) {
	doc := s.docs[id]
	for _, w := range s.docWatch[id] {
		w.deliver(doc.Clone())
	}
	for _, qw := range s.queryWatch {
		if doc.RecipientID == qw.recipient && doc.Status == domain.StatusRinging {
			qw.deliver(doc.Clone())
		}
	}
}

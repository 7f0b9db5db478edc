package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/adapters/signal"
	"github.com/peercall/peercall/internal/core"
	"github.com/peercall/peercall/internal/domain"
)

// Registry owns one controller per connected user. Controllers are created
// on first use and live until Remove or Close.
type Registry struct {
	store      core.CallStore
	media      core.MediaFactory
	history    core.HistoryRecorder
	staleAfter time.Duration

	mu          sync.Mutex
	controllers map[domain.UserID]*Controller
}

func NewRegistry(store core.CallStore, media core.MediaFactory, history core.HistoryRecorder, staleAfter time.Duration) *Registry {
	return &Registry{
		store:       store,
		media:       media,
		history:     history,
		staleAfter:  staleAfter,
		controllers: make(map[domain.UserID]*Controller),
	}
}

// GetOrCreate returns the user's controller, starting a fresh one if needed.
func (r *Registry) GetOrCreate(uid domain.UserID) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctrl, ok := r.controllers[uid]; ok {
		return ctrl, nil
	}
	ch := signal.NewChannel(uid, r.store)
	ctrl := NewController(uid, ch, r.media, r.history, r.staleAfter)
	if err := ctrl.Start(); err != nil {
		return nil, err
	}
	r.controllers[uid] = ctrl
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Msg("controller created")
	return ctrl, nil
}

func (r *Registry) Get(uid domain.UserID) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.controllers[uid]
	return ctrl, ok
}

// Remove stops and forgets the user's controller.
func (r *Registry) Remove(uid domain.UserID) {
	r.mu.Lock()
	ctrl, ok := r.controllers[uid]
	delete(r.controllers, uid)
	r.mu.Unlock()
	if ok {
		ctrl.Close()
		log.Info().Str("module", "app.registry").Str("user", string(uid)).Msg("controller removed")
	}
}

// Close stops every controller.
func (r *Registry) Close() {
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		ctrls = append(ctrls, c)
	}
	r.controllers = map[domain.UserID]*Controller{}
	r.mu.Unlock()
	for _, c := range ctrls {
		c.Close()
	}
}

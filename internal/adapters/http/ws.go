package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/app"
	"github.com/peercall/peercall/internal/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleStateFeed streams controller snapshots to the UI over a websocket.
// Slow consumers miss intermediate snapshots, never final state: every
// message carries the full observable state.
func (h *CallHandlers) HandleStateFeed(ctx context.Context, cfg *config.Config, c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("user", c.GetString("client_token")).Msg("state feed connected")

	ctx, cancel := context.WithCancel(ctx)
	send := make(chan []byte, 8)

	push := func(snap app.Snapshot) {
		data, err := json.Marshal(snap)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("marshal snapshot")
			return
		}
		select {
		case send <- data:
		default:
		}
	}
	ctrl.OnStateChange(push)

	// Initial snapshot so the UI does not wait for the first transition.
	go func() {
		if snap, err := ctrl.Snapshot(ctx); err == nil {
			push(snap)
		}
	}()

	go func() {
		defer cancel()
		// Reads are only for liveness and close detection.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			ctrl.OnStateChange(nil)
			cancel()
			_ = ws.Close()
		}()
		ticker := time.NewTicker(cfg.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-send:
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("state feed write")
					return
				}
			case <-ticker.C:
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}

package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peercall/peercall/internal/app"
	"github.com/peercall/peercall/internal/core"
	"github.com/peercall/peercall/internal/domain"
)

type CallHandlers struct {
	Registry *app.Registry
	History  core.HistoryRecorder
}

type placeCallRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	MediaKind string `json:"mediaKind" binding:"required,oneof=audio video"`
}

func (h *CallHandlers) controller(c *gin.Context) (*app.Controller, bool) {
	uid := domain.UserID(c.GetString("client_token"))
	ctrl, err := h.Registry.GetOrCreate(uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "controller unavailable"})
		return nil, false
	}
	return ctrl, true
}

func respond(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, app.ErrBusy),
		errors.Is(err, app.ErrNoIncoming),
		errors.Is(err, app.ErrNotInCall):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrSameParticipant):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (h *CallHandlers) PlaceCall(c *gin.Context) {
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid recipient/mediaKind"})
		return
	}
	recipient, err := domain.ParseUserID(req.Recipient)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	respond(c, ctrl.PlaceCall(c.Request.Context(), recipient, domain.MediaKind(req.MediaKind)))
}

func (h *CallHandlers) AnswerCall(c *gin.Context) {
	if ctrl, ok := h.controller(c); ok {
		respond(c, ctrl.AnswerCall(c.Request.Context()))
	}
}

func (h *CallHandlers) DeclineCall(c *gin.Context) {
	if ctrl, ok := h.controller(c); ok {
		respond(c, ctrl.DeclineCall(c.Request.Context()))
	}
}

func (h *CallHandlers) HangUp(c *gin.Context) {
	if ctrl, ok := h.controller(c); ok {
		respond(c, ctrl.HangUp(c.Request.Context()))
	}
}

func (h *CallHandlers) ToggleMute(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	muted, err := ctrl.ToggleMute(c.Request.Context())
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *CallHandlers) ToggleVideo(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	disabled, err := ctrl.ToggleVideo(c.Request.Context())
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": disabled})
}

func (h *CallHandlers) SwitchCamera(c *gin.Context) {
	if ctrl, ok := h.controller(c); ok {
		respond(c, ctrl.SwitchCamera(c.Request.Context()))
	}
}

func (h *CallHandlers) State(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	snap, err := ctrl.Snapshot(c.Request.Context())
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *CallHandlers) ListHistory(c *gin.Context) {
	if h.History == nil {
		c.JSON(http.StatusOK, gin.H{"calls": []any{}})
		return
	}
	uid := domain.UserID(c.GetString("client_token"))
	calls, err := h.History.ListByUser(c.Request.Context(), uid, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

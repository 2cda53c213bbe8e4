package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	svc      *app.Service
	identity core.IdentityResolver
}

type eventRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type sessionRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h *handlers) createSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.identity.ResolveIdentity(c.Request.Context(), req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}
	s := sessions.Default(c)
	s.Set(sessionTokenKey, req.Token)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session not saved"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user})
}

func (h *handlers) deleteSession(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	_ = s.Save()
	c.Status(http.StatusNoContent)
}

func (h *handlers) publishRoomEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := domain.ParseEventType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.PublishDomainEvent(c.Request.Context(), domain.RoomID(c.Param("room")), t, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *handlers) notifyUser(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := domain.ParseEventType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.PublishToUser(c.Request.Context(), domain.UserID(c.Param("user")), t, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *handlers) presence(c *gin.Context) {
	p, err := h.svc.UserPresence(c.Request.Context(), domain.UserID(c.Param("user")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) onlineUsers(c *gin.Context) {
	users := h.svc.OnlineUsers()
	c.JSON(http.StatusOK, gin.H{"online_users": users, "count": len(users)})
}

func (h *handlers) rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.svc.RoomList()})
}

func (h *handlers) members(c *gin.Context) {
	members, err := h.svc.Members(domain.RoomID(c.Param("room")))
	switch {
	case errors.Is(err, domain.ErrRoomIDEmpty), errors.Is(err, domain.ErrRoomIDTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": c.Param("room"), "members": members})
}

func (h *handlers) cluster(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"instance":    h.svc.Instance,
		"peers":       h.svc.Peers(),
		"degraded":    h.svc.BridgeDegraded(),
		"connections": h.svc.Conns.Count(),
	})
}

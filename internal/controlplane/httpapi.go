package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HTTPAPI exposes the heartbeat control endpoint: command submission,
// status, and a live telemetry stream over a gin router and websocket
// streaming handler.
type HTTPAPI struct {
	cp    *ControlPlane
	token string
	log   *logger.Logger
}

// NewHTTPAPI builds the handler set. token, if non-empty, is compared
// against the bearer token on every request (--token flag).
func NewHTTPAPI(cp *ControlPlane, token string, log *logger.Logger) *HTTPAPI {
	return &HTTPAPI{cp: cp, token: token, log: log.WithFields(zap.String("component", "controlplane_http"))}
}

// Register wires the control endpoints onto router.
func (h *HTTPAPI) Register(router gin.IRouter) {
	router.Use(h.authMiddleware())
	router.POST("/control/command", h.postCommand)
	router.GET("/control/status", h.getStatus)
	router.GET("/control/stream", h.getStream)
}

func (h *HTTPAPI) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.token == "" {
			c.Next()
			return
		}
		got := c.GetHeader("Authorization")
		if got != "Bearer "+h.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Next()
	}
}

// commandRequest is the POST /control/command body: a command id (for
// idempotent replay) and the verb to execute.
type commandRequest struct {
	ID      string  `json:"id" binding:"required"`
	Command Command `json:"command" binding:"required"`
}

func (h *HTTPAPI) postCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := h.cp.HandleCommand(ctx, req.ID, req.Command); err != nil {
		h.log.Warn("command handling failed", zap.String("command_id", req.ID), zap.String("command", string(req.Command)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": req.ID, "status": "accepted"})
}

func (h *HTTPAPI) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":    h.cp.Mode(),
		"running": h.cp.Running(),
	})
}

// getStream upgrades to a websocket and pushes every telemetry event
// published on "cycle.>" to the client until a write to it fails. A client
// that disconnects is noticed at the first write after it has gone; no
// context is consulted.
func (h *HTTPAPI) getStream(c *gin.Context) {
	if h.cp.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "telemetry bus not configured"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade telemetry stream connection", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan *telemetry.Event, 64)
	sub, err := h.cp.bus.Subscribe("cycle.>", func(ctx context.Context, e *telemetry.Event) error {
		select {
		case send <- e:
		default:
			// Slow client: drop rather than block the publisher.
		}
		return nil
	})
	if err != nil {
		h.log.Error("failed to subscribe telemetry stream", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	for event := range send {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

package http

import (
	"errors"
	"net/http"
	"time"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"
	"coderoom/internal/infrastructure/monitoring"
	"coderoom/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes read-only room lookups over HTTP. All mutation goes
// through the event transport; these endpoints exist for lobby pages and
// operators.
type RoomHandler struct {
	coordinator ports.Coordinator
	health      *monitoring.HealthChecker
}

func NewRoomHandler(coordinator ports.Coordinator, health *monitoring.HealthChecker) *RoomHandler {
	return &RoomHandler{
		coordinator: coordinator,
		health:      health,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/rooms/:id/stats", h.GetRoomStats)
	}

	router.GET("/health", h.HealthCheck)
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, err := h.coordinator.RoomStats(c.Request.Context(), domain.RoomID(roomID))
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"exists": false})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"exists": true, "roomId": roomID})
}

func (h *RoomHandler) GetRoomStats(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stats, err := h.coordinator.RoomStats(c.Request.Context(), domain.RoomID(roomID))
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *RoomHandler) HealthCheck(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	status.Timestamp = time.Now()

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

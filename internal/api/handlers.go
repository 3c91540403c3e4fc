// Package api exposes the HTTP surface around the collaboration core:
// health, stats, and the internal hook routes the REST layer calls.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/teamspace/backend/internal/auth"
	"github.com/teamspace/backend/internal/collab"
	"github.com/teamspace/backend/internal/events"
)

// Handler holds the dependencies for API handlers
type Handler struct {
	registry *collab.Registry
	collab   *collab.Server
	events   *events.Server
}

// NewHandler creates a new API handler
func NewHandler(registry *collab.Registry, collabServer *collab.Server, eventServer *events.Server) *Handler {
	return &Handler{registry: registry, collab: collabServer, events: eventServer}
}

// RegisterRoutes registers all routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)
	r.GET("/stats", h.Stats)

	// WebSocket endpoints
	r.GET("/collaboration/:roomName", func(c *gin.Context) {
		h.collab.HandleCollaboration(c.Writer, c.Request, c.Param("roomName"))
	})
	r.GET("/events", func(c *gin.Context) {
		h.events.HandleEvents(c.Writer, c.Request)
	})

	// Hooks called by the surrounding REST layer
	internal := r.Group("/api/internal")
	internal.Use(auth.ServiceAuthMiddleware())
	{
		internal.POST("/documents/:id/invalidate", h.InvalidateDocument)
		internal.POST("/documents/invalidate-all", h.InvalidateAll)
		internal.POST("/documents/:id/convert", h.NotifyConversion)
		internal.POST("/documents/:id/visibility", h.VisibilityChange)
		internal.POST("/users/:id/events", h.PushUserEvent)
	}
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Stats returns live room and connection counts
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"roomCount":       h.registry.RoomCount(),
		"connectionCount": h.registry.ConnCount(),
		"eventConnCount":  h.events.ConnCount(),
	})
}

// InvalidateDocument drops the document's live rooms after an
// out-of-band content change.
func (h *Handler) InvalidateDocument(c *gin.Context) {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}
	h.registry.InvalidateDocumentCache(docID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// InvalidateAll drops every live room.
func (h *Handler) InvalidateAll(c *gin.Context) {
	h.registry.InvalidateAllDocumentCaches()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// NotifyConversion closes sockets on a converted document.
func (h *Handler) NotifyConversion(c *gin.Context) {
	oldID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	var req struct {
		NewDocID   string `json:"newDocId" binding:"required"`
		OldDocType string `json:"oldDocType"`
		NewDocType string `json:"newDocType" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	newID, err := uuid.Parse(req.NewDocID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid successor document ID"})
		return
	}

	h.registry.NotifyDocumentConversion(oldID, newID, req.OldDocType, req.NewDocType)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// VisibilityChange kicks principals a visibility change disqualifies.
func (h *Handler) VisibilityChange(c *gin.Context) {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	var req struct {
		Visibility string `json:"visibility" binding:"required,oneof=private workspace"`
		CreatorID  string `json:"creatorId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	creatorID, err := uuid.Parse(req.CreatorID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid creator ID"})
		return
	}

	h.registry.HandleVisibilityChange(docID, req.Visibility, creatorID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PushUserEvent fans an event to a user's open event sockets.
func (h *Handler) PushUserEvent(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	var req struct {
		Type string          `json:"type" binding:"required"`
		Data json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.events.BroadcastToUser(userID, req.Type, req.Data)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

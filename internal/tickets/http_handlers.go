package tickets

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"voice-bridge/internal/auth"
	"voice-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequeueAuditor records operator requeues. *audit.Service satisfies it.
type RequeueAuditor interface {
	LogOutboxRequeued(ctx context.Context, entryID, actorID string) error
}

// Handler is the operator view of the outbox.
type Handler struct {
	Outbox *Outbox
	Audit  RequeueAuditor
}

// List serves GET /v1/outbox?status=&limit=.
func (h Handler) List(c *gin.Context) {
	status := Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(string(status))})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	entries, err := h.Outbox.List(c.Request.Context(), status, limit)
	if err != nil {
		logger.FromGin(c).Error("outbox list failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handler) Get(c *gin.Context) {
	e, err := h.Outbox.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "outbox entry not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("outbox get failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// Requeue serves POST /v1/outbox/:id/requeue. Only exhausted entries qualify.
func (h Handler) Requeue(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	e, err := h.Outbox.Requeue(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no exhausted outbox entry with that id"})
		return
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "a newer entry for the same call is still live"})
		return
	case err != nil:
		logger.FromGin(c).Error("outbox requeue failed", "entry_id", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if h.Audit != nil {
		if err := h.Audit.LogOutboxRequeued(ctx, e.ID, auth.OperatorFromGin(c)); err != nil {
			logger.FromGin(c).Error("outbox requeue audit failed", "entry_id", e.ID, "err", err)
		}
	}
	c.JSON(http.StatusOK, e)
}

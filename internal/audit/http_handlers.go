package audit

import (
	"errors"
	"net/http"
	"strconv"

	"voice-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handler serves the audit trail to operators.
type Handler struct {
	Service *Service
}

// History serves GET /v1/audit/:subject/:id, e.g. /v1/audit/workflow/<id>.
func (h Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.Service.History(c.Request.Context(), c.Param("subject"), c.Param("id"), limit)
	switch {
	case errors.Is(err, ErrUnknownSubject):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.FromGin(c).Error("audit history failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if events == nil {
		events = []Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

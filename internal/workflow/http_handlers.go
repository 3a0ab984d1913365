package workflow

import (
	"encoding/json"
	"errors"
	"net/http"

	"voice-bridge/internal/auth"
	"voice-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Service *Service
}

func (h Handler) Get(c *gin.Context) {
	w, err := h.Service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// actorFrom identifies the caller; service tokens act as automation.
func actorFrom(c *gin.Context) Actor {
	return Actor{ID: auth.OperatorFromGin(c), Automation: auth.IsAutomation(c.Request.Context())}
}

type createRequest struct {
	CallID string `json:"callId"`
}

func (h Handler) Create(c *gin.Context) {
	var req createRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	w, err := h.Service.Start(c.Request.Context(), req.CallID, actorFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// Patch accepts only status, manualOverrideEnabled and operatorNotes.
func (h Handler) Patch(c *gin.Context) {
	var u Update
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body may only contain status, manualOverrideEnabled and operatorNotes"})
		return
	}
	w, out, err := h.Service.Patch(c.Request.Context(), c.Param("id"), u, actorFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if out.Reopen {
		c.Header("X-Workflow-Reopened-From", string(out.From))
	}
	c.JSON(http.StatusOK, w)
}

func (h Handler) fail(c *gin.Context, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message, "code": ve.Code})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("workflow request failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

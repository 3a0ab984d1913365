package telephony

import (
	"errors"
	"net/http"

	"voice-bridge/internal/auth"
	"voice-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// WebhookHandler converts Twilio webhooks to internal types and delegates to the
// Orchestrator.
//
// No business logic here. Every response is 200: the carrier treats error statuses
// as call failure regardless of body.
type WebhookHandler struct {
	Orchestrator *Orchestrator
}

func writeTwiML(c *gin.Context, twiml string) {
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

func (h WebhookHandler) Voice(c *gin.Context) {
	log := logger.FromGin(c)

	wh, err := ParseVoiceWebhook(c.Request)
	if err != nil {
		log.Warn("twilio voice webhook parse failed", "err", err)
		writeTwiML(c, Apology(""))
		return
	}
	writeTwiML(c, h.Orchestrator.AcceptInbound(c.Request.Context(), wh))
}

func (h WebhookHandler) CallStatus(c *gin.Context) {
	wh, err := ParseVoiceWebhook(c.Request)
	if err != nil {
		logger.FromGin(c).Warn("twilio status webhook parse failed", "err", err)
		writeTwiML(c, Empty())
		return
	}
	h.Orchestrator.HandleCallStatus(c.Request.Context(), wh)
	writeTwiML(c, Empty())
}

func (h WebhookHandler) Conference(c *gin.Context) {
	ev, err := ParseConferenceEvent(c.Request)
	if err != nil {
		logger.FromGin(c).Warn("twilio conference webhook parse failed", "err", err)
		writeTwiML(c, Empty())
		return
	}
	h.Orchestrator.HandleConferenceEvent(c.Request.Context(), ev)
	writeTwiML(c, Empty())
}

func (h WebhookHandler) Recording(c *gin.Context) {
	ev, err := ParseRecordingEvent(c.Request)
	if err != nil {
		logger.FromGin(c).Warn("twilio recording webhook parse failed", "err", err)
		writeTwiML(c, Empty())
		return
	}
	h.Orchestrator.HandleRecording(c.Request.Context(), ev)
	writeTwiML(c, Empty())
}

// Recovery turns a panic in a carrier route into a 200 apology so a single bad
// call cannot surface as a carrier-visible server error.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.FromGin(c).Error("carrier webhook panicked", "path", c.Request.URL.Path, "panic", r)
				if !c.Writer.Written() {
					writeTwiML(c, Apology(""))
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// OperatorHandler exposes operator call controls under /v1.
type OperatorHandler struct {
	Orchestrator *Orchestrator
}

type supervisorRequest struct {
	Number string `json:"number" binding:"required"`
	Mode   string `json:"mode"`
}

func (h OperatorHandler) AddSupervisor(c *gin.Context) {
	var req supervisorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "number is required"})
		return
	}
	mode, err := h.Orchestrator.AddSupervisor(c.Request.Context(), c.Param("conference"), req.Number, req.Mode, auth.OperatorFromGin(c))
	if err != nil {
		c.JSON(operatorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conference": c.Param("conference"), "mode": mode})
}

type handOffRequest struct {
	Number string `json:"number"`
}

func (h OperatorHandler) HandOff(c *gin.Context) {
	var req handOffRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	if err := h.Orchestrator.HandOff(c.Request.Context(), c.Param("conference"), req.Number, auth.OperatorFromGin(c)); err != nil {
		c.JSON(operatorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conference": c.Param("conference"), "handed_off": true})
}

type outboundRequest struct {
	Number string `json:"number" binding:"required"`
}

func (h OperatorHandler) PlaceCall(c *gin.Context) {
	var req outboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "number is required"})
		return
	}
	s, err := h.Orchestrator.PlaceOutboundCall(c.Request.Context(), req.Number)
	if err != nil {
		c.JSON(operatorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s)
}

func operatorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, ErrInvalidNumber), errors.Is(err, ErrMissingCallData):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

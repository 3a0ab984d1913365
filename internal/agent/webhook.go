package agent

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voice-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	EventIncomingCall = "realtime.call.incoming"
	// ConferenceHeader carries the conference name on the SIP INVITE to the model.
	ConferenceHeader = "X-Conference-Name"
)

type sipHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type incomingCallEvent struct {
	Type string `json:"type" binding:"required"`
	Data struct {
		CallID     string      `json:"call_id" binding:"required"`
		SIPHeaders []sipHeader `json:"sip_headers"`
	} `json:"data"`
}

func (e incomingCallEvent) header(name string) string {
	for _, h := range e.Data.SIPHeaders {
		if strings.EqualFold(h.Name, name) {
			return strings.TrimSpace(h.Value)
		}
	}
	return ""
}

// Handler receives the model provider's webhooks.
type Handler struct {
	Runner *Runner
}

func (h Handler) Webhook(c *gin.Context) {
	log := logger.FromGin(c)

	var ev incomingCallEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}
	if ev.Type != EventIncomingCall {
		c.Status(http.StatusOK)
		return
	}

	err := h.Runner.IncomingCall(c.Request.Context(), ev.Data.CallID, ev.header(ConferenceHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	case errors.Is(err, ErrMissingConference), errors.Is(err, ErrUnknownConference):
		// The provider stops retrying on 2xx; an unknown conference will never resolve.
		log.Warn("model call rejected", "call_id", ev.Data.CallID, "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected"})
	default:
		log.Error("model call bind failed", "call_id", ev.Data.CallID, "err", err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

// SignatureTolerance bounds the age of a signed webhook.
const SignatureTolerance = 5 * time.Minute

// VerifySignature checks a Standard Webhooks signature: base64(HMAC-SHA256(key,
// id.timestamp.body)) in a space-separated list of "v1,<sig>" entries.
func VerifySignature(secret, id, timestamp, signatures string, body []byte, now time.Time) bool {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil || id == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > SignatureTolerance || d < -SignatureTolerance {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	for _, sig := range strings.Fields(signatures) {
		version, value, ok := strings.Cut(sig, ",")
		if ok && version == "v1" && hmac.Equal([]byte(value), []byte(expected)) {
			return true
		}
	}
	return false
}

// RequireSignature rejects unsigned or tampered model webhooks. An empty secret
// disables the check.
func RequireSignature(secret string, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		if !VerifySignature(secret, c.GetHeader("webhook-id"), c.GetHeader("webhook-timestamp"), c.GetHeader("webhook-signature"), body, time.Now()) {
			log.Warn("model webhook signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

package main

import (
	"net/http"

	"voice-bridge/internal/agent"
	"voice-bridge/internal/audit"
	"voice-bridge/internal/auth"
	"voice-bridge/internal/telephony"
	"voice-bridge/internal/tickets"
	"voice-bridge/internal/workflow"
	"voice-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// newRouter wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func newRouter(a *app) *gin.Engine {
	r := gin.New()
	r.Use(logger.Middleware(a.log))
	r.Use(a.metrics.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if err := a.ready(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("readiness check failed", "err", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":        status,
			"instance":      a.cfg.App.InstanceID,
			"call_sessions": a.registry.Len(),
			"jobs":          a.scheduler.Jobs(),
		})
	})
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	// Carrier webhooks always answer 200 with TwiML, even after a panic.
	carrier := r.Group("")
	carrier.Use(telephony.Recovery())
	if a.cfg.Twilio.ValidateSignatures {
		carrier.Use(telephony.RequireSignature(a.cfg.Twilio.AuthToken, a.cfg.App.PublicBaseURL, a.log))
	}
	{
		h := telephony.WebhookHandler{Orchestrator: a.orchestrator}
		carrier.POST(telephony.PathVoice, h.Voice)
		carrier.POST(telephony.PathCallStatus, h.CallStatus)
		carrier.POST(telephony.PathConference, h.Conference)
		carrier.POST(telephony.PathRecording, h.Recording)
	}

	// Model provider webhooks.
	model := r.Group("/webhooks/model")
	model.Use(gin.Recovery(), agent.RequireSignature(a.cfg.Model.WebhookSecret, a.log))
	{
		h := agent.Handler{Runner: a.runner}
		model.POST("", h.Webhook)
	}

	// Operator API.
	v1 := r.Group("/v1")
	v1.Use(gin.Recovery(), auth.RequireOperator(a.auth))
	{
		h := telephony.OperatorHandler{Orchestrator: a.orchestrator}
		v1.POST("/calls", h.PlaceCall)
		v1.POST("/calls/:conference/supervisor", h.AddSupervisor)
		v1.POST("/calls/:conference/handoff", h.HandOff)
	}
	{
		h := tickets.Handler{Outbox: a.outbox, Audit: a.audit}
		v1.GET("/outbox", h.List)
		v1.GET("/outbox/:id", h.Get)
		v1.POST("/outbox/:id/requeue", h.Requeue)
	}
	{
		h := workflow.Handler{Service: a.workflows}
		v1.POST("/workflows", h.Create)
		v1.GET("/workflows/:id", h.Get)
		v1.PATCH("/workflows/:id", h.Patch)
	}
	v1.GET("/audit/:subject/:id", audit.Handler{Service: a.audit}.History)

	return r
}

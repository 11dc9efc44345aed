package main

import (
	"github.com/gin-gonic/gin"

	"outdial-platform/internal/auth"
	"outdial-platform/internal/config"
	"outdial-platform/internal/httpapi"
	"outdial-platform/internal/relay"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, h httpapi.Handlers, coordinator *relay.Coordinator) {
	// public
	r.GET("/healthz", h.Healthz)

	// Provider callbacks (public, call-scoped tokens).
	// The answer webhook and the stream endpoint carry a signed short-lived
	// token; the status webhook is scoped by call_id and tolerates stale
	// deliveries.
	r.GET("/webhooks/twilio/answer", h.AnswerWebhook)
	r.POST("/webhooks/twilio/answer", h.AnswerWebhook)
	r.POST("/webhooks/twilio/status", h.StatusWebhook)
	r.GET("/stream/:token", coordinator.HandleStream)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAPIToken(cfg.Auth))
	{
		calls := v1.Group("/calls")
		{
			calls.POST("", h.EnqueueCall)
			calls.POST("/:id/answer", h.SubmitLiveAnswer)
			calls.POST("/:id/hangup", h.RequestHangup)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("", h.EnqueueSms)
		}
	}
}

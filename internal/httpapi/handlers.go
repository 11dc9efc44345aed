package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"outdial-platform/internal/auth"
	"outdial-platform/internal/callrecord"
	"outdial-platform/internal/dialer"
	"outdial-platform/internal/jobqueue"
	"outdial-platform/internal/numberpool"
	"outdial-platform/internal/relay"
	"outdial-platform/internal/session"
	"outdial-platform/internal/telephony"
	"outdial-platform/pkg/logger"
	"outdial-platform/pkg/utils"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Queue       *jobqueue.Queue
	Pool        *jobqueue.Pool
	Records     *callrecord.Store
	Coordinator *relay.Coordinator
	Dialer      *dialer.Service
	Tokens      *auth.StreamTokens
	Sessions    *session.Store
	Numbers     *numberpool.Allocator
	DB          *sql.DB

	PublicBaseURL string
}

// --- job submission boundary ---

type enqueueCallRequest struct {
	CallID        string            `json:"call_id,omitempty"`
	TaskID        string            `json:"task_id"`
	UserID        string            `json:"user_id"`
	BusinessName  string            `json:"business_name"`
	PhoneNumber   string            `json:"phone_number"`
	Purpose       string            `json:"purpose"`
	Questions     []string          `json:"questions,omitempty"`
	Context       string            `json:"context,omitempty"`
	CallerProfile map[string]string `json:"caller_profile,omitempty"`

	CallerIDNumber string             `json:"caller_id_number,omitempty"`
	TierLimits     *dialer.TierLimits `json:"tier_limits,omitempty"`
}

// EnqueueCall accepts a call job, creates the persisted record and queues
// the work. Returns immediately with the call id.
func (h Handlers) EnqueueCall(c *gin.Context) {
	var req enqueueCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.PhoneNumber == "" || req.Purpose == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, phone_number, purpose required"})
		return
	}
	if !strings.HasPrefix(req.PhoneNumber, "+") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number must be E.164"})
		return
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	job := dialer.CallJob{
		CallID:         req.CallID,
		TaskID:         req.TaskID,
		UserID:         req.UserID,
		BusinessName:   req.BusinessName,
		PhoneNumber:    req.PhoneNumber,
		Purpose:        req.Purpose,
		Questions:      req.Questions,
		Context:        req.Context,
		CallerProfile:  req.CallerProfile,
		CallerIDNumber: req.CallerIDNumber,
		TierLimits:     req.TierLimits,
	}

	ctx := c.Request.Context()
	if err := h.Records.Create(ctx, callrecord.Record{
		CallID:       job.CallID,
		TaskID:       job.TaskID,
		UserID:       job.UserID,
		Kind:         callrecord.KindCall,
		BusinessName: job.BusinessName,
		PhoneNumber:  job.PhoneNumber,
	}); err != nil {
		logger.FromGin(c).Error("record create failed", "call_id", job.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "record create failed"})
		return
	}
	jobID, err := h.Queue.Enqueue(ctx, jobqueue.KindCall, job, jobqueue.Options{})
	if err != nil {
		logger.FromGin(c).Error("enqueue failed", "call_id", job.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"call_id": job.CallID, "job_id": jobID})
}

type enqueueSmsRequest struct {
	CallID         string `json:"call_id,omitempty"`
	TaskID         string `json:"task_id"`
	UserID         string `json:"user_id"`
	BusinessName   string `json:"business_name"`
	PhoneNumber    string `json:"phone_number"`
	SmsBody        string `json:"sms_body"`
	CallerIDNumber string `json:"caller_id_number,omitempty"`
}

// EnqueueSms accepts a text-message job.
func (h Handlers) EnqueueSms(c *gin.Context) {
	var req enqueueSmsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.PhoneNumber == "" || req.SmsBody == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, phone_number, sms_body required"})
		return
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	job := dialer.SmsJob{
		CallID:         req.CallID,
		TaskID:         req.TaskID,
		UserID:         req.UserID,
		BusinessName:   req.BusinessName,
		PhoneNumber:    req.PhoneNumber,
		SmsBody:        req.SmsBody,
		CallerIDNumber: req.CallerIDNumber,
	}

	ctx := c.Request.Context()
	if err := h.Records.Create(ctx, callrecord.Record{
		CallID:       job.CallID,
		TaskID:       job.TaskID,
		UserID:       job.UserID,
		Kind:         callrecord.KindSms,
		BusinessName: job.BusinessName,
		PhoneNumber:  job.PhoneNumber,
	}); err != nil {
		logger.FromGin(c).Error("record create failed", "call_id", job.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "record create failed"})
		return
	}
	jobID, err := h.Queue.Enqueue(ctx, jobqueue.KindSms, job, jobqueue.Options{})
	if err != nil {
		logger.FromGin(c).Error("enqueue failed", "call_id", job.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"call_id": job.CallID, "job_id": jobID})
}

// --- out-of-band control boundary ---

type liveAnswerRequest struct {
	Answer string `json:"answer"`
}

// SubmitLiveAnswer injects a user clarification into a running call.
func (h Handlers) SubmitLiveAnswer(c *gin.Context) {
	callID := c.Param("id")
	var req liveAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Answer) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "answer required"})
		return
	}
	err := h.Coordinator.SubmitLiveAnswer(c.Request.Context(), callID, req.Answer)
	if err != nil {
		if errors.Is(err, relay.ErrNotActive) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call is not active"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "live answer failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// RequestHangup terminates an in-flight call at the provider.
func (h Handlers) RequestHangup(c *gin.Context) {
	callID := c.Param("id")
	if err := h.Coordinator.Hangup(c.Request.Context(), callID); err != nil {
		if errors.Is(err, callrecord.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call"})
			return
		}
		logger.FromGin(c).Error("hangup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "hangup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// --- provider webhooks (public, token- or sid-scoped) ---

// AnswerWebhook serves the TwiML that connects an answered call to its
// conversation stream. The token in the query scopes it to one call.
func (h Handlers) AnswerWebhook(c *gin.Context) {
	token := c.Query("token")
	callID, err := h.Tokens.Verify(token, time.Now())
	if err != nil {
		h.rejectTwiML(c)
		return
	}
	if _, ok := h.Sessions.Get(callID); !ok {
		logger.FromGin(c).Error("answer webhook for unknown session", "call_id", callID)
		h.rejectTwiML(c)
		return
	}

	streamURL := wsBase(h.PublicBaseURL) + "/stream/" + token
	doc, err := telephony.AnswerTwiML(streamURL)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml", doc)
}

func (h Handlers) rejectTwiML(c *gin.Context) {
	doc, err := telephony.RejectTwiML("I'm sorry, something went wrong on my end. Goodbye.")
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml", doc)
}

// StatusWebhook records provider lifecycle callbacks: ringing, machine
// detection, terminal outcomes for calls that never opened a stream, and
// SMS delivery status.
func (h Handlers) StatusWebhook(c *gin.Context) {
	callID := c.Query("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	form, err := telephony.ParseStatusCallback(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	ctx := c.Request.Context()
	log := logger.FromGin(c).With("call_id", callID)

	rec, err := h.Records.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, callrecord.ErrNotFound) {
			c.Status(http.StatusOK) // stale callback, nothing to update
			return
		}
		log.Error("record lookup failed", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	switch {
	case form.MessageStatus != "":
		h.applyMessageStatus(c, rec, form)
	default:
		h.applyCallStatus(c, rec, form)
	}
	c.Status(http.StatusOK)
}

func (h Handlers) applyMessageStatus(c *gin.Context, rec callrecord.Record, form telephony.StatusCallbackForm) {
	ctx := c.Request.Context()
	log := logger.FromGin(c).With("call_id", rec.CallID)
	if rec.Status.IsTerminal() {
		return
	}
	switch form.MessageStatus {
	case "delivered":
		if err := h.Records.SetStatus(ctx, rec.CallID, callrecord.StatusDelivered, ""); err != nil {
			log.Error("delivery status update failed", "err", err)
		}
	case "undelivered", "failed":
		msg := "sms undelivered"
		if form.ErrorCode != "" {
			msg += " (error " + form.ErrorCode + ")"
		}
		if err := h.Records.Fail(ctx, rec.CallID, msg); err != nil {
			log.Error("delivery failure update failed", "err", err)
		}
	}
}

func (h Handlers) applyCallStatus(c *gin.Context, rec callrecord.Record, form telephony.StatusCallbackForm) {
	ctx := c.Request.Context()
	log := logger.FromGin(c).With("call_id", rec.CallID)

	if form.IsMachine() {
		if err := h.Records.SetStatusDetail(ctx, rec.CallID, "answering machine detected ("+form.AnsweredBy+")"); err != nil {
			log.Warn("machine detail update failed", "err", err)
		}
	}

	switch form.CallStatus {
	case "ringing":
		if rec.Status == callrecord.StatusInitiating || rec.Status == callrecord.StatusQueued {
			if err := h.Records.SetStatus(ctx, rec.CallID, callrecord.StatusRinging, ""); err != nil {
				log.Error("ringing update failed", "err", err)
			}
		}
	case "busy", "no-answer", "failed", "canceled":
		if rec.Status.IsTerminal() || rec.Status == callrecord.StatusRetrying {
			return
		}
		if err := h.Records.Fail(ctx, rec.CallID, "provider reported "+form.CallStatus); err != nil {
			log.Error("terminal status update failed", "err", err)
		}
		h.releaseDialResources(ctx, rec.CallID)
	case "completed":
		// The stream close path normally finalizes first. If the call
		// never reached a conversation, terminate the record here.
		if rec.Status == callrecord.StatusInitiating || rec.Status == callrecord.StatusRinging {
			if err := h.Records.Complete(ctx, rec.CallID, nil, "Call ended before the conversation started."); err != nil {
				log.Error("pre-stream completion failed", "err", err)
			}
			h.releaseDialResources(ctx, rec.CallID)
		}
	}
}

// releaseDialResources frees what the dial attempt held when no stream
// ever opened: the number assignment, the session, any tier-cap slot.
// The coordinator owns these releases once a stream exists.
func (h Handlers) releaseDialResources(ctx context.Context, callID string) {
	if sess, ok := h.Sessions.Get(callID); ok {
		h.Sessions.Delete(callID)
		if sess.MaxConcurrentCalls > 0 {
			h.Dialer.ReleaseUserCap(ctx, sess.UserID)
		}
	}
	h.Numbers.Release(callID)
}

// --- health ---

// Healthz reports liveness plus queue and call gauges.
func (h Handlers) Healthz(c *gin.Context) {
	if err := utils.HealthCheck(c.Request.Context(), h.DB, 2*time.Second); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
		return
	}
	ready, delayed, err := h.Queue.Depth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "queue unreachable"})
		return
	}
	stats := h.Pool.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"active_calls":   h.Coordinator.ActiveCalls(),
		"sessions":       h.Sessions.Len(),
		"queue_ready":    ready,
		"queue_delayed":  delayed,
		"jobs_processed": stats.Processed,
		"jobs_failed":    stats.Failed,
		"jobs_abandoned": stats.Abandoned,
	})
}

func wsBase(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://")
	default:
		return httpBase
	}
}

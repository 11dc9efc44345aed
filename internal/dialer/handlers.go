package dialer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outdial-platform/internal/callrecord"
	"outdial-platform/internal/jobqueue"
	"outdial-platform/internal/numberpool"
	"outdial-platform/internal/session"
	"outdial-platform/internal/telephony"
	"outdial-platform/pkg/logger"
)

// JobHandlers adapts the Service to the worker pool. Every path through a
// handler leaves the persisted record terminal-or-retrying: transient
// errors bubble to the queue (which re-enqueues or abandons via OnAbandon),
// fatal ones finalize the record before returning.
type JobHandlers struct {
	svc   *Service
	queue *jobqueue.Queue
}

func NewJobHandlers(svc *Service, queue *jobqueue.Queue) *JobHandlers {
	return &JobHandlers{svc: svc, queue: queue}
}

// Handlers returns the dispatch table for the pool.
func (h *JobHandlers) Handlers() map[jobqueue.Kind]jobqueue.Handler {
	return map[jobqueue.Kind]jobqueue.Handler{
		jobqueue.KindCall: h.HandleCallJob,
		jobqueue.KindSms:  h.HandleSmsJob,
	}
}

// capRetryDelay spaces out attempts while a user's tier cap is full.
const capRetryDelay = 30 * time.Second

func (h *JobHandlers) HandleCallJob(ctx context.Context, env jobqueue.Envelope) error {
	var job CallJob
	if err := jobqueue.DecodePayload(env, &job); err != nil {
		return jobqueue.Fatal(fmt.Errorf("dialer: decode call job: %w", err))
	}

	// Tier cap: a full cap is not a failure, the job just waits its turn.
	if job.TierLimits != nil && job.TierLimits.MaxConcurrentCalls > 0 {
		ok, err := h.svc.AcquireUserCap(ctx, job.UserID, job.TierLimits.MaxConcurrentCalls)
		if err != nil {
			return fmt.Errorf("dialer: tier cap check: %w", err)
		}
		if !ok {
			if _, err := h.queue.Enqueue(ctx, jobqueue.KindCall, job, jobqueue.Options{Delay: capRetryDelay}); err != nil {
				h.svc.ReleaseUserCap(ctx, job.UserID)
				return fmt.Errorf("dialer: re-enqueue for tier cap: %w", err)
			}
			if derr := h.svc.records.SetStatus(ctx, job.CallID, callrecord.StatusQueued, "waiting for a free call slot"); derr != nil {
				logger.From(ctx).Warn("cap wait detail failed", "call_id", job.CallID, "err", derr)
			}
			return nil
		}
	}

	// The session must exist before the provider can call back.
	h.svc.sessions.Put(session.CallSession{
		CallID:               job.CallID,
		TaskID:               job.TaskID,
		UserID:               job.UserID,
		BusinessName:         job.BusinessName,
		PhoneNumber:          job.PhoneNumber,
		Purpose:              job.Purpose,
		Questions:            job.Questions,
		Context:              job.Context,
		CallerProfile:        job.CallerProfile,
		PreviousAttemptNotes: job.PreviousAttemptNotes,
		RetryCount:           job.RetryCount,
		MaxConcurrentCalls:   tierLimit(job),
	})

	_, err := h.svc.InitiateCall(ctx, job)
	if err == nil {
		// Number, session and cap slot stay held for the live call; the
		// stream close path releases them.
		return nil
	}

	h.cleanupCall(ctx, job)

	switch {
	case errors.Is(err, numberpool.ErrNoNumbers):
		_ = h.svc.records.Fail(ctx, job.CallID, "no outbound numbers configured")
		return jobqueue.Fatal(err)
	case telephony.IsTransient(err):
		// Back to queued so the record never reads as live between
		// attempts; the queue re-dials with backoff.
		if derr := h.svc.records.SetStatus(ctx, job.CallID, callrecord.StatusQueued, "provider error, will retry"); derr != nil {
			logger.From(ctx).Warn("transient detail failed", "call_id", job.CallID, "err", derr)
		}
		return err
	default:
		_ = h.svc.records.Fail(ctx, job.CallID, "dial failed: "+err.Error())
		return jobqueue.Fatal(err)
	}
}

func (h *JobHandlers) HandleSmsJob(ctx context.Context, env jobqueue.Envelope) error {
	var job SmsJob
	if err := jobqueue.DecodePayload(env, &job); err != nil {
		return jobqueue.Fatal(fmt.Errorf("dialer: decode sms job: %w", err))
	}

	err := h.svc.SendSms(ctx, job)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, numberpool.ErrNoNumbers):
		_ = h.svc.records.Fail(ctx, job.CallID, "no outbound numbers configured")
		return jobqueue.Fatal(err)
	case telephony.IsTransient(err):
		return err
	default:
		_ = h.svc.records.Fail(ctx, job.CallID, "sms dispatch failed: "+err.Error())
		return jobqueue.Fatal(err)
	}
}

// OnAbandon marks the record failed when the queue gives up. This is the
// backstop for the "no job throws without the record being updated"
// contract.
func (h *JobHandlers) OnAbandon(ctx context.Context, env jobqueue.Envelope, cause error) {
	switch env.Kind {
	case jobqueue.KindCall:
		var job CallJob
		if err := jobqueue.DecodePayload(env, &job); err != nil {
			logger.From(ctx).Error("abandoned call job undecodable", "job_id", env.ID, "err", err)
			return
		}
		h.cleanupCall(ctx, job)
		if err := h.svc.records.Fail(ctx, job.CallID, "call attempt abandoned: "+cause.Error()); err != nil && !errors.Is(err, callrecord.ErrNotFound) {
			logger.From(ctx).Error("abandon finalize failed", "call_id", job.CallID, "err", err)
		}
	case jobqueue.KindSms:
		var job SmsJob
		if err := jobqueue.DecodePayload(env, &job); err != nil {
			logger.From(ctx).Error("abandoned sms job undecodable", "job_id", env.ID, "err", err)
			return
		}
		if err := h.svc.records.Fail(ctx, job.CallID, "sms abandoned: "+cause.Error()); err != nil && !errors.Is(err, callrecord.ErrNotFound) {
			logger.From(ctx).Error("abandon finalize failed", "call_id", job.CallID, "err", err)
		}
	}
}

func (h *JobHandlers) cleanupCall(ctx context.Context, job CallJob) {
	h.svc.sessions.Delete(job.CallID)
	h.svc.numbers.Release(job.CallID)
	if job.TierLimits != nil && job.TierLimits.MaxConcurrentCalls > 0 {
		h.svc.ReleaseUserCap(ctx, job.UserID)
	}
}

func tierLimit(job CallJob) int {
	if job.TierLimits == nil {
		return 0
	}
	return job.TierLimits.MaxConcurrentCalls
}

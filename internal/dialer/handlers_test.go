package dialer

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"outdial-platform/internal/jobqueue"
	"outdial-platform/internal/numberpool"
	"outdial-platform/internal/session"
)

// The dial and SMS paths persist through Postgres and take tier-cap slots
// in Redis, so their end-to-end behavior (status transitions, cap waits,
// retry classification after a provider error) belongs to integration
// tests against real backends.
//
// What we can safely unit-test without a DB:
// - payload decode failures are fatal, never retried
// - tier limit extraction from the job
// - caller-id precedence and pool-release bookkeeping
// - cap acquisition short-circuit when no limit applies

func newTestHandlers() *JobHandlers {
	svc := NewService(nil, numberpool.NewAllocator([]string{"+15550001111"}),
		session.NewStore(), nil, nil, nil, "https://calls.example.com", slog.Default())
	return NewJobHandlers(svc, nil)
}

func TestHandleCallJob_UndecodablePayloadIsFatal(t *testing.T) {
	h := newTestHandlers()
	err := h.HandleCallJob(context.Background(), jobqueue.Envelope{Kind: jobqueue.KindCall, Payload: []byte("{")})
	if !errors.Is(err, jobqueue.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestHandleSmsJob_UndecodablePayloadIsFatal(t *testing.T) {
	h := newTestHandlers()
	err := h.HandleSmsJob(context.Background(), jobqueue.Envelope{Kind: jobqueue.KindSms, Payload: []byte("not json")})
	if !errors.Is(err, jobqueue.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestTierLimit(t *testing.T) {
	if got := tierLimit(CallJob{}); got != 0 {
		t.Fatalf("expected 0 without limits, got %d", got)
	}
	if got := tierLimit(CallJob{TierLimits: &TierLimits{MaxConcurrentCalls: 3}}); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestReleaseIfPooled(t *testing.T) {
	h := newTestHandlers()
	svc := h.svc

	// Pooled dial: the assignment must be freed.
	if _, err := svc.numbers.Resolve("c-1", "", "+15550009999"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	svc.releaseIfPooled(CallJob{CallID: "c-1", PhoneNumber: "+15550009999"})
	if svc.numbers.InFlight() != 0 {
		t.Fatalf("pooled assignment not released")
	}

	// A caller-id dial never took a pool slot, so its cleanup must not
	// touch other calls' assignments.
	if _, err := svc.numbers.Resolve("c-2", "", "+15550009999"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	svc.releaseIfPooled(CallJob{CallID: "c-3", CallerIDNumber: "+15550007777", PhoneNumber: "+15550009999"})
	if svc.numbers.InFlight() != 1 {
		t.Fatalf("caller-id cleanup touched the pool")
	}
}

func TestAcquireUserCap_NoLimitAlwaysAdmits(t *testing.T) {
	h := newTestHandlers()
	ok, err := h.svc.AcquireUserCap(context.Background(), "u-1", 0)
	if err != nil || !ok {
		t.Fatalf("expected admit without limit, got ok=%v err=%v", ok, err)
	}
}

func TestStatusCallbackURL(t *testing.T) {
	h := newTestHandlers()
	got := h.svc.statusCallbackURL("c-9")
	want := "https://calls.example.com/webhooks/twilio/status?call_id=c-9"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

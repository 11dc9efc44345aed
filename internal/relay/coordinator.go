package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"outdial-platform/internal/auth"
	"outdial-platform/internal/callrecord"
	"outdial-platform/internal/convo"
	"outdial-platform/internal/dialer"
	"outdial-platform/internal/jobqueue"
	"outdial-platform/internal/llm"
	"outdial-platform/internal/numberpool"
	"outdial-platform/internal/session"
	"outdial-platform/internal/telephony"
)

const (
	// holdTickInterval refreshes the elapsed-hold detail on the record.
	holdTickInterval = 10 * time.Second

	// closeGrace lets the closing reply finish playing before the
	// channel is torn down.
	closeGrace = 3 * time.Second

	// retryDelay spaces a granted retry from the attempt that requested it.
	retryDelay = 30 * time.Second
)

var ErrNotActive = errors.New("relay: call is not active in this process")

// capReleaser frees a tier-cap slot on call teardown.
type capReleaser interface {
	ReleaseUserCap(ctx context.Context, userID string)
}

// recordStore is the slice of the call-record store the coordinator
// writes through. *callrecord.Store satisfies it; tests substitute a
// memory-backed one.
type recordStore interface {
	Get(ctx context.Context, callID string) (callrecord.Record, error)
	MarkStarted(ctx context.Context, callID, providerSID string) error
	SetStatus(ctx context.Context, callID string, status callrecord.Status, detail string) error
	SetStatusDetail(ctx context.Context, callID, detail string) error
	StartHold(ctx context.Context, callID string) error
	EndHold(ctx context.Context, callID string) error
	MarkRetrying(ctx context.Context, callID, reason string) error
	Complete(ctx context.Context, callID string, result []byte, summary string) error
	Fail(ctx context.Context, callID, errText string) error
	AppendTranscript(ctx context.Context, callID, role, text string) error
}

// jobEnqueuer schedules the retry attempts the close path grants.
type jobEnqueuer interface {
	Enqueue(ctx context.Context, kind jobqueue.Kind, payload any, opts jobqueue.Options) (string, error)
}

// transcriptExtractor runs post-call memory extraction.
type transcriptExtractor interface {
	ExtractAsync(callID, businessName string, turns []convo.Turn)
}

// Coordinator bridges the telephony platform's duplex channel to the
// conversation machine: it feeds each human utterance in, relays the
// agent's reply out, persists every status transition, and runs the
// retry/cleanup policy when the channel ends.
type Coordinator struct {
	sessions  *session.Store
	records   recordStore
	numbers   *numberpool.Allocator
	queue     jobEnqueuer
	backend   llm.Responder
	extractor transcriptExtractor
	provider  telephony.Provider
	tokens    *auth.StreamTokens
	caps      capReleaser
	log       *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[string]*liveCall
}

func NewCoordinator(
	sessions *session.Store,
	records recordStore,
	numbers *numberpool.Allocator,
	queue jobEnqueuer,
	backend llm.Responder,
	extractor transcriptExtractor,
	provider telephony.Provider,
	tokens *auth.StreamTokens,
	caps capReleaser,
	log *slog.Logger,
) *Coordinator {
	return &Coordinator{
		sessions:  sessions,
		records:   records,
		numbers:   numbers,
		queue:     queue,
		backend:   backend,
		extractor: extractor,
		provider:  provider,
		tokens:    tokens,
		caps:      caps,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The provider connects server-to-server with a signed URL;
			// there is no browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		active: make(map[string]*liveCall),
	}
}

// liveCall is the per-connection state. The read loop is the single
// writer for the machine; mu additionally serializes the out-of-band
// live-answer path against it.
type liveCall struct {
	callID string
	sess   session.CallSession

	mu      sync.Mutex
	machine *convo.Machine

	conn    *websocket.Conn
	writeMu sync.Mutex

	status callrecord.Status

	holdStop chan struct{} // non-nil exactly while a hold period runs

	closed    bool
	finalized bool
}

// stopHold closes an open hold ticker. It reports whether a hold period
// was actually open. Every path that moves the call out of on_hold must
// go through here, or the ticker keeps overwriting the status detail
// under the new status.
func (lc *liveCall) stopHold() bool {
	if lc.holdStop == nil {
		return false
	}
	close(lc.holdStop)
	lc.holdStop = nil
	return true
}

// HandleStream is the websocket endpoint the provider connects to
// (GET /stream/:token).
func (co *Coordinator) HandleStream(c *gin.Context) {
	callID, err := co.tokens.Verify(c.Param("token"), time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid stream token"})
		return
	}

	conn, err := co.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		co.log.Error("stream upgrade failed", "call_id", callID, "err", err)
		return
	}

	log := co.log.With("call_id", callID)
	ctx := c.Request.Context()

	sess, ok := co.sessions.Get(callID)
	if !ok {
		// The job context is gone (process restart, expired attempt).
		// Apologize, fail the attempt, no automatic retry.
		log.Error("stream opened for unknown session")
		co.speakAndClose(conn, "I'm sorry, something went wrong on my end. Goodbye.")
		if err := co.records.Fail(context.WithoutCancel(ctx), callID, "no active session for incoming stream"); err != nil && !errors.Is(err, callrecord.ErrNotFound) {
			log.Error("session-fault finalize failed", "err", err)
		}
		return
	}

	lc := &liveCall{
		callID:  callID,
		sess:    sess,
		machine: convo.NewMachine(sess, co.backend),
		conn:    conn,
		status:  callrecord.StatusInProgress,
	}

	co.mu.Lock()
	co.active[callID] = lc
	co.mu.Unlock()

	co.runLoop(ctx, lc, log)
}

// runLoop processes the channel's inbound messages sequentially until it
// closes, then runs close-path cleanup.
func (co *Coordinator) runLoop(ctx context.Context, lc *liveCall, log *slog.Logger) {
	// Finalization must run even if the read loop exits on error; use a
	// context that survives request cancellation.
	defer co.teardown(context.WithoutCancel(ctx), lc, log)

	for {
		_, raw, err := lc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("stream read ended", "err", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn("undecodable stream message", "err", err)
			continue
		}

		switch msg.Type {
		case msgSetup:
			co.handleSetup(ctx, lc, msg, log)
		case msgPrompt:
			done := co.handlePrompt(ctx, lc, msg.VoicePrompt, log)
			if done {
				return
			}
		case msgInterrupt:
			lc.mu.Lock()
			lc.machine.HandleInterrupt(msg.UtteranceUntilInterrupt)
			lc.mu.Unlock()
		case msgDtmf:
			// Keypress heard on the line; log only, no state change.
			co.note(ctx, lc, fmt.Sprintf("Caller pressed %s", msg.Digit))
		case msgError:
			log.Error("stream error message", "description", msg.Description)
			co.failFromChannel(ctx, lc, msg.Description)
			return
		default:
			log.Debug("ignoring unknown stream message", "type", msg.Type)
		}
	}
}

func (co *Coordinator) handleSetup(ctx context.Context, lc *liveCall, msg inboundMessage, log *slog.Logger) {
	if err := co.records.MarkStarted(ctx, lc.callID, msg.CallSid); err != nil {
		log.Error("mark started failed", "err", err)
	}
	log.Info("call connected", "provider_call_sid", msg.CallSid)
}

// handlePrompt feeds one utterance through the machine and relays the
// reply. Returns true when the call should end and the channel has been
// scheduled to close.
func (co *Coordinator) handlePrompt(ctx context.Context, lc *liveCall, utterance string, log *slog.Logger) bool {
	if err := co.records.AppendTranscript(ctx, lc.callID, "human", utterance); err != nil {
		log.Warn("transcript append failed", "err", err)
	}

	lc.mu.Lock()
	reply, events, err := lc.machine.Respond(ctx, utterance)
	lc.mu.Unlock()
	if err != nil {
		// Model/parse fault: the call must not sit in a live status.
		log.Error("respond failed", "err", err)
		co.failFromChannel(ctx, lc, "conversation backend failed: "+err.Error())
		return true
	}

	for _, ev := range events {
		co.applyEvent(ctx, lc, ev, log)
	}

	// Leaving menu navigation happens implicitly with the next ordinary
	// exchange.
	if lc.status == callrecord.StatusNavigatingMenu && !hasDtmf(events) {
		co.transition(ctx, lc, callrecord.StatusInProgress, "")
	}

	if reply != "" {
		if err := co.records.AppendTranscript(ctx, lc.callID, "agent", reply); err != nil {
			log.Warn("transcript append failed", "err", err)
		}
		co.send(lc, outboundMessage{Type: msgText, Token: reply, Last: true})
	}

	lc.mu.Lock()
	shouldEnd := lc.machine.ShouldEnd()
	lc.mu.Unlock()
	if shouldEnd {
		co.finalizeCompleted(ctx, lc, "", log)
		// Let the goodbye play out before tearing the channel down.
		time.Sleep(closeGrace)
		co.send(lc, outboundMessage{Type: msgEnd})
		return true
	}
	return false
}

// applyEvent persists the status/detail effect of one conversation event
// and appends its transcript-visible note, in emission order.
func (co *Coordinator) applyEvent(ctx context.Context, lc *liveCall, ev convo.Event, log *slog.Logger) {
	switch ev.Kind {
	case convo.EventEndCall:
		// Handled after the reply is relayed; nothing to persist here.
	case convo.EventTransfer:
		co.transition(ctx, lc, callrecord.StatusTransferred, "transfer in progress")
		co.note(ctx, lc, "Transfer initiated")
	case convo.EventHoldStart:
		co.startHold(ctx, lc, log)
		co.note(ctx, lc, "Placed on hold")
	case convo.EventHoldEnd:
		co.endHold(ctx, lc)
		co.note(ctx, lc, "Returned from hold")
	case convo.EventVoicemail:
		co.transition(ctx, lc, callrecord.StatusVoicemail, "leaving a voicemail message")
		co.note(ctx, lc, "Voicemail detected")
	case convo.EventDtmf:
		co.send(lc, outboundMessage{Type: msgSendDigits, Digits: ev.Digit})
		co.transition(ctx, lc, callrecord.StatusNavigatingMenu, "navigating phone menu")
		co.note(ctx, lc, "Pressed "+ev.Digit)
	case convo.EventRetryNeeded:
		co.note(ctx, lc, "Retry requested: "+ev.Reason)
	case convo.EventAnswerCaptured:
		co.note(ctx, lc, fmt.Sprintf("Captured answer for %q: %s", ev.Question, ev.Value))
	}
}

func (co *Coordinator) startHold(ctx context.Context, lc *liveCall, log *slog.Logger) {
	if lc.holdStop != nil {
		// Redundant hold marker inside an open hold period.
		return
	}
	if err := co.records.StartHold(ctx, lc.callID); err != nil {
		log.Error("start hold failed", "err", err)
	}
	lc.status = callrecord.StatusOnHold

	stop := make(chan struct{})
	lc.holdStop = stop
	started := time.Now()
	go func() {
		t := time.NewTicker(holdTickInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				elapsed := time.Since(started).Round(time.Second)
				detail := fmt.Sprintf("on hold for %s", elapsed)
				if err := co.records.SetStatusDetail(context.WithoutCancel(ctx), lc.callID, detail); err != nil {
					log.Warn("hold detail update failed", "err", err)
				}
			}
		}
	}()
}

func (co *Coordinator) endHold(ctx context.Context, lc *liveCall) {
	if !lc.stopHold() {
		return
	}
	if err := co.records.EndHold(ctx, lc.callID); err != nil {
		co.log.Error("end hold failed", "call_id", lc.callID, "err", err)
	}
	lc.status = callrecord.StatusInProgress
}

func (co *Coordinator) transition(ctx context.Context, lc *liveCall, status callrecord.Status, detail string) {
	// A transfer, voicemail, or menu event can arrive while a hold is
	// still open; the hold ends with the status it belonged to.
	lc.stopHold()
	lc.status = status
	if err := co.records.SetStatus(ctx, lc.callID, status, detail); err != nil {
		co.log.Error("status transition failed", "call_id", lc.callID, "status", status, "err", err)
	}
}

func (co *Coordinator) note(ctx context.Context, lc *liveCall, text string) {
	if err := co.records.AppendTranscript(ctx, lc.callID, "system", text); err != nil {
		co.log.Warn("transcript note failed", "call_id", lc.callID, "err", err)
	}
}

// finalizeCompleted persists the terminal result, kicks off memory
// extraction, and applies the retry policy. disconnectNote, when set,
// overrides the conversation's retry reason (used by the hold-disconnect
// path).
func (co *Coordinator) finalizeCompleted(ctx context.Context, lc *liveCall, disconnectNote string, log *slog.Logger) {
	if lc.finalized {
		return
	}
	lc.finalized = true
	lc.stopHold()

	lc.mu.Lock()
	result, summary := lc.machine.Result()
	retryReason := lc.machine.RetryReason()
	turns := lc.machine.Turns()
	lc.mu.Unlock()

	if disconnectNote != "" {
		summary = "Call ended unexpectedly."
		retryReason = disconnectNote
	}

	raw, err := json.Marshal(result)
	if err != nil {
		log.Error("result marshal failed", "err", err)
		raw = nil
	}
	if err := co.records.Complete(ctx, lc.callID, raw, summary); err != nil {
		log.Error("complete failed", "err", err)
	}

	co.extractor.ExtractAsync(lc.callID, lc.sess.BusinessName, turns)

	if retryReason != "" {
		co.maybeRetry(ctx, lc, retryReason, log)
	}
}

// maybeRetry re-enqueues the call when the retry budget allows, marking
// the record retrying so the user sees a retry is in progress.
func (co *Coordinator) maybeRetry(ctx context.Context, lc *liveCall, reason string, log *slog.Logger) {
	if lc.sess.RetryCount >= dialer.MaxRetries {
		log.Info("retry budget exhausted", "retry_count", lc.sess.RetryCount, "reason", reason)
		return
	}

	if err := co.records.MarkRetrying(ctx, lc.callID, reason); err != nil {
		log.Error("mark retrying failed", "err", err)
		return
	}

	job := dialer.CallJob{
		CallID:               lc.sess.CallID,
		TaskID:               lc.sess.TaskID,
		UserID:               lc.sess.UserID,
		BusinessName:         lc.sess.BusinessName,
		PhoneNumber:          lc.sess.PhoneNumber,
		Purpose:              lc.sess.Purpose,
		Questions:            lc.sess.Questions,
		Context:              lc.sess.Context,
		CallerProfile:        lc.sess.CallerProfile,
		RetryCount:           lc.sess.RetryCount + 1,
		PreviousAttemptNotes: reason,
	}
	if lc.sess.MaxConcurrentCalls > 0 {
		job.TierLimits = &dialer.TierLimits{MaxConcurrentCalls: lc.sess.MaxConcurrentCalls}
	}
	if _, err := co.queue.Enqueue(ctx, jobqueue.KindCall, job, jobqueue.Options{Delay: retryDelay}); err != nil {
		log.Error("retry enqueue failed", "err", err)
		// The record says retrying but no job exists; fail it rather
		// than leave it stuck.
		_ = co.records.Fail(ctx, lc.callID, "retry enqueue failed: "+err.Error())
	}
	log.Info("retry scheduled", "attempt", job.RetryCount, "reason", reason)
}

// failFromChannel persists a failed terminal state from the channel-error
// path; no automatic retry.
func (co *Coordinator) failFromChannel(ctx context.Context, lc *liveCall, errText string) {
	if lc.finalized {
		return
	}
	lc.finalized = true
	lc.stopHold()
	if err := co.records.Fail(context.WithoutCancel(ctx), lc.callID, errText); err != nil {
		co.log.Error("fail finalize failed", "call_id", lc.callID, "err", err)
	}
}

// teardown runs exactly once when the channel closes, whatever the cause.
func (co *Coordinator) teardown(ctx context.Context, lc *liveCall, log *slog.Logger) {
	if lc.closed {
		return
	}
	lc.closed = true

	wasOnHold := lc.stopHold()

	co.mu.Lock()
	delete(co.active, lc.callID)
	co.mu.Unlock()

	// Channel dropped without a terminal event: finalize generically. A
	// disconnect while on hold is a legitimate retry trigger, since the
	// queue we were holding for is gone, not the conversation's goals.
	// An out-of-band hangup or a provider status callback may have
	// already written the terminal record; then the close path only
	// releases resources.
	if !lc.finalized {
		if rec, err := co.records.Get(ctx, lc.callID); err == nil && rec.Status.IsTerminal() {
			lc.finalized = true
		} else if wasOnHold {
			co.finalizeCompleted(ctx, lc, "call disconnected while on hold", log)
		} else {
			co.finalizeUnexpected(ctx, lc, log)
		}
	}

	co.numbers.Release(lc.callID)
	co.sessions.Delete(lc.callID)
	if lc.sess.MaxConcurrentCalls > 0 {
		co.caps.ReleaseUserCap(ctx, lc.sess.UserID)
	}

	_ = lc.conn.Close()
	log.Info("call channel closed")
}

// finalizeUnexpected handles a non-hold disconnect: completed with a
// generic summary, memory extraction, no retry.
func (co *Coordinator) finalizeUnexpected(ctx context.Context, lc *liveCall, log *slog.Logger) {
	if lc.finalized {
		return
	}
	lc.finalized = true
	lc.stopHold()

	lc.mu.Lock()
	result, _ := lc.machine.Result()
	turns := lc.machine.Turns()
	lc.mu.Unlock()

	raw, err := json.Marshal(result)
	if err != nil {
		raw = nil
	}
	if err := co.records.Complete(ctx, lc.callID, raw, "Call ended unexpectedly."); err != nil {
		log.Error("unexpected-close finalize failed", "err", err)
	}
	co.extractor.ExtractAsync(lc.callID, lc.sess.BusinessName, turns)
}

// --- out-of-band control surface ---

// Hangup asks the provider to terminate the call by its provider sid and
// finalizes the record. It works even when the call's channel lives in
// another process: the provider-side termination makes that channel close
// and run its own cleanup.
func (co *Coordinator) Hangup(ctx context.Context, callID string) error {
	rec, err := co.records.Get(ctx, callID)
	if err != nil {
		return err
	}
	if rec.ProviderSID == "" {
		return fmt.Errorf("relay: call %s has no provider sid", callID)
	}
	if err := co.provider.Hangup(ctx, rec.ProviderSID); err != nil {
		return fmt.Errorf("relay: provider hangup: %w", err)
	}
	if err := co.records.Complete(ctx, callID, nil, "Call ended by user."); err != nil && !errors.Is(err, callrecord.ErrNotFound) {
		return err
	}
	return nil
}

// SubmitLiveAnswer injects an operator clarification into a running
// conversation as a system-origin turn.
func (co *Coordinator) SubmitLiveAnswer(ctx context.Context, callID, answer string) error {
	co.mu.Lock()
	lc, ok := co.active[callID]
	co.mu.Unlock()
	if !ok {
		return ErrNotActive
	}

	lc.mu.Lock()
	lc.machine.AddSystemNote(answer)
	lc.mu.Unlock()

	co.note(ctx, lc, "Live answer from user: "+answer)
	return nil
}

// ActiveCalls reports how many channels this process is serving.
func (co *Coordinator) ActiveCalls() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.active)
}

// --- websocket plumbing ---

func (co *Coordinator) send(lc *liveCall, msg outboundMessage) {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	if err := lc.conn.WriteJSON(msg); err != nil {
		co.log.Warn("stream write failed", "call_id", lc.callID, "err", err)
	}
}

// speakAndClose is the session-fault path: one apology, then end.
func (co *Coordinator) speakAndClose(conn *websocket.Conn, apology string) {
	_ = conn.WriteJSON(outboundMessage{Type: msgText, Token: apology, Last: true})
	time.Sleep(closeGrace)
	_ = conn.WriteJSON(outboundMessage{Type: msgEnd})
	_ = conn.Close()
}

func hasDtmf(events []convo.Event) bool {
	for _, ev := range events {
		if ev.Kind == convo.EventDtmf {
			return true
		}
	}
	return false
}

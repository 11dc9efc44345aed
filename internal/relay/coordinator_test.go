package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"outdial-platform/internal/auth"
	"outdial-platform/internal/callrecord"
	"outdial-platform/internal/config"
	"outdial-platform/internal/convo"
	"outdial-platform/internal/dialer"
	"outdial-platform/internal/jobqueue"
	"outdial-platform/internal/llm"
	"outdial-platform/internal/numberpool"
	"outdial-platform/internal/session"
	"outdial-platform/internal/telephony"
)

// memoryRecords is a memory-backed recordStore for coordinator tests,
// tracking every write so tests can assert on ordering and counts.
type memoryRecords struct {
	mu          sync.Mutex
	status      callrecord.Status
	providerSID string
	statusLog   []callrecord.Status
	startHolds  int
	endHolds    int
	completes   []string
	fails       []string
	retries     []string
	notes       []string
}

func (r *memoryRecords) setStatus(s callrecord.Status) {
	r.status = s
	r.statusLog = append(r.statusLog, s)
}

func (r *memoryRecords) Get(_ context.Context, callID string) (callrecord.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return callrecord.Record{CallID: callID, ProviderSID: r.providerSID, Status: r.status}, nil
}

func (r *memoryRecords) MarkStarted(_ context.Context, _, providerSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providerSID = providerSID
	r.setStatus(callrecord.StatusInProgress)
	return nil
}

func (r *memoryRecords) SetStatus(_ context.Context, _ string, status callrecord.Status, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStatus(status)
	return nil
}

func (r *memoryRecords) SetStatusDetail(context.Context, string, string) error { return nil }

func (r *memoryRecords) StartHold(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startHolds++
	r.setStatus(callrecord.StatusOnHold)
	return nil
}

func (r *memoryRecords) EndHold(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endHolds++
	r.setStatus(callrecord.StatusInProgress)
	return nil
}

func (r *memoryRecords) MarkRetrying(_ context.Context, _, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, reason)
	r.setStatus(callrecord.StatusRetrying)
	return nil
}

func (r *memoryRecords) Complete(_ context.Context, _ string, _ []byte, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, summary)
	r.setStatus(callrecord.StatusCompleted)
	return nil
}

func (r *memoryRecords) Fail(_ context.Context, _, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails = append(r.fails, errText)
	r.setStatus(callrecord.StatusFailed)
	return nil
}

func (r *memoryRecords) AppendTranscript(_ context.Context, _, role, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, role+": "+text)
	return nil
}

func (r *memoryRecords) holdCounts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startHolds, r.endHolds
}

func (r *memoryRecords) lastStatus() callrecord.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *memoryRecords) statuses() []callrecord.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]callrecord.Status, len(r.statusLog))
	copy(out, r.statusLog)
	return out
}

func (r *memoryRecords) summaries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.completes))
	copy(out, r.completes)
	return out
}

func (r *memoryRecords) retryReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.retries))
	copy(out, r.retries)
	return out
}

// memoryQueue captures retry enqueues instead of talking to redis.
type memoryQueue struct {
	mu   sync.Mutex
	jobs []dialer.CallJob
	opts []jobqueue.Options
}

func (q *memoryQueue) Enqueue(_ context.Context, _ jobqueue.Kind, payload any, opts jobqueue.Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, payload.(dialer.CallJob))
	q.opts = append(q.opts, opts)
	return "job-test", nil
}

func (q *memoryQueue) enqueued() ([]dialer.CallJob, []jobqueue.Options) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]dialer.CallJob, len(q.jobs))
	copy(jobs, q.jobs)
	opts := make([]jobqueue.Options, len(q.opts))
	copy(opts, q.opts)
	return jobs, opts
}

// scriptedResponder returns canned agent replies in order.
type scriptedResponder struct {
	mu      sync.Mutex
	replies []string
	next    int
}

func (s *scriptedResponder) Complete(context.Context, []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.replies) {
		return "Okay.", nil
	}
	reply := s.replies[s.next]
	s.next++
	return reply, nil
}

type countingExtractor struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExtractor) ExtractAsync(string, string, []convo.Turn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
}

func (e *countingExtractor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type recordingProvider struct {
	mu      sync.Mutex
	hangups []string
}

func (p *recordingProvider) Name() string { return "test" }

func (p *recordingProvider) Dial(context.Context, telephony.DialRequest) (telephony.DialResult, error) {
	return telephony.DialResult{ProviderCallSID: "CA-test"}, nil
}

func (p *recordingProvider) Hangup(_ context.Context, sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, sid)
	return nil
}

func (p *recordingProvider) SendMessage(context.Context, telephony.MessageRequest) (telephony.MessageResult, error) {
	return telephony.MessageResult{}, nil
}

type countingCaps struct {
	mu       sync.Mutex
	releases int
}

func (c *countingCaps) ReleaseUserCap(context.Context, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
}

func (c *countingCaps) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

type relayFixture struct {
	co        *Coordinator
	records   *memoryRecords
	queue     *memoryQueue
	sessions  *session.Store
	caps      *countingCaps
	extractor *countingExtractor
	provider  *recordingProvider
	tokens    *auth.StreamTokens
	srv       *httptest.Server
}

func newRelayFixture(t *testing.T, replies []string) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := auth.NewStreamTokens(config.AuthConfig{StreamSecret: "test-secret", StreamTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewStreamTokens: %v", err)
	}

	f := &relayFixture{
		records:   &memoryRecords{status: callrecord.StatusInitiating},
		queue:     &memoryQueue{},
		sessions:  session.NewStore(),
		caps:      &countingCaps{},
		extractor: &countingExtractor{},
		provider:  &recordingProvider{},
		tokens:    tokens,
	}
	f.co = NewCoordinator(
		f.sessions,
		f.records,
		numberpool.NewAllocator([]string{"+15550001111"}),
		f.queue,
		&scriptedResponder{replies: replies},
		f.extractor,
		f.provider,
		tokens,
		f.caps,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	r := gin.New()
	r.GET("/stream/:token", f.co.HandleStream)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

// connect registers the session, dials the stream endpoint with a signed
// token, and sends the setup message.
func (f *relayFixture) connect(t *testing.T, sess session.CallSession) *websocket.Conn {
	t.Helper()
	f.sessions.Put(sess)

	token, err := f.tokens.Issue(time.Now(), sess.CallID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream/" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(map[string]any{"type": "setup", "callSid": "CA123"}); err != nil {
		t.Fatalf("write setup: %v", err)
	}
	return conn
}

// exchange sends one prompt and waits for the agent's spoken reply, which
// guarantees the server has applied the prompt's events.
func exchange(t *testing.T, conn *websocket.Conn, utterance string) string {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": "prompt", "voicePrompt": utterance}); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	var reply struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "text" {
		t.Fatalf("reply type = %q, want text", reply.Type)
	}
	return reply.Token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testSession(callID string) session.CallSession {
	return session.CallSession{
		CallID:       callID,
		TaskID:       "t-1",
		UserID:       "u-1",
		BusinessName: "Shoreline Dental",
		PhoneNumber:  "+15550009999",
		Purpose:      "confirm an appointment",
	}
}

func TestHoldRoundTrip(t *testing.T) {
	f := newRelayFixture(t, []string{
		"Of course, I can hold. [ON_HOLD]",
		"[OFF_HOLD] Thanks for waiting.",
	})
	sess := testSession("c-1")
	sess.MaxConcurrentCalls = 1
	conn := f.connect(t, sess)

	exchange(t, conn, "Can you hold for a moment?")
	if starts, ends := f.records.holdCounts(); starts != 1 || ends != 0 {
		t.Fatalf("after hold: starts=%d ends=%d, want 1,0", starts, ends)
	}
	if got := f.records.lastStatus(); got != callrecord.StatusOnHold {
		t.Fatalf("status = %s, want %s", got, callrecord.StatusOnHold)
	}

	exchange(t, conn, "Thanks for holding, how can I help?")
	if starts, ends := f.records.holdCounts(); starts != 1 || ends != 1 {
		t.Fatalf("after off-hold: starts=%d ends=%d, want 1,1", starts, ends)
	}
	if got := f.records.lastStatus(); got != callrecord.StatusInProgress {
		t.Fatalf("status = %s, want %s", got, callrecord.StatusInProgress)
	}

	want := []callrecord.Status{callrecord.StatusInProgress, callrecord.StatusOnHold, callrecord.StatusInProgress}
	got := f.records.statuses()
	if len(got) != len(want) {
		t.Fatalf("status log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status log = %v, want %v", got, want)
		}
	}

	conn.Close()
	waitFor(t, "teardown", func() bool { return f.sessions.Len() == 0 })
	waitFor(t, "cap release", func() bool { return f.caps.count() == 1 })

	// The hold ended on the line, so the close is an ordinary unexpected
	// disconnect, not a retry trigger.
	if jobs, _ := f.queue.enqueued(); len(jobs) != 0 {
		t.Fatalf("unexpected retry jobs: %v", jobs)
	}
	if got := f.records.summaries(); len(got) != 1 || got[0] != "Call ended unexpectedly." {
		t.Fatalf("summaries = %v", got)
	}
	if f.extractor.count() != 1 {
		t.Fatalf("extractor calls = %d, want 1", f.extractor.count())
	}
}

func TestDisconnectWhileOnHoldSchedulesRetry(t *testing.T) {
	f := newRelayFixture(t, []string{"Sure, I'll hold. [ON_HOLD]"})
	conn := f.connect(t, testSession("c-1"))

	exchange(t, conn, "Please hold while I check.")
	if got := f.records.lastStatus(); got != callrecord.StatusOnHold {
		t.Fatalf("status = %s, want %s", got, callrecord.StatusOnHold)
	}

	conn.Close()
	waitFor(t, "retry enqueue", func() bool {
		jobs, _ := f.queue.enqueued()
		return len(jobs) == 1
	})
	waitFor(t, "teardown", func() bool { return f.sessions.Len() == 0 })

	jobs, opts := f.queue.enqueued()
	job := jobs[0]
	if job.CallID != "c-1" || job.RetryCount != 1 {
		t.Fatalf("job = %+v, want call c-1 retry 1", job)
	}
	if job.PreviousAttemptNotes != "call disconnected while on hold" {
		t.Fatalf("previous attempt notes = %q", job.PreviousAttemptNotes)
	}
	if opts[0].Delay != retryDelay {
		t.Fatalf("delay = %s, want %s", opts[0].Delay, retryDelay)
	}
	if got := f.records.retryReasons(); len(got) != 1 || got[0] != "call disconnected while on hold" {
		t.Fatalf("retry reasons = %v", got)
	}
	if got := f.records.lastStatus(); got != callrecord.StatusRetrying {
		t.Fatalf("status = %s, want %s", got, callrecord.StatusRetrying)
	}
	if got := f.records.summaries(); len(got) != 1 || got[0] != "Call ended unexpectedly." {
		t.Fatalf("summaries = %v", got)
	}
}

func TestHoldDisconnectRespectsRetryBudget(t *testing.T) {
	f := newRelayFixture(t, []string{"Sure, I'll hold. [ON_HOLD]"})
	sess := testSession("c-1")
	sess.RetryCount = dialer.MaxRetries
	conn := f.connect(t, sess)

	exchange(t, conn, "Please hold.")
	conn.Close()
	waitFor(t, "teardown", func() bool { return f.sessions.Len() == 0 })

	if jobs, _ := f.queue.enqueued(); len(jobs) != 0 {
		t.Fatalf("retry scheduled past the budget: %v", jobs)
	}
	if got := f.records.retryReasons(); len(got) != 0 {
		t.Fatalf("retry reasons = %v, want none", got)
	}
	if got := f.records.lastStatus(); got != callrecord.StatusCompleted {
		t.Fatalf("status = %s, want %s", got, callrecord.StatusCompleted)
	}
}

func TestUserHangupKeepsItsSummary(t *testing.T) {
	f := newRelayFixture(t, []string{"Hello, I'm calling about an appointment."})
	conn := f.connect(t, testSession("c-1"))

	// One exchange so the setup message has been processed and the
	// provider sid recorded.
	exchange(t, conn, "Hello?")

	if err := f.co.Hangup(context.Background(), "c-1"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	f.provider.mu.Lock()
	hangups := len(f.provider.hangups)
	f.provider.mu.Unlock()
	if hangups != 1 {
		t.Fatalf("provider hangups = %d, want 1", hangups)
	}

	// The provider-side termination closes the channel.
	conn.Close()
	waitFor(t, "teardown", func() bool { return f.sessions.Len() == 0 })

	got := f.records.summaries()
	if len(got) != 1 || got[0] != "Call ended by user." {
		t.Fatalf("summaries = %v, want exactly [Call ended by user.]", got)
	}
}

func TestTransferDuringHoldStopsHoldTicker(t *testing.T) {
	f := newRelayFixture(t, []string{
		"[ON_HOLD] One moment please.",
		"I'm being transferred now. [TRANSFER]",
	})
	conn := f.connect(t, testSession("c-1"))

	exchange(t, conn, "Please hold.")

	f.co.mu.Lock()
	lc := f.co.active["c-1"]
	f.co.mu.Unlock()
	if lc == nil {
		t.Fatal("call not active")
	}
	if lc.holdStop == nil {
		t.Fatal("hold ticker not running during hold")
	}

	exchange(t, conn, "Transferring you to scheduling.")
	if lc.holdStop != nil {
		t.Fatal("hold ticker still running after transfer")
	}
	if got := f.records.lastStatus(); got != callrecord.StatusTransferred {
		t.Fatalf("status = %s, want %s", got, callrecord.StatusTransferred)
	}
}

func TestSubmitLiveAnswer(t *testing.T) {
	f := newRelayFixture(t, []string{"Hi, I'm calling about an appointment."})
	conn := f.connect(t, testSession("c-1"))
	exchange(t, conn, "Hello?")

	if err := f.co.SubmitLiveAnswer(context.Background(), "c-1", "The member number is 4417."); err != nil {
		t.Fatalf("SubmitLiveAnswer: %v", err)
	}
	found := false
	f.records.mu.Lock()
	for _, n := range f.records.notes {
		if strings.Contains(n, "The member number is 4417.") {
			found = true
		}
	}
	f.records.mu.Unlock()
	if !found {
		t.Fatal("live answer not recorded on the transcript")
	}

	if err := f.co.SubmitLiveAnswer(context.Background(), "c-404", "hello"); err != ErrNotActive {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"outdial-platform/internal/auth"
	"outdial-platform/internal/config"
	"outdial-platform/internal/session"
)

// The enqueue and status-webhook handlers write through Postgres and Redis;
// their end-to-end behavior is integration-test territory. Input validation
// and the answer webhook (token + session only) are unit-testable.

func newTestHandlers(t *testing.T) Handlers {
	t.Helper()
	tokens, err := auth.NewStreamTokens(config.AuthConfig{StreamSecret: "test-secret", StreamTTL: time.Minute})
	if err != nil {
		t.Fatalf("stream tokens: %v", err)
	}
	return Handlers{
		Tokens:        tokens,
		Sessions:      session.NewStore(),
		PublicBaseURL: "https://calls.example.com",
	}
}

func TestEnqueueCall_RejectsInvalidInput(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandlers(t)

	r := gin.New()
	r.POST("/v1/calls", h.EnqueueCall)

	cases := []string{
		"{",
		`{"user_id":"u"}`,
		`{"user_id":"u","phone_number":"5550001111","purpose":"book"}`,
	}
	for _, body := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/calls", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestEnqueueSms_RejectsMissingBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandlers(t)

	r := gin.New()
	r.POST("/v1/messages", h.EnqueueSms)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"user_id":"u","phone_number":"+15550001111"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAnswerWebhook_ValidTokenConnectsStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandlers(t)
	h.Sessions.Put(session.CallSession{CallID: "c-1", BusinessName: "Shoreline Dental"})

	token, err := h.Tokens.Issue(time.Now(), "c-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/webhooks/twilio/answer", h.AnswerWebhook)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/twilio/answer?token="+token, nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "wss://calls.example.com/stream/"+token) {
		t.Fatalf("expected stream url in twiml, got %s", body)
	}
	if !strings.Contains(body, "ConversationRelay") {
		t.Fatalf("expected relay verb, got %s", body)
	}
}

func TestAnswerWebhook_BadTokenRejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandlers(t)

	r := gin.New()
	r.GET("/webhooks/twilio/answer", h.AnswerWebhook)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/twilio/answer?token=garbage", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("twiml reject still answers 200, got %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "ConversationRelay") {
		t.Fatalf("reject must not open a stream: %s", body)
	}
	if !strings.Contains(body, "<Hangup>") {
		t.Fatalf("expected hangup: %s", body)
	}
}

func TestAnswerWebhook_MissingSessionRejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandlers(t)

	token, err := h.Tokens.Issue(time.Now(), "c-gone")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/webhooks/twilio/answer", h.AnswerWebhook)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/twilio/answer?token="+token, nil)
	r.ServeHTTP(w, req)

	if strings.Contains(w.Body.String(), "ConversationRelay") {
		t.Fatalf("no session must mean no stream: %s", w.Body.String())
	}
}

func TestWSBase(t *testing.T) {
	if got := wsBase("https://calls.example.com"); got != "wss://calls.example.com" {
		t.Fatalf("got %q", got)
	}
	if got := wsBase("http://localhost:8080"); got != "ws://localhost:8080" {
		t.Fatalf("got %q", got)
	}
}

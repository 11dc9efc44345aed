package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestAnswerTwiML_ConnectsRelay(t *testing.T) {
	doc, err := AnswerTwiML("wss://calls.example.com/stream/tok123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := string(doc)
	if !strings.Contains(got, "<Connect>") {
		t.Fatalf("missing Connect verb: %s", got)
	}
	if !strings.Contains(got, `<ConversationRelay url="wss://calls.example.com/stream/tok123">`) &&
		!strings.Contains(got, `<ConversationRelay url="wss://calls.example.com/stream/tok123"></ConversationRelay>`) {
		t.Fatalf("missing relay url: %s", got)
	}
}

func TestRejectTwiML_SaysAndHangsUp(t *testing.T) {
	doc, err := RejectTwiML("Sorry, goodbye.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := string(doc)
	if !strings.Contains(got, "<Say>Sorry, goodbye.</Say>") {
		t.Fatalf("missing Say: %s", got)
	}
	if !strings.Contains(got, "<Hangup>") {
		t.Fatalf("missing Hangup: %s", got)
	}
	if strings.Contains(got, "Connect") {
		t.Fatalf("reject document must not open a stream: %s", got)
	}
}

func TestParseStatusCallback_Voice(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "no-answer")
	form.Set("AnsweredBy", "machine_end_beep")
	form.Set("From", " +15550001111 ")
	form.Set("To", "+15550002222")

	req := httptest.NewRequest("POST", "/webhooks/twilio/status?call_id=c-1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f, err := ParseStatusCallback(req)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if f.CallSid != "CA123" || f.CallStatus != "no-answer" {
		t.Fatalf("unexpected form: %+v", f)
	}
	if f.From != "+15550001111" {
		t.Fatalf("expected trimmed From, got %q", f.From)
	}
	if !f.IsMachine() {
		t.Fatalf("expected machine detection hit")
	}
}

func TestIsMachine(t *testing.T) {
	if (StatusCallbackForm{AnsweredBy: "human"}).IsMachine() {
		t.Fatalf("human is not a machine")
	}
	if !(StatusCallbackForm{AnsweredBy: "machine_start"}).IsMachine() {
		t.Fatalf("machine_start should report machine")
	}
	if !(StatusCallbackForm{AnsweredBy: "fax"}).IsMachine() {
		t.Fatalf("fax should report machine")
	}
	if (StatusCallbackForm{}).IsMachine() {
		t.Fatalf("absent detection is not a machine")
	}
}

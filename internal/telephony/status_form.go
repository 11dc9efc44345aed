package telephony

import (
	"net/http"
	"strings"
)

// StatusCallbackForm captures the subset of provider status-callback
// fields the orchestrator cares about. Twilio sends
// application/x-www-form-urlencoded by default.
//
// Keep it minimal and provider-adapter-only; business logic is not made
// here.
type StatusCallbackForm struct {
	// CallSid is set for voice callbacks, MessageSid for SMS callbacks.
	CallSid    string
	MessageSid string

	CallStatus    string // queued, ringing, in-progress, completed, busy, no-answer, failed, canceled
	MessageStatus string // queued, sent, delivered, undelivered, failed

	// AnsweredBy is populated when machine detection ran:
	// human, machine_start, machine_end_beep, machine_end_silence, fax, unknown.
	AnsweredBy string

	From string
	To   string

	ErrorCode string
}

func ParseStatusCallback(r *http.Request) (StatusCallbackForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallbackForm{}, err
	}
	f := StatusCallbackForm{
		CallSid:       r.PostFormValue("CallSid"),
		MessageSid:    r.PostFormValue("MessageSid"),
		CallStatus:    r.PostFormValue("CallStatus"),
		MessageStatus: r.PostFormValue("MessageStatus"),
		AnsweredBy:    r.PostFormValue("AnsweredBy"),
		From:          strings.TrimSpace(r.PostFormValue("From")),
		To:            strings.TrimSpace(r.PostFormValue("To")),
		ErrorCode:     r.PostFormValue("ErrorCode"),
	}
	return f, nil
}

// IsMachine reports whether machine detection concluded a machine answered.
func (f StatusCallbackForm) IsMachine() bool {
	return strings.HasPrefix(f.AnsweredBy, "machine_") || f.AnsweredBy == "fax"
}

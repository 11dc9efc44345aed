package telephony

import (
	"context"
	"errors"
	"net"
)

// Provider defines the provider-agnostic telephony interface used by
// business logic.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic.
type Provider interface {
	Name() string

	// Dial places an outbound call. The provider later opens a duplex
	// stream back to AnswerURL's TwiML-designated channel; StatusCallbackURL
	// receives lifecycle callbacks (ringing, busy, no-answer, machine
	// detection) for calls that never reach a stream.
	Dial(ctx context.Context, req DialRequest) (DialResult, error)

	// Hangup terminates an in-flight call by its provider identifier.
	// It operates purely on the provider; the in-process stream observes
	// the resulting channel close.
	Hangup(ctx context.Context, providerCallSID string) error

	// SendMessage dispatches one SMS.
	SendMessage(ctx context.Context, req MessageRequest) (MessageResult, error)
}

type DialRequest struct {
	CallID string `json:"call_id"`

	// To and From are E.164. From has already passed the self-call guard.
	To   string `json:"to"`
	From string `json:"from"`

	// AnswerURL serves the TwiML that connects the answered call to the
	// conversation stream.
	AnswerURL         string `json:"answer_url"`
	StatusCallbackURL string `json:"status_callback_url"`

	// MachineDetection asks the provider to flag answering machines on
	// the status callback.
	MachineDetection bool `json:"machine_detection"`
}

type DialResult struct {
	ProviderCallSID string `json:"provider_call_sid"`
}

type MessageRequest struct {
	CallID string `json:"call_id"`

	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`

	StatusCallbackURL string `json:"status_callback_url"`
}

type MessageResult struct {
	ProviderMessageSID string `json:"provider_message_sid"`
	DeliveryStatus     string `json:"delivery_status"`
}

// ErrTransient wraps provider failures worth retrying at the job-queue
// level: timeouts, connection refusals, rate limits, provider 5xx.
var ErrTransient = errors.New("telephony: transient provider error")

// IsTransient reports whether err should be retried by the queue.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

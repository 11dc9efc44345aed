package callrecord

import "time"

// Status is the persisted call lifecycle state.
//
// Live statuses flow queued → initiating → ringing → in_progress, with
// in_progress ⇄ on_hold / navigating_menu / transferred / voicemail while
// the conversation runs. Terminal statuses are completed and failed;
// retrying loops the call back through queued via a fresh job.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusInitiating     Status = "initiating"
	StatusRinging        Status = "ringing"
	StatusInProgress     Status = "in_progress"
	StatusOnHold         Status = "on_hold"
	StatusNavigatingMenu Status = "navigating_menu"
	StatusTransferred    Status = "transferred"
	StatusVoicemail      Status = "voicemail"
	StatusRetrying       Status = "retrying"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"

	// SMS-only statuses share the table; a text has no live conversation.
	StatusSent        Status = "sent"
	StatusDelivered   Status = "delivered"
	StatusUndelivered Status = "undelivered"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDelivered, StatusUndelivered:
		return true
	default:
		return false
	}
}

// IsLive reports whether the call is still (or may still be) in a
// conversation. A channel close observed in a live status means the call
// ended without a terminal event and needs close-path finalization.
func (s Status) IsLive() bool {
	switch s {
	case StatusInitiating, StatusRinging, StatusInProgress, StatusOnHold,
		StatusNavigatingMenu, StatusTransferred, StatusVoicemail:
		return true
	default:
		return false
	}
}

// Kind distinguishes call records from SMS records in the shared table.
type Kind string

const (
	KindCall Kind = "call"
	KindSms  Kind = "sms"
)

// Record is the persisted row for one call or SMS, owned by the
// orchestration engine.
type Record struct {
	CallID string `json:"call_id" db:"call_id"`
	TaskID string `json:"task_id" db:"task_id"`
	UserID string `json:"user_id" db:"user_id"`
	Kind   Kind   `json:"kind" db:"kind"`

	BusinessName string `json:"business_name" db:"business_name"`
	PhoneNumber  string `json:"phone_number" db:"phone_number"`

	Status       Status `json:"status" db:"status"`
	StatusDetail string `json:"status_detail,omitempty" db:"status_detail"`

	// ProviderSID is the telephony platform's call (or message) identifier.
	ProviderSID string `json:"provider_sid,omitempty" db:"provider_sid"`

	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	HoldStartedAt *time.Time `json:"hold_started_at,omitempty" db:"hold_started_at"`

	RetryCount int `json:"retry_count" db:"retry_count"`

	// Result is the structured outcome (JSON), ResultSummary the
	// human-readable one-paragraph version.
	Result        []byte `json:"result,omitempty" db:"result"`
	ResultSummary string `json:"result_summary,omitempty" db:"result_summary"`

	Error string `json:"error,omitempty" db:"error"`

	MemoryExtraction string `json:"memory_extraction,omitempty" db:"memory_extraction"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TranscriptEntry is one transcript line: party speech or a system note
// ("Placed on hold", "Pressed 3").
type TranscriptEntry struct {
	CallID    string    `json:"call_id" db:"call_id"`
	Role      string    `json:"role" db:"role"`
	Text      string    `json:"text" db:"text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

package dialer

// TierLimits carries the plan limits relevant to job execution.
type TierLimits struct {
	MaxConcurrentCalls int `json:"max_concurrent_calls,omitempty"`
}

// CallJob instructs a worker to place one call. Produced by the external
// planner, consumed exactly once per attempt.
type CallJob struct {
	CallID        string            `json:"call_id"`
	TaskID        string            `json:"task_id"`
	UserID        string            `json:"user_id"`
	BusinessName  string            `json:"business_name"`
	PhoneNumber   string            `json:"phone_number"`
	Purpose       string            `json:"purpose"`
	Questions     []string          `json:"questions,omitempty"`
	Context       string            `json:"context,omitempty"`
	CallerProfile map[string]string `json:"caller_profile,omitempty"`

	// RetryCount bounds re-attempts; MaxRetries is the ceiling.
	RetryCount           int    `json:"retry_count"`
	PreviousAttemptNotes string `json:"previous_attempt_notes,omitempty"`

	// CallerIDNumber is a verified user-specific number to present as
	// caller id, subject to the self-call guard.
	CallerIDNumber string `json:"caller_id_number,omitempty"`

	TierLimits *TierLimits `json:"tier_limits,omitempty"`
}

// SmsJob instructs a worker to send one text. One-shot: only
// transport-level retry, no conversation semantics.
type SmsJob struct {
	CallID         string `json:"call_id"`
	TaskID         string `json:"task_id"`
	UserID         string `json:"user_id"`
	BusinessName   string `json:"business_name"`
	PhoneNumber    string `json:"phone_number"`
	SmsBody        string `json:"sms_body"`
	CallerIDNumber string `json:"caller_id_number,omitempty"`
}

// MaxRetries is the conversation-level retry budget: at most 2 retries,
// 3 total attempts per original call id.
const MaxRetries = 2

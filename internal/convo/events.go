package convo

// EventKind tags a control event decoded from a model reply.
type EventKind string

const (
	EventEndCall        EventKind = "end_call"
	EventTransfer       EventKind = "transfer"
	EventHoldStart      EventKind = "hold_start"
	EventHoldEnd        EventKind = "hold_end"
	EventVoicemail      EventKind = "voicemail"
	EventDtmf           EventKind = "dtmf"
	EventRetryNeeded    EventKind = "retry_needed"
	EventAnswerCaptured EventKind = "answer_captured"
)

// Event is one decoded control marker. Only the fields relevant to the
// kind are set: Digit for dtmf, Reason for retry_needed, Question/Value
// for answer_captured.
type Event struct {
	Kind     EventKind
	Digit    string
	Reason   string
	Question string
	Value    string
}

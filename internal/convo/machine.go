package convo

import (
	"context"
	"fmt"

	"outdial-platform/internal/llm"
	"outdial-platform/internal/session"
)

// Turn roles. System turns carry operator-injected clarifications, not
// speech from either party.
const (
	RoleHuman  = "human"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Turn is one entry of the ordered, append-only conversation history.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Machine owns the live exchange for one call. It is single-writer: the
// stream handler serializes all calls for a given call id, so no internal
// locking is needed.
type Machine struct {
	sess    session.CallSession
	backend llm.Responder

	turns []Turn

	shouldEnd    bool
	transferring bool
	onHold       bool
	voicemail    bool
	retryReason  string

	answered map[string]string
}

func NewMachine(sess session.CallSession, backend llm.Responder) *Machine {
	return &Machine{
		sess:     sess,
		backend:  backend,
		answered: make(map[string]string),
	}
}

// Respond appends the human utterance, asks the model for the next agent
// turn, decodes its control markers, and returns the cleaned reply text to
// be spoken plus the decoded events in emission order.
func (m *Machine) Respond(ctx context.Context, utterance string) (string, []Event, error) {
	m.turns = append(m.turns, Turn{Role: RoleHuman, Text: utterance})

	raw, err := m.backend.Complete(ctx, m.messages())
	if err != nil {
		return "", nil, fmt.Errorf("convo: model call failed: %w", err)
	}

	clean, events := decodeMarkers(raw)
	for _, ev := range events {
		m.apply(ev)
	}

	m.turns = append(m.turns, Turn{Role: RoleAgent, Text: clean})
	return clean, events, nil
}

func (m *Machine) apply(ev Event) {
	switch ev.Kind {
	case EventEndCall:
		m.shouldEnd = true
	case EventTransfer:
		m.transferring = true
	case EventHoldStart:
		m.onHold = true
	case EventHoldEnd:
		m.onHold = false
	case EventVoicemail:
		m.voicemail = true
	case EventRetryNeeded:
		m.retryReason = ev.Reason
	case EventAnswerCaptured:
		// Last write wins per question label.
		m.answered[ev.Question] = ev.Value
	}
}

// HandleInterrupt replaces the latest agent turn with only the portion
// that was actually spoken before the human cut in, so the model's context
// reflects what was heard rather than what was intended.
func (m *Machine) HandleInterrupt(spokenPortion string) {
	for i := len(m.turns) - 1; i >= 0; i-- {
		if m.turns[i].Role == RoleAgent {
			m.turns[i].Text = spokenPortion
			return
		}
	}
}

// AddSystemNote injects an operator-provided clarification as a
// system-origin turn. The next Respond call sees it in context.
func (m *Machine) AddSystemNote(note string) {
	m.turns = append(m.turns, Turn{Role: RoleSystem, Text: note})
}

func (m *Machine) messages() []llm.Message {
	msgs := make([]llm.Message, 0, len(m.turns)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: buildSystemPrompt(m.sess)})
	for _, t := range m.turns {
		switch t.Role {
		case RoleHuman:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Text})
		case RoleAgent:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Text})
		case RoleSystem:
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Update from the person you are calling for: " + t.Text})
		}
	}
	return msgs
}

// Terminal query methods: pure reads of the last Respond outcome.

func (m *Machine) ShouldEnd() bool      { return m.shouldEnd }
func (m *Machine) IsTransferring() bool { return m.transferring }
func (m *Machine) IsOnHold() bool       { return m.onHold }
func (m *Machine) IsVoicemail() bool    { return m.voicemail }
func (m *Machine) RetryReason() string  { return m.retryReason }

// Turns returns a copy of the conversation history.
func (m *Machine) Turns() []Turn {
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

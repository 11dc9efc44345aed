package convo

import (
	"fmt"
	"strings"
)

// Result is the structured outcome of a call, persisted on the call record.
type Result struct {
	BusinessName string            `json:"business_name"`
	Answers      map[string]string `json:"answers"`
	TurnCount    int               `json:"turn_count"`
	Transferred  bool              `json:"transferred"`
	Voicemail    bool              `json:"voicemail"`
}

// Result produces the structured outcome and a human-readable summary.
// The summary only reports what was actually captured; it never invents
// an answer.
func (m *Machine) Result() (Result, string) {
	answers := make(map[string]string, len(m.answered))
	for k, v := range m.answered {
		answers[k] = v
	}
	res := Result{
		BusinessName: m.sess.BusinessName,
		Answers:      answers,
		TurnCount:    len(m.turns),
		Transferred:  m.transferring,
		Voicemail:    m.voicemail,
	}
	return res, m.summary()
}

func (m *Machine) summary() string {
	if m.voicemail {
		return fmt.Sprintf("Reached voicemail at %s and left a message.", m.sess.BusinessName)
	}
	if len(m.answered) == 0 {
		return fmt.Sprintf("Call with %s completed; no specific answers were obtained.", m.sess.BusinessName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Call with %s completed:\n", m.sess.BusinessName)
	// List in the order questions were asked, then any extras the agent
	// captured beyond the plan.
	seen := make(map[string]bool, len(m.answered))
	for _, q := range m.sess.Questions {
		if v, ok := m.answered[q]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", q, v)
			seen[q] = true
		}
	}
	for q, v := range m.answered {
		if !seen[q] {
			fmt.Fprintf(&b, "- %s: %s\n", q, v)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

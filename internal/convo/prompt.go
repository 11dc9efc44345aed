package convo

import (
	"fmt"
	"strings"

	"outdial-platform/internal/session"
)

// buildSystemPrompt renders the immutable call context into the system
// instruction for every model turn. Keep replies short; the turn budget is
// enforced here, not in code.
func buildSystemPrompt(sess session.CallSession) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a polite, efficient phone agent calling %s on behalf of a real person.\n", sess.BusinessName)
	fmt.Fprintf(&b, "Purpose of this call: %s\n", sess.Purpose)

	if len(sess.Questions) > 0 {
		b.WriteString("\nQuestions you must get answered:\n")
		for _, q := range sess.Questions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	if sess.Context != "" {
		fmt.Fprintf(&b, "\nAdditional context: %s\n", sess.Context)
	}
	if len(sess.CallerProfile) > 0 {
		b.WriteString("\nAbout the person you are calling for (share only what the call requires):\n")
		for k, v := range sess.CallerProfile {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	if sess.PreviousAttemptNotes != "" {
		fmt.Fprintf(&b, "\nA previous attempt at this call failed: %s\nAdjust your approach accordingly.\n", sess.PreviousAttemptNotes)
	}

	b.WriteString(`
Rules:
- Speak 1-2 short sentences per turn, one topic at a time. This is a live phone call.
- Never invent answers; only record what the other party actually said.

Embed control markers in your reply when the situation calls for them. Markers are stripped before speech, never spoken:
- [END_CALL] when the conversation is finished and you have said goodbye.
- [TRANSFER] when you are being transferred to another person or department.
- [ON_HOLD] when you are placed on hold; [OFF_HOLD] when the hold ends.
- [VOICEMAIL] when you reach voicemail. Leave a brief message, then [END_CALL].
- [DTMF:digits] to press phone keys for a menu, e.g. [DTMF:2].
- [RETRY: reason] when this attempt cannot succeed and the call should be tried again later.
- [ANSWER: question | answer] every time one of the listed questions gets answered.`)

	return b.String()
}

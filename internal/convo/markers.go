package convo

import (
	"strings"
	"unicode"
)

// Control markers are inline bracketed tokens the model embeds in its
// replies, e.g.:
//
//	[END_CALL] [TRANSFER] [ON_HOLD] [OFF_HOLD] [VOICEMAIL]
//	[DTMF:123]
//	[RETRY: line was busy]
//	[ANSWER: Are you open Saturday? | Yes, 9am to 2pm]
//
// decodeMarkers strips every well-formed marker from the text and returns
// the decoded events in order of appearance. A bracketed token that does
// not decode as a marker is ordinary text and is left untouched; markers
// never reach speech output, malformed ones never abort the reply.
func decodeMarkers(raw string) (clean string, events []Event) {
	var b strings.Builder
	rest := raw
	for {
		open := strings.IndexByte(rest, '[')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		close := strings.IndexByte(rest[open:], ']')
		if close < 0 {
			b.WriteString(rest)
			break
		}
		close += open

		token := rest[open+1 : close]
		evs, ok := decodeToken(token)
		if !ok {
			// Not a marker: keep the bracketed text and continue after
			// the opening bracket so nested opens are still seen.
			b.WriteString(rest[:open+1])
			rest = rest[open+1:]
			continue
		}
		b.WriteString(rest[:open])
		events = append(events, evs...)
		rest = rest[close+1:]
	}
	return collapseSpaces(b.String()), events
}

// decodeToken decodes the inside of one bracket pair. One token can yield
// several events (a DTMF run presses one digit per event).
func decodeToken(token string) ([]Event, bool) {
	tag, arg, hasArg := strings.Cut(token, ":")
	tag = strings.TrimSpace(tag)
	arg = strings.TrimSpace(arg)

	switch tag {
	case "END_CALL":
		return []Event{{Kind: EventEndCall}}, true
	case "TRANSFER":
		return []Event{{Kind: EventTransfer}}, true
	case "ON_HOLD":
		return []Event{{Kind: EventHoldStart}}, true
	case "OFF_HOLD":
		return []Event{{Kind: EventHoldEnd}}, true
	case "VOICEMAIL":
		return []Event{{Kind: EventVoicemail}}, true
	case "DTMF":
		if !hasArg || arg == "" {
			return nil, false
		}
		var evs []Event
		for _, r := range arg {
			if !isDtmfKey(r) {
				return nil, false
			}
			evs = append(evs, Event{Kind: EventDtmf, Digit: string(r)})
		}
		return evs, true
	case "RETRY":
		if !hasArg || arg == "" {
			return nil, false
		}
		return []Event{{Kind: EventRetryNeeded, Reason: arg}}, true
	case "ANSWER":
		if !hasArg {
			return nil, false
		}
		q, v, ok := strings.Cut(arg, "|")
		q = strings.TrimSpace(q)
		v = strings.TrimSpace(v)
		if !ok || q == "" || v == "" {
			return nil, false
		}
		return []Event{{Kind: EventAnswerCaptured, Question: q, Value: v}}, true
	default:
		return nil, false
	}
}

func isDtmfKey(r rune) bool {
	return unicode.IsDigit(r) || r == '*' || r == '#' || r == 'w'
}

// collapseSpaces tidies the gaps stripped markers leave behind.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

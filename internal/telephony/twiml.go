package telephony

import (
	"encoding/xml"
	"fmt"
)

// TwiML answer documents connect the answered call to the conversation
// relay stream. Kept minimal: the only verb this system ever returns is
// <Connect><ConversationRelay/>.

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Say     string        `xml:"Say,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

type twimlConnect struct {
	Relay twimlRelay `xml:"ConversationRelay"`
}

type twimlRelay struct {
	URL string `xml:"url,attr"`
}

// AnswerTwiML returns the document that opens the duplex stream at
// streamURL when the callee answers.
func AnswerTwiML(streamURL string) ([]byte, error) {
	doc := twimlResponse{Connect: &twimlConnect{Relay: twimlRelay{URL: streamURL}}}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("telephony: marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// RejectTwiML speaks a short apology and hangs up. Served when the answer
// webhook cannot validate its token or find the call context.
func RejectTwiML(apology string) ([]byte, error) {
	doc := twimlResponse{Say: apology, Hangup: &struct{}{}}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("telephony: marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

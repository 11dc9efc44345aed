package relay

// Wire messages for the duplex conversation channel. The telephony
// platform opens a websocket per call and exchanges JSON text frames.

// Inbound message types.
const (
	msgSetup     = "setup"     // channel established, carries the provider call sid
	msgPrompt    = "prompt"    // one human utterance (speech-to-text result)
	msgInterrupt = "interrupt" // human spoke over the agent
	msgDtmf      = "dtmf"      // keypress heard on the call
	msgError     = "error"     // platform-side failure, channel is dying
)

// Outbound message types.
const (
	msgText       = "text"       // text for speech synthesis
	msgSendDigits = "sendDigits" // agent presses phone keys
	msgEnd        = "end"        // close the channel after speaking queued text
)

// inboundMessage is the union of everything the platform sends. Type
// discriminates; unused fields stay empty.
type inboundMessage struct {
	Type string `json:"type"`

	// setup
	CallSid   string `json:"callSid,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// prompt
	VoicePrompt string `json:"voicePrompt,omitempty"`
	Last        bool   `json:"last,omitempty"`

	// interrupt
	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt,omitempty"`

	// dtmf
	Digit string `json:"digit,omitempty"`

	// error
	Description string `json:"description,omitempty"`
}

type outboundMessage struct {
	Type string `json:"type"`

	// text
	Token string `json:"token,omitempty"`
	Last  bool   `json:"last,omitempty"`

	// sendDigits
	Digits string `json:"digits,omitempty"`
}

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outdial-platform/internal/callrecord"
	"outdial-platform/internal/convo"
	"outdial-platform/internal/llm"
)

// Extractor distills a finished call's transcript into durable notes
// (contacts, commitments, facts worth remembering) stored on the record.
//
// It is strictly fire-and-forget: the call finalization path never waits
// on it and never observes its errors.
type Extractor struct {
	backend llm.Responder
	records *callrecord.Store
	log     *slog.Logger
	timeout time.Duration
}

func NewExtractor(backend llm.Responder, records *callrecord.Store, log *slog.Logger) *Extractor {
	return &Extractor{
		backend: backend,
		records: records,
		log:     log,
		timeout: 60 * time.Second,
	}
}

// ExtractAsync runs the extraction on a detached goroutine with its own
// error boundary. Safe to call from any call-finalization path.
func (e *Extractor) ExtractAsync(callID, businessName string, turns []convo.Turn) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("memory extraction panic", "call_id", callID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.extract(ctx, callID, businessName, turns); err != nil {
			// Logged only; never surfaced to the record or the user.
			e.log.Warn("memory extraction failed", "call_id", callID, "err", err)
		}
	}()
}

func (e *Extractor) extract(ctx context.Context, callID, businessName string, turns []convo.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	var transcript strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Text)
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: extractionPrompt(businessName)},
		{Role: llm.RoleUser, Content: transcript.String()},
	}
	notes, err := e.backend.Complete(ctx, msgs)
	if err != nil {
		return fmt.Errorf("memory: model call: %w", err)
	}
	notes = strings.TrimSpace(notes)
	if notes == "" || strings.EqualFold(notes, "none") {
		return nil
	}
	return e.records.SetMemoryExtraction(ctx, callID, notes)
}

func extractionPrompt(businessName string) string {
	return strings.TrimSpace(fmt.Sprintf(`You extract durable facts from a finished phone call with %s.
Return a short bullet list of only: contact names and direct numbers mentioned, hours or dates agreed on, prices quoted, and follow-ups promised by either side.
Use ONLY what the transcript states. If nothing qualifies, return the single word: none`, businessName))
}

package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"outdial-platform/internal/auth"
	"outdial-platform/internal/callrecord"
	"outdial-platform/internal/numberpool"
	"outdial-platform/internal/session"
	"outdial-platform/internal/telephony"
	"outdial-platform/pkg/utils"
)

// Service places calls and sends texts. It owns the job handlers the
// worker pool dispatches to.
type Service struct {
	provider telephony.Provider
	numbers  *numberpool.Allocator
	sessions *session.Store
	records  *callrecord.Store
	tokens   *auth.StreamTokens
	rdb      *redis.Client
	log      *slog.Logger

	// publicBaseURL is where the provider calls back (answer TwiML,
	// status callbacks).
	publicBaseURL string

	clock func() time.Time
}

func NewService(
	provider telephony.Provider,
	numbers *numberpool.Allocator,
	sessions *session.Store,
	records *callrecord.Store,
	tokens *auth.StreamTokens,
	rdb *redis.Client,
	publicBaseURL string,
	log *slog.Logger,
) *Service {
	return &Service{
		provider:      provider,
		numbers:       numbers,
		sessions:      sessions,
		records:       records,
		tokens:        tokens,
		rdb:           rdb,
		log:           log,
		publicBaseURL: publicBaseURL,
		clock:         time.Now,
	}
}

// InitiateCall resolves the outbound number, instructs the provider to
// dial, and records the provider call sid. The caller (job handler) owns
// record finalization on failure.
func (s *Service) InitiateCall(ctx context.Context, job CallJob) (string, error) {
	from, err := s.numbers.Resolve(job.CallID, job.CallerIDNumber, job.PhoneNumber)
	if err != nil {
		return "", err
	}

	if err := s.records.MarkInitiating(ctx, job.CallID, from); err != nil {
		s.log.Warn("mark initiating failed", "call_id", job.CallID, "err", err)
	}

	token, err := s.tokens.Issue(s.clock(), job.CallID)
	if err != nil {
		s.releaseIfPooled(job)
		return "", err
	}

	res, err := s.provider.Dial(ctx, telephony.DialRequest{
		CallID:            job.CallID,
		To:                job.PhoneNumber,
		From:              from,
		AnswerURL:         s.publicBaseURL + "/webhooks/twilio/answer?token=" + token,
		StatusCallbackURL: s.statusCallbackURL(job.CallID),
		MachineDetection:  true,
	})
	if err != nil {
		s.releaseIfPooled(job)
		return "", err
	}

	if err := s.records.SetProviderSID(ctx, job.CallID, res.ProviderCallSID); err != nil {
		s.log.Warn("record provider sid failed", "call_id", job.CallID, "err", err)
	}
	return res.ProviderCallSID, nil
}

// SendSms dispatches one text and records delivery status directly.
func (s *Service) SendSms(ctx context.Context, job SmsJob) error {
	from, err := s.numbers.Resolve(job.CallID, job.CallerIDNumber, job.PhoneNumber)
	if err != nil {
		return err
	}
	// A text holds the number only for the dispatch itself.
	defer s.numbers.Release(job.CallID)

	res, err := s.provider.SendMessage(ctx, telephony.MessageRequest{
		CallID:            job.CallID,
		To:                job.PhoneNumber,
		From:              from,
		Body:              job.SmsBody,
		StatusCallbackURL: s.statusCallbackURL(job.CallID),
	})
	if err != nil {
		return err
	}

	if err := s.records.SetProviderSID(ctx, job.CallID, res.ProviderMessageSID); err != nil {
		s.log.Warn("record message sid failed", "call_id", job.CallID, "err", err)
	}
	detail := res.DeliveryStatus
	if detail == "" {
		detail = "dispatched"
	}
	if err := s.records.SetStatus(ctx, job.CallID, callrecord.StatusSent, detail); err != nil {
		return fmt.Errorf("dialer: mark sms sent: %w", err)
	}
	return nil
}

// releaseIfPooled releases the number assignment unless the dial used the
// job's own verified caller id (which never acquires a pool slot).
func (s *Service) releaseIfPooled(job CallJob) {
	if job.CallerIDNumber != "" && job.CallerIDNumber != job.PhoneNumber {
		return
	}
	s.numbers.Release(job.CallID)
}

func (s *Service) statusCallbackURL(callID string) string {
	return s.publicBaseURL + "/webhooks/twilio/status?call_id=" + callID
}

// --- per-user tier caps ---

func capKey(userID string) string { return "outdial:cap:user:" + userID }

// capTTL bounds a leaked slot if the process dies mid-call.
const capTTL = 30 * time.Minute

// AcquireUserCap takes one concurrent-call slot for the user. Returns
// false when the tier cap is full.
func (s *Service) AcquireUserCap(ctx context.Context, userID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	return utils.AcquireConcurrencyCap(ctx, s.rdb, capKey(userID), limit, capTTL)
}

// ReleaseUserCap frees the slot taken by AcquireUserCap.
func (s *Service) ReleaseUserCap(ctx context.Context, userID string) {
	if err := utils.ReleaseConcurrencyCap(ctx, s.rdb, capKey(userID)); err != nil {
		s.log.Warn("cap release failed", "user_id", userID, "err", err)
	}
}

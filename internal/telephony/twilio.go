package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"outdial-platform/internal/config"
)

// TwilioProvider adapts the Twilio REST API to the Provider interface.
type TwilioProvider struct {
	client *twilio.RestClient
}

func NewTwilioProvider(cfg config.TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio credentials are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{client: client}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	if req.To == "" || req.From == "" {
		return DialResult{}, errors.New("telephony: dial requires to and from")
	}
	if req.To == req.From {
		// The allocator's self-call guard should make this unreachable;
		// refuse anyway, carriers reject or loop such calls.
		return DialResult{}, fmt.Errorf("telephony: refusing to dial %s from itself", req.To)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.AnswerURL)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	if req.MachineDetection {
		params.SetMachineDetection("Enable")
	}

	resp, err := p.client.Api.CreateCall(params)
	if err != nil {
		return DialResult{}, classify(err)
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return DialResult{}, errors.New("telephony: twilio returned no call sid")
	}
	return DialResult{ProviderCallSID: *resp.Sid}, nil
}

func (p *TwilioProvider) Hangup(ctx context.Context, providerCallSID string) error {
	if providerCallSID == "" {
		return errors.New("telephony: call sid is required")
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.client.Api.UpdateCall(providerCallSID, params); err != nil {
		return classify(err)
	}
	return nil
}

func (p *TwilioProvider) SendMessage(ctx context.Context, req MessageRequest) (MessageResult, error) {
	if req.To == "" || req.From == "" || req.Body == "" {
		return MessageResult{}, errors.New("telephony: message requires to, from and body")
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetBody(req.Body)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
	}

	resp, err := p.client.Api.CreateMessage(params)
	if err != nil {
		return MessageResult{}, classify(err)
	}
	out := MessageResult{}
	if resp.Sid != nil {
		out.ProviderMessageSID = *resp.Sid
	}
	if resp.Status != nil {
		out.DeliveryStatus = *resp.Status
	}
	if out.ProviderMessageSID == "" {
		return MessageResult{}, errors.New("telephony: twilio returned no message sid")
	}
	return out, nil
}

// classify maps Twilio REST errors onto the transient/permanent split the
// queue cares about.
func classify(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status == http.StatusTooManyRequests || restErr.Status >= 500 {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	// Network-level failures (refused, timeout) arrive as transport errors.
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

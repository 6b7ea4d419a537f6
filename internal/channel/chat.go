package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/circuitbreaker"
	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/domain"
	"github.com/sandboxops/lease-notify/internal/policy"
	"github.com/sandboxops/lease-notify/internal/secrets"
)

// ChatConfig configures the operations chat webhook integration. The webhook
// URL itself is the credential and lives in the secret store.
type ChatConfig struct {
	SecretPath string
	Timeout    time.Duration
}

// ChatSender posts lease events to an operations chat webhook.
type ChatSender struct {
	cfg     ChatConfig
	client  *http.Client
	creds   *secrets.Cache
	breaker *circuitbreaker.CircuitBreaker
	pol     policy.Policy
	lg      zerolog.Logger
}

func NewChatSender(cfg ChatConfig, creds *secrets.Cache, pol policy.Policy, lg zerolog.Logger) *ChatSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ChatSender{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		creds:   creds,
		breaker: circuitbreaker.New(5, 60*time.Second, 30*time.Second, 1),
		pol:     pol,
		lg:      lg.With().Str("component", "chat_sender").Logger(),
	}
}

func (s *ChatSender) Name() string { return Chat }

func (s *ChatSender) Send(ctx context.Context, ev domain.Event) Outcome {
	return deliver(ctx, s, s.pol, s.breaker, ev, s.lg)
}

// Breaker exposes the channel breaker for observability.
func (s *ChatSender) Breaker() *circuitbreaker.CircuitBreaker { return s.breaker }

type chatMessage struct {
	Text   string      `json:"text"`
	Blocks []chatBlock `json:"blocks,omitempty"`
}

type chatBlock struct {
	Type string    `json:"type"`
	Text *chatText `json:"text,omitempty"`
}

type chatText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *ChatSender) attempt(ctx context.Context, ev domain.Event, d domain.LeaseDetail) error {
	hook, gen, err := s.creds.Get(ctx, s.cfg.SecretPath)
	if err != nil {
		return classify.NewError(classify.KindRetriable, Chat, "webhook fetch failed", err)
	}
	if _, err := url.ParseRequestURI(hook); err != nil {
		return classify.NewError(classify.KindCritical, Chat, "webhook secret is not a valid URL", err)
	}

	payload, err := json.Marshal(buildChatMessage(ev, d))
	if err != nil {
		return classify.NewError(classify.KindPermanent, Chat, "encode chat message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, bytes.NewReader(payload))
	if err != nil {
		return classify.NewError(classify.KindPermanent, Chat, "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	sendErr := doRequest(s.client, req, Chat)
	if sendErr != nil {
		var ce *classify.Error
		if asClassified(sendErr, &ce) && ce.Kind == classify.KindCritical {
			// Revoked webhook: invalidate so a rotated URL is picked up.
			if s.creds.Invalidate(s.cfg.SecretPath, gen) {
				s.lg.Warn().Int("status", ce.Status).Msg("chat webhook rejected; cache invalidated")
			}
		}
	}
	return sendErr
}

func buildChatMessage(ev domain.Event, d domain.LeaseDetail) chatMessage {
	head := escapeChatText(headline(ev, d))

	body := fmt.Sprintf("event `%s` | account %s | lease %s",
		escapeChatText(string(ev.Type)),
		escapeChatText(d.AccountID),
		escapeChatText(d.LeaseID),
	)
	if ev.Type == domain.LeaseFrozen && d.Reason != nil {
		body += "\nreason: " + escapeChatText(d.Reason.Describe())
	}

	return chatMessage{
		Text: head,
		Blocks: []chatBlock{
			{Type: "header", Text: &chatText{Type: "plain_text", Text: head}},
			{Type: "section", Text: &chatText{Type: "mrkdwn", Text: body}},
		},
	}
}

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/circuitbreaker"
	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/domain"
	"github.com/sandboxops/lease-notify/internal/policy"
	"github.com/sandboxops/lease-notify/internal/secrets"
)

// MailConfig configures the transactional mail API integration.
type MailConfig struct {
	Endpoint   string
	FromEmail  string
	FromName   string
	SecretPath string
	Timeout    time.Duration
}

// MailSender delivers lease events to users through a transactional mail
// HTTP API. The API token comes from the secret cache; a 401/403 response
// invalidates the cached token so the next attempt re-fetches instead of
// replaying a stale credential.
type MailSender struct {
	cfg     MailConfig
	client  *http.Client
	creds   *secrets.Cache
	breaker *circuitbreaker.CircuitBreaker
	pol     policy.Policy
	lg      zerolog.Logger
}

func NewMailSender(cfg MailConfig, creds *secrets.Cache, pol policy.Policy, lg zerolog.Logger) *MailSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &MailSender{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		creds:   creds,
		breaker: circuitbreaker.New(5, 60*time.Second, 30*time.Second, 1),
		pol:     pol,
		lg:      lg.With().Str("component", "mail_sender").Logger(),
	}
}

func (s *MailSender) Name() string { return Mail }

func (s *MailSender) Send(ctx context.Context, ev domain.Event) Outcome {
	return deliver(ctx, s, s.pol, s.breaker, ev, s.lg)
}

// Breaker exposes the channel breaker for observability.
func (s *MailSender) Breaker() *circuitbreaker.CircuitBreaker { return s.breaker }

type mailRequest struct {
	From     string `json:"from"`
	FromName string `json:"fromName,omitempty"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
}

func (s *MailSender) attempt(ctx context.Context, ev domain.Event, d domain.LeaseDetail) error {
	token, gen, err := s.creds.Get(ctx, s.cfg.SecretPath)
	if err != nil {
		return classify.NewError(classify.KindRetriable, Mail, "credential fetch failed", err)
	}

	subject := headline(ev, d)
	body, err := renderMailBody(ev, d)
	if err != nil {
		return classify.NewError(classify.KindPermanent, Mail, "render mail body", err)
	}

	to := strings.TrimSpace(d.UserEmail)
	if to == "" {
		return classify.NewError(classify.KindPermanent, Mail, "event carries no recipient address", nil)
	}

	payload, err := json.Marshal(mailRequest{
		From:     s.cfg.FromEmail,
		FromName: s.cfg.FromName,
		To:       to,
		Subject:  subject,
		HTML:     body,
	})
	if err != nil {
		return classify.NewError(classify.KindPermanent, Mail, "encode mail request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return classify.NewError(classify.KindPermanent, Mail, "build mail request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	sendErr := doRequest(s.client, req, Mail)
	if sendErr != nil {
		var ce *classify.Error
		if asClassified(sendErr, &ce) && ce.Kind == classify.KindCritical {
			// Token rejected: drop it eagerly rather than waiting for a TTL.
			if s.creds.Invalidate(s.cfg.SecretPath, gen) {
				s.lg.Warn().Int("status", ce.Status).Msg("mail credential rejected; cache invalidated")
			}
		}
	}
	return sendErr
}

var mailTmpl = template.Must(template.New("lease_notice").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
	<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
		<h2>{{.Headline}}</h2>
		{{if .LeaseID}}<p>Lease: <strong>{{.LeaseID}}</strong></p>{{end}}
		{{if .AccountID}}<p>Sandbox account: {{.AccountID}}</p>{{end}}
		{{if .Detail}}<p>{{.Detail}}</p>{{end}}
		<hr style="border: none; border-top: 1px solid #eee; margin: 20px 0;">
		<p style="color: #999; font-size: 12px;">This is an automated message, please do not reply.</p>
	</div>
</body>
</html>`))

func renderMailBody(ev domain.Event, d domain.LeaseDetail) (string, error) {
	detail := ""
	switch ev.Type {
	case domain.LeaseFrozen:
		if d.Reason != nil {
			detail = "Reason: " + cleanField(d.Reason.Describe())
		}
	case domain.LeaseDenied:
		if d.Comment != "" {
			detail = "Comment: " + cleanField(d.Comment)
		}
	case domain.LeaseBudgetThresholdAlert:
		detail = fmt.Sprintf("Current spend is $%.2f of a $%.2f budget.", d.SpendUSD, d.BudgetUSD)
	case domain.LeaseExpired, domain.LeaseTerminated:
		if d.ExpiresAt != "" {
			detail = "Lease end: " + cleanField(d.ExpiresAt)
		}
	}

	data := struct {
		Headline  string
		LeaseID   string
		AccountID string
		Detail    string
	}{
		Headline:  headline(ev, d),
		LeaseID:   cleanField(d.LeaseID),
		AccountID: cleanField(d.AccountID),
		Detail:    detail,
	}

	var buf strings.Builder
	if err := mailTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

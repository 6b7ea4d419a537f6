package channel

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sandboxops/lease-notify/internal/domain"
)

const (
	// maxFieldRunes caps any user-influenced string embedded in a message.
	maxFieldRunes = 256
	placeholder   = "(unavailable)"
)

// cleanField prepares a user-influenced event field for embedding in message
// markup: control characters are stripped, oversized values are truncated,
// and an empty result degrades to a placeholder instead of failing the send.
func cleanField(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return placeholder
	}
	if utf8.RuneCountInString(out) > maxFieldRunes {
		runes := []rune(out)
		out = string(runes[:maxFieldRunes]) + "…"
	}
	return out
}

// escapeChatText additionally neutralises chat-markup metacharacters so an
// event field cannot inject links or mentions into the webhook payload.
func escapeChatText(s string) string {
	s = cleanField(s)
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"@", "＠",
	)
	return r.Replace(s)
}

// headline renders a one-line summary of the event, shared by both channels.
func headline(ev domain.Event, d domain.LeaseDetail) string {
	lease := cleanField(d.LeaseID)
	switch ev.Type {
	case domain.LeaseApproved:
		return fmt.Sprintf("Lease %s approved", lease)
	case domain.LeaseDenied:
		return fmt.Sprintf("Lease request %s denied", lease)
	case domain.LeaseExpired:
		return fmt.Sprintf("Lease %s expired", lease)
	case domain.LeaseFrozen:
		reason := "reason not provided"
		if d.Reason != nil {
			reason = d.Reason.Describe()
		}
		return fmt.Sprintf("Lease %s frozen: %s", lease, cleanField(reason))
	case domain.LeaseTerminated:
		return fmt.Sprintf("Lease %s terminated", lease)
	case domain.LeaseBudgetThresholdAlert:
		return fmt.Sprintf("Lease %s reached %.0f%% of its $%.2f budget", lease, d.ThresholdPct, d.BudgetUSD)
	case domain.LeaseDurationThresholdAlert:
		return fmt.Sprintf("Lease %s reached %.0f%% of its duration", lease, d.ThresholdPct)
	case domain.AccountCleanupFailed:
		return fmt.Sprintf("Cleanup failed for account %s", cleanField(d.AccountID))
	case domain.AccountDriftDetected:
		return fmt.Sprintf("Configuration drift detected in account %s", cleanField(d.AccountID))
	default:
		return fmt.Sprintf("Lease event %s", cleanField(string(ev.Type)))
	}
}

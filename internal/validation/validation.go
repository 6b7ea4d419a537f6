package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Provenance is the allow-list an event must match before it may occupy an
// idempotency slot. Empty Accounts means any account from an allowed source.
type Provenance struct {
	Sources  map[string]struct{}
	Accounts map[string]struct{}
}

func NewProvenance(sources, accounts []string) Provenance {
	p := Provenance{
		Sources:  make(map[string]struct{}, len(sources)),
		Accounts: make(map[string]struct{}, len(accounts)),
	}
	for _, s := range sources {
		if s = strings.TrimSpace(s); s != "" {
			p.Sources[s] = struct{}{}
		}
	}
	for _, a := range accounts {
		if a = strings.TrimSpace(a); a != "" {
			p.Accounts[a] = struct{}{}
		}
	}
	return p
}

// CheckEvent validates the envelope and its provenance. Any failure here is
// classified Security: the event never reaches the idempotency guard and the
// caller must raise an alarm.
func CheckEvent(ev domain.Event, allow Provenance) error {
	if err := validate.Struct(ev); err != nil {
		return classify.NewError(classify.KindSecurity, "",
			fmt.Sprintf("malformed event envelope (id=%s)", SanitizeID(string(ev.ID))), err)
	}
	if _, ok := allow.Sources[ev.Source]; !ok {
		return classify.NewError(classify.KindSecurity, "",
			fmt.Sprintf("event source %q not in allow-list", SanitizeID(ev.Source)), nil)
	}
	if len(allow.Accounts) > 0 {
		if _, ok := allow.Accounts[ev.SourceAccount]; !ok {
			return classify.NewError(classify.KindSecurity, "",
				fmt.Sprintf("source account %q not in allow-list", MaskAccount(ev.SourceAccount)), nil)
		}
	}
	return nil
}

// SanitizeID strips control characters and truncates, so hostile ids cannot
// flood or corrupt log output.
func SanitizeID(s string) string {
	const maxLen = 100
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxLen {
			return b.String() + "..."
		}
	}
	return b.String()
}

// MaskAccount keeps the last four characters of an account identifier.
func MaskAccount(s string) string {
	s = SanitizeID(s)
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

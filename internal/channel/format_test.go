package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandboxops/lease-notify/internal/domain"
)

func TestCleanField(t *testing.T) {
	t.Run("strips control characters", func(t *testing.T) {
		assert.Equal(t, "leaseid", cleanField("lease\x00id\r\n"))
	})

	t.Run("empty degrades to placeholder", func(t *testing.T) {
		assert.Equal(t, "(unavailable)", cleanField(""))
		assert.Equal(t, "(unavailable)", cleanField("\x00\x1b"))
		assert.Equal(t, "(unavailable)", cleanField("   "))
	})

	t.Run("caps oversized values", func(t *testing.T) {
		long := strings.Repeat("ä", 500)
		out := cleanField(long)
		assert.Equal(t, maxFieldRunes+1, len([]rune(out)))
		assert.True(t, strings.HasSuffix(out, "…"))
	})

	t.Run("short values pass through", func(t *testing.T) {
		assert.Equal(t, "lease-42", cleanField("lease-42"))
	})
}

func TestEscapeChatText(t *testing.T) {
	assert.Equal(t, "a&amp;b", escapeChatText("a&b"))
	assert.Equal(t, "&lt;b&gt;", escapeChatText("<b>"))
	assert.NotContains(t, escapeChatText("@channel"), "@")
}

func TestHeadline(t *testing.T) {
	d := domain.LeaseDetail{LeaseID: "lease-42", AccountID: "111122223333"}

	cases := []struct {
		typ  domain.EventType
		want string
	}{
		{domain.LeaseApproved, "Lease lease-42 approved"},
		{domain.LeaseDenied, "Lease request lease-42 denied"},
		{domain.LeaseExpired, "Lease lease-42 expired"},
		{domain.LeaseTerminated, "Lease lease-42 terminated"},
		{domain.AccountCleanupFailed, "Cleanup failed for account 111122223333"},
		{domain.AccountDriftDetected, "Configuration drift detected in account 111122223333"},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			assert.Equal(t, tc.want, headline(domain.Event{Type: tc.typ}, d))
		})
	}
}

func TestHeadline_FrozenWithoutReason(t *testing.T) {
	got := headline(domain.Event{Type: domain.LeaseFrozen}, domain.LeaseDetail{LeaseID: "lease-42"})
	assert.Equal(t, "Lease lease-42 frozen: reason not provided", got)
}

func TestHeadline_UnknownTypeFallsBack(t *testing.T) {
	got := headline(domain.Event{Type: domain.EventType("SomethingNew")}, domain.LeaseDetail{})
	assert.Equal(t, "Lease event SomethingNew", got)
}

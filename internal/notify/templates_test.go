package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ClusterBank/internal/model"
)

func TestRender_AllKinds(t *testing.T) {
	r, err := NewRenderer(nil)
	require.NoError(t, err)

	data := model.NoticeContext{
		Account:         "sam",
		Start:           "2026-01-01",
		End:             "2027-01-01",
		DaysUntilExpiry: 30,
		Threshold:       75,
		UsedSU:          1100,
		LimitSU:         1000,
		UncoveredSU:     100,
		UsageTable:      "smp | 1,100 | 1,000",
	}

	tests := []struct {
		kind model.NoticeKind
		want string
	}{
		{model.KindUsage, "exceeded 75% usage"},
		{model.KindExpiringSoon, "will expire in 30 days on 2027-01-01"},
		{model.KindExpired, "has expired"},
		{model.KindOverdraft, "remaining\n100 SUs"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			htmlBody, textBody, err := r.Render(tt.kind, data)
			require.NoError(t, err)
			require.Contains(t, htmlBody, "<p>")
			require.NotContains(t, textBody, "<")
			require.Contains(t, textBody, tt.want)
		})
	}
}

func TestRender_EscapesAndUnescapes(t *testing.T) {
	r, err := NewRenderer(nil)
	require.NoError(t, err)

	htmlBody, textBody, err := r.Render(model.KindUsage, model.NoticeContext{
		Account:    "sam",
		UsageTable: "a & b <c>",
	})
	require.NoError(t, err)
	require.Contains(t, htmlBody, "a &amp; b &lt;c&gt;")
	require.True(t, strings.Contains(textBody, "a & b"), textBody)
}

func TestRender_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expired.html")
	require.NoError(t, os.WriteFile(path, []byte("<b>{{.Account}} is done</b>"), 0o644))

	r, err := NewRenderer(map[model.NoticeKind]string{model.KindExpired: path})
	require.NoError(t, err)

	_, textBody, err := r.Render(model.KindExpired, model.NoticeContext{Account: "sam"})
	require.NoError(t, err)
	require.Equal(t, "sam is done\n", textBody)
}

func TestNewRenderer_BadOverride(t *testing.T) {
	_, err := NewRenderer(map[model.NoticeKind]string{model.KindUsage: "/does/not/exist"})
	require.Error(t, err)
}

func TestSubjectAndRecipient(t *testing.T) {
	require.Equal(t, "The account for sam has reached its end date", Subject(model.KindExpired, "sam"))
	require.Equal(t, "Your proposal expiry reminder for account: sam", Subject(model.KindExpiringSoon, "sam"))
	require.Equal(t, "sam@pitt.edu", Recipient("sam", "pitt.edu"))
}

func TestMessageID_Stable(t *testing.T) {
	a := MessageID("sam/1/expired/0", "example.edu")
	require.Equal(t, a, MessageID("sam/1/expired/0", "example.edu"))
	require.NotEqual(t, a, MessageID("sam/2/expired/0", "example.edu"))
	require.Equal(t, "@example.edu>", a[strings.Index(a, "@"):])
	require.True(t, strings.HasPrefix(a, "<"))
}

func TestAddressDomain(t *testing.T) {
	require.Equal(t, "example.edu", addressDomain("Allocation Bot <bank@example.edu>"))
	require.Equal(t, "pitt.edu", addressDomain("alloc@pitt.edu"))
	require.Equal(t, "localhost", addressDomain("bank"))
}

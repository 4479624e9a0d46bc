package subject

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langhook/langhook/pkg/models"
)

func canonical(pub, rt string, id models.ResourceID, action string) *models.CanonicalEvent {
	return &models.CanonicalEvent{
		Publisher: pub,
		Resource:  models.Resource{Type: rt, ID: id},
		Action:    action,
	}
}

func TestForEvent(t *testing.T) {
	tests := []struct {
		name  string
		event *models.CanonicalEvent
		want  string
	}{
		{
			name:  "github pull request",
			event: canonical("github", "pull_request", models.NumberID(1374), "create"),
			want:  "langhook.events.github.pull_request.1374.create",
		},
		{
			name:  "uppercase tokens are lowercased",
			event: canonical("GitHub", "Pull_Request", models.StringID("PR-9"), "Update"),
			want:  "langhook.events.github.pull_request.pr-9.update",
		},
		{
			name:  "inner dots become underscores",
			event: canonical("my.app", "order.item", models.StringID("a.b"), "delete"),
			want:  "langhook.events.my_app.order_item.a_b.delete",
		},
		{
			name:  "string id with spaces",
			event: canonical("stripe", "payment_intent", models.StringID("pi 42"), "create"),
			want:  "langhook.events.stripe.payment_intent.pi_42.create",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ForEvent(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestForEventNeverProducesMalformedSubjects(t *testing.T) {
	// Hostile tokens must never yield empty tokens, leading/trailing dots,
	// or consecutive dots.
	hostile := []string{"a.b", "..", "A B", "x.", ".y", "a>b", "c*d"}
	for _, pub := range hostile {
		for _, action := range hostile {
			ev := canonical(pub, "t", models.StringID("1"), action)
			subj, err := ForEvent(ev)
			require.NoError(t, err)
			assert.NotContains(t, subj, "..", "subject %q", subj)
			assert.False(t, strings.HasPrefix(subj, "."), "subject %q", subj)
			assert.False(t, strings.HasSuffix(subj, "."), "subject %q", subj)
		}
	}
}

func TestForEventRejectsEmptyTokens(t *testing.T) {
	_, err := ForEvent(canonical("", "pull_request", models.NumberID(1), "create"))
	assert.Error(t, err)

	_, err = ForEvent(canonical("github", "   ", models.NumberID(1), "create"))
	assert.Error(t, err)
}

func TestForEventIsPure(t *testing.T) {
	ev := canonical("github", "pull_request", models.NumberID(1374), "create")
	first, err := ForEvent(ev)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ForEvent(ev)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"langhook.events.github.pull_request.1374.update", "langhook.events.github.pull_request.1374.update", true},
		{"langhook.events.github.pull_request.1374.update", "langhook.events.github.pull_request.*.update", true},
		{"langhook.events.github.pull_request.1374.update", "langhook.events.*.*.*.update", true},
		{"langhook.events.github.pull_request.1374.update", "langhook.events.>", true},
		{"langhook.events.github.pull_request.1374.update", "langhook.events.github.>", true},
		{"langhook.events.github.pull_request.1374.update", "langhook.events.stripe.>", false},
		{"langhook.events.github.pull_request.1374.update", "langhook.events.github.pull_request.1374.create", false},
		// "*" matches exactly one token, never two.
		{"langhook.events.github.pull_request.1374.update", "langhook.events.*.update", false},
		// ">" must cover at least one token.
		{"langhook.events", "langhook.events.>", false},
		// pattern longer than subject never matches.
		{"raw.github", "raw.github.extra", false},
		{"raw.github", "raw.*", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.subject, tt.pattern),
			"Match(%q, %q)", tt.subject, tt.pattern)
	}
}

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("langhook.events.github.pull_request.1374.update")
	require.NoError(t, err)
	assert.Equal(t, "github", p.Publisher)
	assert.Equal(t, "pull_request", p.ResourceType)
	assert.Equal(t, "1374", p.ResourceID)
	assert.Equal(t, "update", p.Action)

	p, err = ParsePattern("langhook.events.github.>")
	require.NoError(t, err)
	assert.Equal(t, "github", p.Publisher)
	assert.Equal(t, ">", p.ResourceType)

	for _, bad := range []string{
		"events.github.pull_request.1.update",
		"langhook.events.github.>.update",
		"langhook.events.github.pull_request",
		"langhook.events.a.b.c.d.e",
		"langhook.events..b.c.d",
	} {
		_, err := ParsePattern(bad)
		assert.ErrorIs(t, err, ErrBadPattern, "pattern %q", bad)
	}
}

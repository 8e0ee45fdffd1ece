package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndang/signalsift/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name           string
		email          model.DecodedEmail
		wantNewsletter bool
	}{
		{
			name: "list-unsubscribe plus list-id",
			email: model.DecodedEmail{
				FromAddress: "editor@example.com",
				BodyText:    "This week in tech...",
				Headers: map[string]string{
					"List-Unsubscribe": "<https://example.com/unsub>",
					"List-Id":          "weekly.example.com",
				},
			},
			wantNewsletter: true,
		},
		{
			name: "substack sender with unsubscribe footer",
			email: model.DecodedEmail{
				FromAddress: "author@substack.com",
				BodyText:    "Essay body.\n\nUnsubscribe here.",
				Headers: map[string]string{
					"List-Unsubscribe": "<mailto:unsub@substack.com>",
				},
			},
			wantNewsletter: true,
		},
		{
			name: "bulk local part with precedence bulk",
			email: model.DecodedEmail{
				FromAddress: "newsletter@acme.io",
				BodyHTML:    "<p>Catalog update</p>",
				HTMLOnly:    true,
				Headers: map[string]string{
					"Precedence": "bulk",
				},
			},
			wantNewsletter: true,
		},
		{
			name: "personal mail from a colleague",
			email: model.DecodedEmail{
				FromAddress: "anna@company.com",
				To:          []string{"me@company.com"},
				BodyText:    "Hey, are we still on for lunch tomorrow?",
				Headers:     map[string]string{},
			},
			wantNewsletter: false,
		},
		{
			name: "html-only mail with unsubscribe text stays below threshold",
			email: model.DecodedEmail{
				FromAddress: "friend@gmail.com",
				BodyHTML:    "<p>Check this out. You can unsubscribe from my rants anytime.</p>",
				HTMLOnly:    true,
				Headers:     map[string]string{},
			},
			wantNewsletter: false,
		},
		{
			name: "no signals at all",
			email: model.DecodedEmail{
				FromAddress: "bob@family.net",
				BodyText:    "Happy birthday!",
				Headers:     map[string]string{},
			},
			wantNewsletter: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.email)
			assert.Equal(t, tt.wantNewsletter, got.IsNewsletter, got.Reason)
		})
	}
}

func TestClassify_HeaderCaseInsensitive(t *testing.T) {
	email := model.DecodedEmail{
		FromAddress: "editor@example.com",
		Headers: map[string]string{
			"list-unsubscribe": "<https://example.com/unsub>",
			"LIST-ID":          "weekly.example.com",
		},
	}

	got := Classify(email)
	assert.True(t, got.IsNewsletter)
}

func TestClassify_Deterministic(t *testing.T) {
	email := model.DecodedEmail{
		FromAddress: "digest@beehiiv.com",
		BodyHTML:    "<p>Stories... unsubscribe</p>",
		Headers: map[string]string{
			"List-Unsubscribe": "<https://x>",
		},
	}

	first := Classify(email)
	for i := 0; i < 5; i++ {
		again := Classify(email)
		assert.Equal(t, first.IsNewsletter, again.IsNewsletter)
		assert.Equal(t, first.Confidence, again.Confidence)
		assert.Equal(t, first.Signals, again.Signals)
	}
}

func TestClassify_ExplainsItself(t *testing.T) {
	email := model.DecodedEmail{
		FromAddress: "news@mailchimp.com",
		Headers: map[string]string{
			"List-Unsubscribe": "<https://x>",
			"Feedback-ID":      "abc:xyz",
		},
	}

	got := Classify(email)
	require.True(t, got.IsNewsletter)
	assert.NotEmpty(t, got.Signals)
	assert.Contains(t, got.Reason, "list-unsubscribe header")
}

func TestClassify_HTMLOnlySurvivesTextBackfill(t *testing.T) {
	// The decoder converts HTML into BodyText before classification,
	// so the html-only cue must key on the structural flag, not on
	// BodyText being empty.
	email := model.DecodedEmail{
		FromAddress: "newsletter@acme.io",
		BodyText:    "Catalog update (converted from HTML)",
		BodyHTML:    "<p>Catalog update</p>",
		HTMLOnly:    true,
		Headers: map[string]string{
			"Precedence": "bulk",
		},
	}

	got := Classify(email)
	require.True(t, got.IsNewsletter, got.Reason)
	assert.Contains(t, got.Signals, "html-only body")

	// Same message with a real text/plain part scores lower.
	email.HTMLOnly = false
	assert.False(t, Classify(email).IsNewsletter)
}

func TestClassify_ConfidenceCapped(t *testing.T) {
	email := model.DecodedEmail{
		FromAddress: "newsletter@substack.com",
		To:          []string{"a@x.com", "b@x.com"},
		BodyHTML:    "<p>unsubscribe</p>",
		Headers: map[string]string{
			"List-Unsubscribe": "<https://x>",
			"List-Id":          "l.x.com",
			"Precedence":       "bulk",
			"X-Campaign":       "c1",
			"Feedback-ID":      "f1",
		},
	}

	got := Classify(email)
	assert.True(t, got.IsNewsletter)
	assert.LessOrEqual(t, got.Confidence, 1.0)
}

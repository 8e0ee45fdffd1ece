// Package classify implements the deterministic newsletter-vs-personal
// heuristic used to filter mailbox traffic before persistence. It is
// explainable by design: every decision carries the signals that
// contributed to it so operators can debug misclassification from logs.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ndang/signalsift/internal/model"
)

// Result is the outcome of classifying one decoded email.
type Result struct {
	IsNewsletter bool
	Confidence   float64
	Signals      []string
	Reason       string
}

// newsletterThreshold is the minimum confidence for a positive verdict
// when no single decisive header is present.
const newsletterThreshold = 0.5

// bulkLocalParts are sender local-part patterns that indicate automated
// bulk mail rather than personal correspondence.
var bulkLocalParts = []string{
	"newsletter", "news", "digest", "noreply", "no-reply", "no_reply",
	"donotreply", "do-not-reply", "hello", "hi", "team", "updates",
	"notifications", "mailer", "mail", "info", "weekly", "daily",
}

// espDomainPattern matches sending domains of common email service
// providers used by newsletter platforms.
var espDomainPattern = regexp.MustCompile(
	`(?i)(substack\.com|beehiiv\.com|mailchimp|mailchi\.mp|convertkit|` +
		`buttondown\.email|ghost\.io|sendgrid\.net|mailgun|campaign-archive|` +
		`revue|getrevue\.co|mailerlite)`,
)

var unsubscribeTextPattern = regexp.MustCompile(`(?i)unsubscribe|manage (your )?preferences|email preferences`)

// Classify scores a decoded email as newsletter vs. personal mail.
// The verdict is a pure function of the message; it never consults
// storage or the network.
func Classify(email model.DecodedEmail) Result {
	var (
		confidence float64
		signals    []string
	)

	add := func(weight float64, signal string) {
		confidence += weight
		signals = append(signals, signal)
	}

	// Bulk-mail headers are the strongest cues. List-Unsubscribe is
	// required by most ESPs and effectively never set on personal mail.
	if email.Header("List-Unsubscribe") != "" {
		add(0.45, "list-unsubscribe header")
	}
	if email.Header("List-Id") != "" {
		add(0.25, "list-id header")
	}
	if p := strings.ToLower(email.Header("Precedence")); p == "bulk" || p == "list" {
		add(0.20, "precedence: "+p)
	}
	if email.Header("X-Campaign") != "" || email.Header("X-Campaign-Id") != "" ||
		email.Header("X-Mailgun-Tag") != "" || email.Header("X-SES-Outgoing") != "" {
		add(0.20, "campaign header")
	}
	if email.Header("Feedback-ID") != "" {
		add(0.15, "feedback-id header")
	}

	// Sender-address patterns.
	addr := strings.ToLower(email.FromAddress)
	local := addr
	if at := strings.Index(addr, "@"); at > 0 {
		local = addr[:at]
	}
	for _, pattern := range bulkLocalParts {
		if local == pattern || strings.HasPrefix(local, pattern+"@") ||
			strings.HasPrefix(local, pattern+"-") || strings.HasPrefix(local, pattern+"+") {
			add(0.25, "bulk sender local part: "+local)
			break
		}
	}
	if espDomainPattern.MatchString(addr) {
		add(0.25, "esp sending domain")
	}

	// Structural cues. HTMLOnly comes from the decoder, since by the
	// time the classifier runs the body text has already been
	// backfilled from the HTML part.
	if email.HTMLOnly {
		add(0.10, "html-only body")
	}
	if unsubscribeTextPattern.MatchString(email.BodyText) ||
		unsubscribeTextPattern.MatchString(email.BodyHTML) {
		add(0.15, "unsubscribe text in body")
	}
	if len(email.To) > 1 || len(email.Cc) > 3 {
		add(0.05, "broad recipient list")
	}

	if confidence > 1 {
		confidence = 1
	}

	isNewsletter := confidence >= newsletterThreshold

	reason := "no newsletter signals detected"
	if len(signals) > 0 {
		verdict := "below threshold"
		if isNewsletter {
			verdict = "classified as newsletter"
		}
		reason = fmt.Sprintf("%s (%.2f): %s",
			verdict, confidence, strings.Join(signals, ", "))
	}

	return Result{
		IsNewsletter: isNewsletter,
		Confidence:   confidence,
		Signals:      signals,
		Reason:       reason,
	}
}

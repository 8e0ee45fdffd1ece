package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message/mail"

	// Register charset decoders (windows-1252, iso-8859-*, koi8-r, etc.)
	_ "github.com/emersion/go-message/charset"
)

// MessageContent is the decoded body of one RFC 822 message.
type MessageContent struct {
	// Text is the best-available readable text: the text/plain part
	// verbatim when present, otherwise text converted out of the
	// HTML part.
	Text string

	// HTML is the raw text/html part, when present.
	HTML string

	// HadPlainText is true when the message carried a text/plain
	// part, even an empty one. It distinguishes genuinely HTML-only
	// mail after Text has been backfilled from the HTML part.
	HadPlainText bool

	// HasAttachments is true when any part carries an attachment
	// disposition.
	HasAttachments bool

	// Headers maps top-level header names to their raw values.
	Headers map[string]string
}

// DecodeMessage parses a raw RFC 822/MIME byte stream into headers
// plus alternative body parts. Multipart nesting of any depth is
// handled by the underlying parser; single-part messages fall out of
// the same walk. A message whose text and HTML both come up empty is
// a valid decode result, not an error — content emptiness is the
// orchestrator's concern.
func DecodeMessage(raw []byte) (*MessageContent, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Some senders emit bare non-MIME bodies; treat the whole
		// payload after the header block as plain text.
		if body, ok := splitBareBody(raw); ok {
			return &MessageContent{
				Text:         strings.TrimSpace(body),
				HadPlainText: true,
				Headers:      map[string]string{},
			}, nil
		}
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	content := &MessageContent{
		Headers: headerMap(&mr.Header),
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed part poisons only itself; keep whatever
			// parts decoded before it.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				content.HadPlainText = true
				if content.Text == "" {
					content.Text = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if content.HTML == "" {
					content.HTML = string(body)
				}
			}

		case *mail.AttachmentHeader:
			content.HasAttachments = true
			_, _ = io.Copy(io.Discard, part.Body)
		}
	}

	// Prefer plain text verbatim; fall back to extracting readable
	// text from the HTML part.
	if strings.TrimSpace(content.Text) == "" && content.HTML != "" {
		content.Text = htmlToText(content.HTML)
	}
	content.Text = strings.TrimSpace(content.Text)

	return content, nil
}

// htmlToText converts an HTML body to readable text. The markdown
// conversion keeps link targets and structure; when it produces
// nothing usable, a naive tag-stripping pass is the last resort.
func htmlToText(html string) string {
	if text, err := htmltomarkdown.ConvertString(html); err == nil {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed
		}
	}
	return stripTags(html)
}

// headerMap flattens the top-level headers into a name -> value map.
// Repeated headers keep their first value, which is enough for the
// classifier's bulk-mail cues.
func headerMap(h *mail.Header) map[string]string {
	headers := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, ok := headers[key]; ok {
			continue
		}
		headers[key] = fields.Value()
	}
	return headers
}

// splitBareBody splits a non-MIME message at the first blank line and
// returns the body portion. Returns ok=false when no header/body
// boundary exists.
func splitBareBody(raw []byte) (string, bool) {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := bytes.Index(raw, []byte(sep)); idx >= 0 {
			return string(raw[idx+len(sep):]), true
		}
	}
	return "", false
}

var (
	scriptStylePattern = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	blockClosePattern  = regexp.MustCompile(`(?i)</(p|div|li|tr|h[1-6]|blockquote)>|<br\s*/?>`)
	tagPattern         = regexp.MustCompile(`<[^>]*>`)
)

// stripTags collapses all HTML tags to whitespace and decodes common
// entities, producing a rough plain-text rendering.
func stripTags(html string) string {
	result := scriptStylePattern.ReplaceAllString(html, "")
	result = blockClosePattern.ReplaceAllString(result, "\n")
	result = tagPattern.ReplaceAllString(result, " ")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	lines := strings.Split(result, "\n")
	var out []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

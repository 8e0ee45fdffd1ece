// Package llm implements the chat-completions client used for nugget
// extraction. The gateway speaks the OpenAI-compatible
// /chat/completions shape; the response content must be strict JSON
// matching the active strategy's contract.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ndang/signalsift/internal/model"
)

const systemPrompt = "You are a precise extraction engine. " +
	"You respond with strict JSON only and never add commentary."

// FormatError indicates the gateway answered but its payload did not
// satisfy the extraction contract (non-2xx status, unparseable JSON,
// or a missing nuggets array).
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction format error: %s: %v", e.Reason, e.Err)
	}
	return "extraction format error: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsFormatError reports whether err (or any error in its chain) is a
// FormatError.
func IsFormatError(err error) bool {
	var formatErr *FormatError
	return errors.As(err, &formatErr)
}

// NuggetCandidate is one extracted item as the model emits it. The
// field set is deliberately loose: strategies may emit content or
// description, url or link, topics or a single topic.
type NuggetCandidate struct {
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	Description    string   `json:"description"`
	URL            string   `json:"url"`
	Link           string   `json:"link"`
	Topic          string   `json:"topic"`
	Topics         []string `json:"topics"`
	Tags           []string `json:"tags"`
	RelevancyScore int      `json:"relevancy_score"`
}

// Body returns the candidate's content, whichever field carried it.
func (c NuggetCandidate) Body() string {
	if c.Content != "" {
		return c.Content
	}
	return c.Description
}

// ResolvedLink returns the candidate's link, whichever field carried it.
func (c NuggetCandidate) ResolvedLink() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Link
}

// ResolveTopics splits the candidate's topic information into a
// primary topic and remaining tags. An explicit topic field wins;
// otherwise the first entry of topics becomes the topic and the rest
// join the tags.
func (c NuggetCandidate) ResolveTopics() (topic string, tags []string) {
	tags = append(tags, c.Tags...)

	if c.Topic != "" {
		return c.Topic, append(tags, c.Topics...)
	}
	if len(c.Topics) > 0 {
		return c.Topics[0], append(tags, c.Topics[1:]...)
	}
	return "", tags
}

// Client calls the extraction gateway.
type Client struct {
	cfg    model.LLMConfig
	client *http.Client
	logger *slog.Logger
}

// NewClient creates an extraction client for the configured gateway.
func NewClient(cfg model.LLMConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// ExtractNuggets sends the prompt to the gateway and returns the
// parsed nugget candidates. The response content must be strict JSON
// with a nuggets array; anything else is a FormatError.
func (c *Client) ExtractNuggets(
	ctx context.Context,
	prompt string,
) ([]NuggetCandidate, error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(c.cfg.GatewayURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling extraction gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FormatError{
			Reason: fmt.Sprintf("gateway returned status %d: %s",
				resp.StatusCode, truncate(string(respBody), 200)),
		}
	}

	var completion chatResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, &FormatError{Reason: "decoding completion envelope", Err: err}
	}
	if len(completion.Choices) == 0 {
		return nil, &FormatError{Reason: "completion has no choices"}
	}

	content := completion.Choices[0].Message.Content

	var payload nuggetPayload
	dec := json.NewDecoder(strings.NewReader(content))
	if err := dec.Decode(&payload); err != nil {
		return nil, &FormatError{Reason: "response content is not valid JSON", Err: err}
	}
	if payload.Nuggets == nil {
		return nil, &FormatError{Reason: "response is missing the nuggets array"}
	}

	c.logger.Debug("extraction call completed",
		"model", c.cfg.Model, "nuggets", len(payload.Nuggets))

	return payload.Nuggets, nil
}

// --- gateway wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type nuggetPayload struct {
	Nuggets []NuggetCandidate `json:"nuggets"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndang/signalsift/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// completionResponse wraps content into the chat-completions envelope.
func completionResponse(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	require.NoError(t, err)
	return body
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(model.LLMConfig{
		GatewayURL:  srv.URL,
		Model:       "test-model",
		MaxTokens:   1024,
		Temperature: 0.2,
		TimeoutSec:  5,
	}, testLogger())
}

func TestExtractNuggets_Success(t *testing.T) {
	var gotReq chatRequest

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		content := `{"nuggets":[
			{"title":"Go 1.26 released","content":"Details.","url":"https://go.dev","topics":["golang","releases"],"relevancy_score":90},
			{"title":"Second","description":"Body via description.","link":"https://x.dev","topic":"tools","tags":["cli"],"relevancy_score":40}
		]}`
		w.Write(completionResponse(t, content))
	})

	nuggets, err := client.ExtractNuggets(context.Background(), "the prompt")
	require.NoError(t, err)
	require.Len(t, nuggets, 2)

	assert.Equal(t, "test-model", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "the prompt", gotReq.Messages[1].Content)

	first := nuggets[0]
	assert.Equal(t, "Go 1.26 released", first.Title)
	assert.Equal(t, "Details.", first.Body())
	assert.Equal(t, "https://go.dev", first.ResolvedLink())
	topic, tags := first.ResolveTopics()
	assert.Equal(t, "golang", topic)
	assert.Equal(t, []string{"releases"}, tags)

	second := nuggets[1]
	assert.Equal(t, "Body via description.", second.Body())
	assert.Equal(t, "https://x.dev", second.ResolvedLink())
	topic, tags = second.ResolveTopics()
	assert.Equal(t, "tools", topic)
	assert.Equal(t, []string{"cli"}, tags)
}

func TestExtractNuggets_EmptyArrayIsValid(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionResponse(t, `{"nuggets":[]}`))
	})

	nuggets, err := client.ExtractNuggets(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, nuggets)
}

func TestExtractNuggets_FormatErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "gateway returns 500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream exploded", http.StatusInternalServerError)
			},
		},
		{
			name: "content is prose not JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write(completionResponse(t,
					"Sure! Here are the nuggets you asked for:"))
			},
		},
		{
			name: "content JSON missing nuggets array",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write(completionResponse(t, `{"items":[]}`))
			},
		},
		{
			name: "envelope has no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"choices":[]}`))
			},
		},
		{
			name: "envelope is not JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>gateway error page</html>"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)

			nuggets, err := client.ExtractNuggets(context.Background(), "p")
			require.Error(t, err)
			assert.True(t, IsFormatError(err), "want FormatError, got %v", err)
			assert.Nil(t, nuggets)
		})
	}
}

func TestExtractNuggets_TransportErrorIsNotFormatError(t *testing.T) {
	client := NewClient(model.LLMConfig{
		GatewayURL: "http://127.0.0.1:1", // nothing listens here
		Model:      "test-model",
		TimeoutSec: 1,
	}, testLogger())

	_, err := client.ExtractNuggets(context.Background(), "p")
	require.Error(t, err)
	assert.False(t, IsFormatError(err))
}

func TestResolveTopics_ExplicitTopicWins(t *testing.T) {
	c := NuggetCandidate{
		Topic:  "primary",
		Topics: []string{"a", "b"},
		Tags:   []string{"t"},
	}

	topic, tags := c.ResolveTopics()
	assert.Equal(t, "primary", topic)
	assert.ElementsMatch(t, []string{"t", "a", "b"}, tags)
}

func TestResolveTopics_Empty(t *testing.T) {
	topic, tags := NuggetCandidate{}.ResolveTopics()
	assert.Empty(t, topic)
	assert.Empty(t, tags)
}

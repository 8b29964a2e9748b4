package keypool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompleter_Success(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"model": "a-model-2024",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "greeting"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter()
	resp, err := c.Complete(context.Background(), Request{
		Provider:   ProviderA,
		Credential: "sk-test",
		BaseURL:    srv.URL,
		Model:      "a-model",
		System:     "classify",
		Prompt:     "hello",
		MaxTokens:  16,
	})
	require.NoError(t, err)

	assert.Equal(t, "greeting", resp.Text)
	assert.Equal(t, "a-model-2024", resp.Model)
	assert.Equal(t, 4, resp.TokensUsed)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "a-model", gotBody["model"])
	assert.Len(t, gotBody["messages"], 2)
}

func TestOpenAICompleter_RateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "requests", "code": "rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAICompleter().Complete(context.Background(), Request{
		Credential: "sk-test", BaseURL: srv.URL, Model: "m", Prompt: "x",
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOpenAICompleter_BadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAICompleter().Complete(context.Background(), Request{
		Credential: "sk-test", BaseURL: srv.URL, Model: "m", Prompt: "x",
	})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestOpenAICompleter_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
	}))
	defer srv.Close()

	_, err := NewOpenAICompleter().Complete(context.Background(), Request{
		Credential: "sk-test", BaseURL: srv.URL, Model: "m", Prompt: "x",
	})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAICompleter_CachesClients(t *testing.T) {
	c := NewOpenAICompleter()
	a := c.client(Request{Credential: "k1", BaseURL: "http://x"})
	b := c.client(Request{Credential: "k1", BaseURL: "http://x"})
	other := c.client(Request{Credential: "k2", BaseURL: "http://x"})
	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
}

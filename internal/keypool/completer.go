package keypool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/sashabaranov/go-openai"
)

var ErrEmptyResponse = errors.New("empty response from provider")

// Request is a single call against one credential.
type Request struct {
	Provider   Provider
	Credential string
	BaseURL    string
	Model      string
	System     string
	Prompt     string
	MaxTokens  int
}

type Response struct {
	Text       string
	Model      string
	TokensUsed int
}

// Completer performs one provider call. Implementations may return a
// *CallError to state whether the failure is transient.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CallError is a failed call against one pool entry.
type CallError struct {
	Provider  Provider
	EntryID   string
	Transient bool
	Err       error
}

func (e *CallError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s (%s) %s failure: %v", e.Provider, e.EntryID, kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsTransient classifies a provider error. Rate limits, timeouts, conflicts,
// server errors and network failures are transient; other client errors are
// not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || transientStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code >= 500:
		return true
	default:
		return false
	}
}

// OpenAICompleter talks to any OpenAI compatible chat completion API.
type OpenAICompleter struct {
	mu      sync.Mutex
	clients map[string]*openai.Client
}

func NewOpenAICompleter() *OpenAICompleter {
	return &OpenAICompleter{clients: make(map[string]*openai.Client)}
}

func (c *OpenAICompleter) client(req Request) *openai.Client {
	key := req.BaseURL + "|" + req.Credential
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl
	}
	cfg := openai.DefaultConfig(req.Credential)
	if req.BaseURL != "" {
		cfg.BaseURL = req.BaseURL
	}
	cl := openai.NewClientWithConfig(cfg)
	c.clients[key] = cl
	return cl
}

func (c *OpenAICompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.client(req).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Text:       resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

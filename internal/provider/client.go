// Package provider is the client for the AI completion endpoint. It does
// one request per call and classifies failures; the retry policy belongs to
// the dispatcher.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
	"github.com/nextlevelbuilder/bridgebot/internal/conversation"
)

// Request is one completion request: the system prompt plus an ordered
// context snapshot.
type Request struct {
	System  string
	Context conversation.Context
}

// Completer abstracts the completion endpoint for the dispatcher.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Client talks to a chat-completions style HTTP endpoint.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	http        *http.Client
	limiter     *rate.Limiter
}

// NewClient builds a Client from config. The limiter paces requests
// client-side so the agent stays under the provider's rate limits even
// across many concurrent scopes.
func NewClient(cfg config.ProviderConfig) *Client {
	rpm := cfg.RequestsPerMin
	if rpm <= 0 {
		rpm = 30
	}
	timeout := config.Duration(cfg.Timeout, 60*time.Second)
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		http:        &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message    string  `json:"message"`
		Type       string  `json:"type"`
		RetryAfter float64 `json:"retry_after,omitempty"`
	} `json:"error,omitempty"`
}

// Complete sends the context snapshot and returns the generated reply
// text. Errors are always *Error with a classified kind.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTimeout, Err: err}
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    buildMessages(req),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", &Error{Kind: KindFatal, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindFatal, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return "", &Error{Kind: KindTimeout, Err: err}
		}
		return "", &Error{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &Error{Kind: KindTransient, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &Error{Kind: KindTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Kind: KindTransient, Err: errors.New("empty choices")}
	}
	return parsed.Choices[0].Message.Content, nil
}

// classifyStatus maps HTTP failures onto the error taxonomy.
func classifyStatus(resp *http.Response, raw []byte) *Error {
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, preview(raw))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, RetryAfter: retryAfter(resp, raw), Err: cause}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindFatal, Err: cause}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &Error{Kind: KindFatal, Err: cause}
	default:
		return &Error{Kind: KindTransient, Err: cause}
	}
}

// retryAfter extracts the provider-specified delay from the Retry-After
// header or the error body. Zero means "no hint".
func retryAfter(resp *http.Response, raw []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.RetryAfter > 0 {
		return time.Duration(parsed.Error.RetryAfter * float64(time.Second))
	}
	return 0
}

// buildMessages renders the snapshot as provider messages, newest last.
// User turns carry a sender label so the model can track who said what in
// group scopes.
func buildMessages(req Request) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.Context.Turns)+1)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, t := range req.Context.Turns {
		switch t.Role {
		case bus.RoleAssistant:
			msgs = append(msgs, chatMessage{Role: "assistant", Content: t.Text})
		default:
			msgs = append(msgs, chatMessage{Role: "user", Content: formatUserTurn(t)})
		}
	}
	return msgs
}

func formatUserTurn(t bus.Turn) string {
	name := t.Name
	if name == "" {
		name = t.Sender
	}
	if name == "" {
		return t.Text
	}
	return fmt.Sprintf("[%s|%s] %s", t.Sender, name, t.Text)
}

func preview(raw []byte) string {
	const max = 200
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

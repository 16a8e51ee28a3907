package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

// ErrorKind classifies gateway failures for the dispatcher's retry policy.
type ErrorKind int

const (
	// KindDisconnected covers network-level failures; retryable.
	KindDisconnected ErrorKind = iota
	// KindSendFailed means the command API rejected the send (bad auth,
	// bad request, bridge-side refusal); not retryable.
	KindSendFailed
	// KindTimeout means the per-send deadline elapsed; retryable.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindSendFailed:
		return "send_failed"
	case KindTimeout:
		return "timeout"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified gateway failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("gateway: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher may retry after this failure.
func (e *Error) Retryable() bool { return e.Kind != KindSendFailed }

// Sender abstracts the outbound half of the bridge for the dispatcher.
type Sender interface {
	Send(ctx context.Context, scope bus.Scope, text string) (string, error)
}

// CommandSender posts replies to the bridge's command API.
type CommandSender struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

// NewCommandSender builds a sender from config.
func NewCommandSender(cfg config.GatewayConfig) *CommandSender {
	timeout := config.Duration(cfg.SendTimeout, 10*time.Second)
	return &CommandSender{
		baseURL: strings.TrimRight(cfg.CommandURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	ScopeKind string `json:"scope_kind"`
	ScopeID   string `json:"scope_id"`
	Text      string `json:"text"`
}

type sendResponse struct {
	Status string `json:"status"`
	Data   struct {
		DeliveryID string `json:"delivery_id"`
	} `json:"data"`
	Message string `json:"message,omitempty"`
}

// Send delivers one reply and returns the bridge's delivery ID. Errors are
// always *Error with a classified kind.
func (s *CommandSender) Send(ctx context.Context, scope bus.Scope, text string) (string, error) {
	body, err := json.Marshal(sendRequest{
		ScopeKind: string(scope.Kind),
		ScopeID:   scope.ID,
		Text:      text,
	})
	if err != nil {
		return "", &Error{Kind: KindSendFailed, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		s.baseURL+"/send_message", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindSendFailed, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return "", &Error{Kind: KindTimeout, Err: err}
		}
		return "", &Error{Kind: KindDisconnected, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Kind: KindDisconnected, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &Error{Kind: KindSendFailed, Err: fmt.Errorf("auth rejected: status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return "", &Error{Kind: KindDisconnected, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return "", &Error{Kind: KindSendFailed, Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &Error{Kind: KindSendFailed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Status != "ok" {
		return "", &Error{Kind: KindSendFailed, Err: fmt.Errorf("bridge refused send: %s", parsed.Message)}
	}
	return parsed.Data.DeliveryID, nil
}

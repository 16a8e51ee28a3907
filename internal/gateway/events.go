package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
)

// Wire frames arriving on the event socket. The bridge owns the framing;
// this is only the JSON shape it hands us.
//
//	{"type":"hello","self_id":"..."}                      connection metadata
//	{"type":"heartbeat","online":true}                    liveness ping
//	{"type":"message", ...}                               conversation event
type wireFrame struct {
	Type string `json:"type"`

	// hello
	SelfID string `json:"self_id,omitempty"`

	// heartbeat
	Online bool `json:"online,omitempty"`

	// message
	ScopeKind  string   `json:"scope_kind,omitempty"`
	ScopeID    string   `json:"scope_id,omitempty"`
	SenderID   string   `json:"sender_id,omitempty"`
	SenderName string   `json:"sender_name,omitempty"`
	Text       string   `json:"text,omitempty"`
	Mentions   []string `json:"mentions,omitempty"`
	Seq        uint64   `json:"sequence_no,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"` // unix seconds
}

// toEvent converts a message frame into an InboundEvent. Returns an error
// for frames missing the fields the dispatcher depends on.
func (f *wireFrame) toEvent(received time.Time) (bus.InboundEvent, error) {
	var ev bus.InboundEvent

	switch bus.ScopeKind(f.ScopeKind) {
	case bus.ScopePrivate, bus.ScopeGroup:
	default:
		return ev, fmt.Errorf("gateway: unknown scope kind %q", f.ScopeKind)
	}
	if f.ScopeID == "" || f.SenderID == "" {
		return ev, fmt.Errorf("gateway: message frame missing scope or sender")
	}

	ev = bus.InboundEvent{
		Scope:      bus.Scope{Kind: bus.ScopeKind(f.ScopeKind), ID: f.ScopeID},
		Sender:     bus.Principal{ID: f.SenderID, Name: f.SenderName},
		Text:       f.Text,
		Mentions:   f.Mentions,
		Seq:        f.Seq,
		ReceivedAt: received,
	}
	return ev, nil
}

func decodeFrame(data []byte) (*wireFrame, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("gateway: decode frame: %w", err)
	}
	return &f, nil
}

package gateway

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
)

func TestDecodeFrame(t *testing.T) {
	raw := []byte(`{"type":"message","scope_kind":"group","scope_id":"42","sender_id":"u7","sender_name":"Ann","text":"hi","mentions":["bot"],"sequence_no":9,"timestamp":1750000000}`)
	f, err := decodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != "message" || f.ScopeKind != "group" || f.Seq != 9 {
		t.Errorf("frame = %+v", f)
	}

	if _, err := decodeFrame([]byte("{not json")); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestWireFrame_ToEvent(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		frame   wireFrame
		wantErr bool
	}{
		{"group message", wireFrame{ScopeKind: "group", ScopeID: "42", SenderID: "u7"}, false},
		{"private message", wireFrame{ScopeKind: "private", ScopeID: "u7", SenderID: "u7"}, false},
		{"unknown scope kind", wireFrame{ScopeKind: "channel", ScopeID: "42", SenderID: "u7"}, true},
		{"missing scope id", wireFrame{ScopeKind: "group", SenderID: "u7"}, true},
		{"missing sender", wireFrame{ScopeKind: "group", ScopeID: "42"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := tt.frame.toEvent(now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("toEvent error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !ev.ReceivedAt.Equal(now) {
				t.Error("received timestamp not propagated")
			}
		})
	}
}

func TestWireFrame_ToEvent_Fields(t *testing.T) {
	f := wireFrame{
		ScopeKind:  "group",
		ScopeID:    "42",
		SenderID:   "u7",
		SenderName: "Ann",
		Text:       "hey bot",
		Mentions:   []string{"bot"},
		Seq:        12,
	}
	ev, err := f.toEvent(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Scope != bus.GroupScope("42") {
		t.Errorf("scope = %+v", ev.Scope)
	}
	if ev.Sender.ID != "u7" || ev.Sender.Name != "Ann" {
		t.Errorf("sender = %+v", ev.Sender)
	}
	if !ev.Mentioned("bot") {
		t.Error("mention lost")
	}
	if ev.Seq != 12 {
		t.Errorf("seq = %d", ev.Seq)
	}
}

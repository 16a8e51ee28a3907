// Package bus holds the shared message vocabulary exchanged between the
// gateway client, the conversation store, and the dispatcher.
package bus

import (
	"fmt"
	"time"
)

// ScopeKind distinguishes private chats from group conversations.
type ScopeKind string

const (
	ScopePrivate ScopeKind = "private"
	ScopeGroup   ScopeKind = "group"
)

// Scope identifies one conversation context: a private chat or a group.
// Scopes are value types and safe to use as map keys via Key().
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// Key returns the canonical scope key, e.g. "group:10042" or "private:386".
func (s Scope) Key() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// IsPrivate reports whether the scope is a one-on-one chat.
func (s Scope) IsPrivate() bool { return s.Kind == ScopePrivate }

// PrivateScope builds the scope for a direct chat with a user.
func PrivateScope(userID string) Scope {
	return Scope{Kind: ScopePrivate, ID: userID}
}

// GroupScope builds the scope for a group chat.
func GroupScope(groupID string) Scope {
	return Scope{Kind: ScopeGroup, ID: groupID}
}

// Principal is the sender of an inbound event. The trust tier is resolved
// per event by the permission engine and is not stored here.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"` // display name, may be empty
}

// InboundEvent is one conversation event produced by the gateway client
// and consumed exactly once by the dispatcher.
type InboundEvent struct {
	Scope      Scope
	Sender     Principal
	Text       string
	Mentions   []string // sender IDs @-mentioned in the message
	Seq        uint64   // bridge-assigned sequence number, ordered per connection
	ReceivedAt time.Time
}

// Mentioned reports whether the given ID appears in the event's mentions.
func (e InboundEvent) Mentioned(id string) bool {
	for _, m := range e.Mentions {
		if m == id {
			return true
		}
	}
	return false
}

// Role identifies who produced a stored turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one stored message in a conversation's context window.
type Turn struct {
	Role      Role      `json:"role"`
	Sender    string    `json:"sender,omitempty"` // sender ID for user turns
	Name      string    `json:"name,omitempty"`   // display name for user turns
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Package permission resolves whether an event's sender may trigger a
// completion, and at what trust tier. Evaluation is a pure function of
// (principal, scope, policy); the policy itself is replaced only as an
// atomic whole-snapshot swap.
package permission

import (
	"fmt"
	"sync/atomic"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

// Tier is a resolved permission level. Tiers form a total order:
// Blocked < Default < Trusted < Admin.
type Tier int

const (
	TierBlocked Tier = iota
	TierDefault
	TierTrusted
	TierAdmin
)

var tierNames = map[Tier]string{
	TierBlocked: "blocked",
	TierDefault: "default",
	TierTrusted: "trusted",
	TierAdmin:   "admin",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier converts the config string form into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "blocked":
		return TierBlocked, nil
	case "default", "":
		return TierDefault, nil
	case "trusted":
		return TierTrusted, nil
	case "admin":
		return TierAdmin, nil
	}
	return TierBlocked, fmt.Errorf("permission: unknown tier %q", s)
}

// Policy is an immutable permission policy. Build one with NewPolicy and
// never mutate it afterwards; replace it through Snapshot.Swap.
type Policy struct {
	DefaultTier Tier
	PrivateTier Tier
	Admins      map[string]bool // sender IDs
	Overrides   map[string]Tier // scope key → tier
}

// NewPolicy parses and validates the raw config form. Malformed tiers are
// fatal here so evaluation never sees a bad policy.
func NewPolicy(raw config.PermissionConfig) (*Policy, error) {
	def, err := ParseTier(raw.DefaultTier)
	if err != nil {
		return nil, err
	}
	priv, err := ParseTier(raw.PrivateTier)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		DefaultTier: def,
		PrivateTier: priv,
		Admins:      make(map[string]bool, len(raw.Admins)),
		Overrides:   make(map[string]Tier, len(raw.Overrides)),
	}
	for _, id := range raw.Admins {
		if id == "" {
			return nil, fmt.Errorf("permission: empty admin ID")
		}
		p.Admins[id] = true
	}
	for key, tier := range raw.Overrides {
		t, err := ParseTier(tier)
		if err != nil {
			return nil, fmt.Errorf("permission: override %q: %w", key, err)
		}
		p.Overrides[key] = t
	}
	return p, nil
}

// Evaluate resolves the sender's tier for the given scope. Precedence,
// highest first: explicit per-scope override, admin membership,
// private-scope default, policy default.
func Evaluate(principal bus.Principal, scope bus.Scope, policy *Policy) Tier {
	if t, ok := policy.Overrides[scope.Key()]; ok {
		return t
	}
	if policy.Admins[principal.ID] {
		return TierAdmin
	}
	if scope.IsPrivate() {
		return policy.PrivateTier
	}
	return policy.DefaultTier
}

// Snapshot holds the live policy behind an atomic pointer so every reader
// observes a fully-formed policy and swaps are race-free.
type Snapshot struct {
	ptr atomic.Pointer[Policy]
}

// NewSnapshot creates a snapshot seeded with the given policy.
func NewSnapshot(p *Policy) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(p)
	return s
}

// Current returns the live policy.
func (s *Snapshot) Current() *Policy { return s.ptr.Load() }

// Swap atomically replaces the live policy.
func (s *Snapshot) Swap(p *Policy) { s.ptr.Store(p) }

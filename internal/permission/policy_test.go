package permission

import (
	"testing"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

func mustPolicy(t *testing.T, raw config.PermissionConfig) *Policy {
	t.Helper()
	p, err := NewPolicy(raw)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"blocked", TierBlocked, false},
		{"default", TierDefault, false},
		{"", TierDefault, false},
		{"trusted", TierTrusted, false},
		{"admin", TierAdmin, false},
		{"superuser", TierBlocked, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseTier(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewPolicy_Validation(t *testing.T) {
	tests := []struct {
		name string
		raw  config.PermissionConfig
	}{
		{"bad default tier", config.PermissionConfig{DefaultTier: "root"}},
		{"bad private tier", config.PermissionConfig{PrivateTier: "none"}},
		{"empty admin id", config.PermissionConfig{Admins: []string{""}}},
		{"bad override tier", config.PermissionConfig{Overrides: map[string]string{"group:1": "vip"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPolicy(tt.raw); err == nil {
				t.Error("NewPolicy accepted malformed config")
			}
		})
	}
}

func TestEvaluate_Precedence(t *testing.T) {
	pol := mustPolicy(t, config.PermissionConfig{
		DefaultTier: "blocked",
		PrivateTier: "default",
		Admins:      []string{"alice"},
		Overrides: map[string]string{
			"group:42": "trusted",
			"group:13": "blocked",
		},
	})

	tests := []struct {
		name      string
		principal bus.Principal
		scope     bus.Scope
		want      Tier
	}{
		{"group default is blocked", bus.Principal{ID: "bob"}, bus.GroupScope("7"), TierBlocked},
		{"private default applies", bus.Principal{ID: "bob"}, bus.PrivateScope("bob"), TierDefault},
		{"admin everywhere", bus.Principal{ID: "alice"}, bus.GroupScope("7"), TierAdmin},
		{"scope override grants", bus.Principal{ID: "bob"}, bus.GroupScope("42"), TierTrusted},
		{"scope override beats admin", bus.Principal{ID: "alice"}, bus.GroupScope("13"), TierBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.principal, tt.scope, pol); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	pol := mustPolicy(t, config.PermissionConfig{
		DefaultTier: "default",
		Admins:      []string{"alice"},
	})
	p := bus.Principal{ID: "alice"}
	scope := bus.GroupScope("1")

	first := Evaluate(p, scope, pol)
	for i := 0; i < 100; i++ {
		if got := Evaluate(p, scope, pol); got != first {
			t.Fatalf("evaluation not stable: %v then %v", first, got)
		}
	}
}

func TestSnapshot_Swap(t *testing.T) {
	blockAll := mustPolicy(t, config.PermissionConfig{DefaultTier: "blocked", PrivateTier: "blocked"})
	allowAll := mustPolicy(t, config.PermissionConfig{DefaultTier: "trusted", PrivateTier: "trusted"})

	snap := NewSnapshot(blockAll)
	p := bus.Principal{ID: "bob"}
	scope := bus.GroupScope("9")

	if got := Evaluate(p, scope, snap.Current()); got != TierBlocked {
		t.Fatalf("before swap: got %v, want blocked", got)
	}
	snap.Swap(allowAll)
	if got := Evaluate(p, scope, snap.Current()); got != TierTrusted {
		t.Fatalf("after swap: got %v, want trusted", got)
	}
}

func TestTierOrdering(t *testing.T) {
	if !(TierBlocked < TierDefault && TierDefault < TierTrusted && TierTrusted < TierAdmin) {
		t.Error("tier order broken")
	}
}

package bus

import "testing"

func TestScopeKey(t *testing.T) {
	tests := []struct {
		scope Scope
		want  string
	}{
		{GroupScope("10042"), "group:10042"},
		{PrivateScope("386"), "private:386"},
	}
	for _, tt := range tests {
		if got := tt.scope.Key(); got != tt.want {
			t.Errorf("Key() = %q, want %q", got, tt.want)
		}
	}

	if GroupScope("7").Key() == PrivateScope("7").Key() {
		t.Error("scope keys must distinguish kinds with equal IDs")
	}
}

func TestMentioned(t *testing.T) {
	ev := InboundEvent{Mentions: []string{"bot", "alice"}}
	if !ev.Mentioned("bot") {
		t.Error("mention missed")
	}
	if ev.Mentioned("mallory") {
		t.Error("false mention")
	}
	if (InboundEvent{}).Mentioned("bot") {
		t.Error("empty mentions matched")
	}
}

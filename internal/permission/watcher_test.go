package permission

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

func TestWatchConfig_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}

	write(`{"permission": {"default_tier": "blocked"}}`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	pol := mustPolicy(t, cfg.Permission)
	snap := NewSnapshot(pol)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	persisted := make(chan config.PermissionConfig, 4)
	persist := func(_ context.Context, pc config.PermissionConfig) error {
		persisted <- pc
		return nil
	}
	go func() {
		WatchConfig(ctx, path, snap, persist)
		close(done)
	}()

	// Give the watcher a moment to register before touching the file.
	time.Sleep(100 * time.Millisecond)

	scope := bus.GroupScope("1")
	sender := bus.Principal{ID: "bob"}
	if got := Evaluate(sender, scope, snap.Current()); got != TierBlocked {
		t.Fatalf("initial tier = %v, want blocked", got)
	}

	write(`{"permission": {"default_tier": "trusted"}}`)

	deadline := time.After(5 * time.Second)
	for {
		if Evaluate(sender, scope, snap.Current()) == TierTrusted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("policy was not reloaded")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// The accepted reload is written back so it survives a restart.
	select {
	case pc := <-persisted:
		if pc.DefaultTier != "trusted" {
			t.Errorf("persisted default_tier = %q, want trusted", pc.DefaultTier)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reloaded policy was not persisted")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchConfig_KeepsOldPolicyOnBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"permission": {"default_tier": "trusted"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	snap := NewSnapshot(mustPolicy(t, cfg.Permission))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var persists int32
	persist := func(context.Context, config.PermissionConfig) error {
		atomic.AddInt32(&persists, 1)
		return nil
	}
	go WatchConfig(ctx, path, snap, persist)
	time.Sleep(100 * time.Millisecond)

	// Malformed JSON, then an unknown tier: both must be rejected.
	os.WriteFile(path, []byte(`{broken`), 0600)
	time.Sleep(200 * time.Millisecond)
	os.WriteFile(path, []byte(`{"permission": {"default_tier": "emperor"}}`), 0600)
	time.Sleep(200 * time.Millisecond)

	got := Evaluate(bus.Principal{ID: "bob"}, bus.GroupScope("1"), snap.Current())
	if got != TierTrusted {
		t.Errorf("tier after bad reloads = %v, want trusted preserved", got)
	}
	if n := atomic.LoadInt32(&persists); n != 0 {
		t.Errorf("rejected reloads were persisted %d times, want 0", n)
	}
}

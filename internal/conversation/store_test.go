package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
	"github.com/nextlevelbuilder/bridgebot/internal/store"
)

// memRepo is an in-memory store.Repository for tests.
type memRepo struct {
	mu       sync.Mutex
	contexts map[string][]bus.Turn
	saveErr  error
	saves    int
}

func newMemRepo() *memRepo {
	return &memRepo{contexts: make(map[string][]bus.Turn)}
}

func (r *memRepo) LoadContext(_ context.Context, scope bus.Scope) ([]bus.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	turns, ok := r.contexts[scope.Key()]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]bus.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (r *memRepo) SaveContext(_ context.Context, scope bus.Scope, turns []bus.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	cp := make([]bus.Turn, len(turns))
	copy(cp, turns)
	r.contexts[scope.Key()] = cp
	return nil
}

func (r *memRepo) LoadPolicy(context.Context) (config.PermissionConfig, error) {
	return config.PermissionConfig{}, store.ErrNotFound
}
func (r *memRepo) SavePolicy(context.Context, config.PermissionConfig) error { return nil }
func (r *memRepo) Close() error                                              { return nil }

func userTurn(text string) bus.Turn {
	return bus.Turn{Role: bus.RoleUser, Sender: "u1", Text: text, Timestamp: time.Now()}
}

func assistantTurn(text string) bus.Turn {
	return bus.Turn{Role: bus.RoleAssistant, Text: text, Timestamp: time.Now()}
}

func TestAppend_FIFOEviction(t *testing.T) {
	s := New(newMemRepo(), Options{MaxTurns: 3})
	scope := bus.GroupScope("g1")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		s.Append(ctx, scope, userTurn(fmt.Sprintf("m%d", i)))
	}

	snap := s.Snapshot(ctx, scope)
	if len(snap.Turns) != 3 {
		t.Fatalf("window length = %d, want 3", len(snap.Turns))
	}
	for i, want := range []string{"m3", "m4", "m5"} {
		if snap.Turns[i].Text != want {
			t.Errorf("turn[%d] = %q, want %q", i, snap.Turns[i].Text, want)
		}
	}
}

func TestAppend_OrderPreserved(t *testing.T) {
	s := New(newMemRepo(), Options{MaxTurns: 10})
	scope := bus.PrivateScope("u1")
	ctx := context.Background()

	s.Append(ctx, scope, userTurn("hello"))
	s.Append(ctx, scope, assistantTurn("hi"))
	s.Append(ctx, scope, userTurn("how are you"))

	snap := s.Snapshot(ctx, scope)
	wantRoles := []bus.Role{bus.RoleUser, bus.RoleAssistant, bus.RoleUser}
	if len(snap.Turns) != len(wantRoles) {
		t.Fatalf("got %d turns, want %d", len(snap.Turns), len(wantRoles))
	}
	for i, role := range wantRoles {
		if snap.Turns[i].Role != role {
			t.Errorf("turn[%d] role = %q, want %q", i, snap.Turns[i].Role, role)
		}
	}
}

func TestSnapshot_DoesNotMutate(t *testing.T) {
	s := New(newMemRepo(), Options{MaxTurns: 10})
	scope := bus.GroupScope("g1")
	ctx := context.Background()

	s.Append(ctx, scope, userTurn("one"))
	snap := s.Snapshot(ctx, scope)
	snap.Turns[0].Text = "mutated"

	again := s.Snapshot(ctx, scope)
	if again.Turns[0].Text != "one" {
		t.Error("snapshot mutation leaked into the stored window")
	}
}

func TestSnapshot_StaleTurnsOmitted(t *testing.T) {
	s := New(newMemRepo(), Options{MaxTurns: 10, MaxTurnAge: time.Minute})
	scope := bus.PrivateScope("u1")
	ctx := context.Background()

	old := userTurn("stale")
	old.Timestamp = time.Now().Add(-2 * time.Minute)
	s.Append(ctx, scope, old)
	s.Append(ctx, scope, userTurn("fresh"))

	snap := s.Snapshot(ctx, scope)
	if len(snap.Turns) != 1 || snap.Turns[0].Text != "fresh" {
		t.Fatalf("snapshot = %+v, want only the fresh turn", snap.Turns)
	}

	// The stale turn is only filtered from snapshots, not evicted.
	full := s.Append(ctx, scope, userTurn("another"))
	if len(full.Turns) != 3 {
		t.Errorf("stored window length = %d, want 3", len(full.Turns))
	}
}

func TestSnapshot_CutoffUsesInjectedNow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(newMemRepo(), Options{
		MaxTurns:   10,
		MaxTurnAge: time.Minute,
		Now:        func() time.Time { return now },
	})
	scope := bus.PrivateScope("u1")
	ctx := context.Background()

	stale := userTurn("stale")
	stale.Timestamp = now.Add(-90 * time.Second)
	boundary := userTurn("boundary")
	boundary.Timestamp = now.Add(-time.Minute)
	fresh := userTurn("fresh")
	fresh.Timestamp = now.Add(-30 * time.Second)
	s.Append(ctx, scope, stale)
	s.Append(ctx, scope, boundary)
	s.Append(ctx, scope, fresh)

	snap := s.Snapshot(ctx, scope)
	if len(snap.Turns) != 2 {
		t.Fatalf("snapshot = %+v, want boundary and fresh turns", snap.Turns)
	}
	if snap.Turns[0].Text != "boundary" || snap.Turns[1].Text != "fresh" {
		t.Errorf("kept turns = %q, %q", snap.Turns[0].Text, snap.Turns[1].Text)
	}

	// Advancing the clock ages the remaining turns out.
	now = now.Add(2 * time.Minute)
	snap = s.Snapshot(ctx, scope)
	if len(snap.Turns) != 0 {
		t.Fatalf("snapshot after clock advance = %+v, want empty", snap.Turns)
	}
}

func TestBuffing(t *testing.T) {
	s := New(newMemRepo(), Options{MaxTurns: 10})
	scope := bus.GroupScope("g1")
	ctx := context.Background()

	if s.Buffing(scope) {
		t.Fatal("fresh scope should not be buffing")
	}

	s.Append(ctx, scope, assistantTurn("reply"))
	if !s.Buffing(scope) {
		t.Fatal("scope should buff after an assistant reply")
	}

	// Buff survives a few user turns, then expires.
	for i := 0; i < replyBuff-1; i++ {
		s.Append(ctx, scope, userTurn("chat"))
		if !s.Buffing(scope) {
			t.Fatalf("buff expired after %d user turns, want %d", i+1, replyBuff)
		}
	}
	s.Append(ctx, scope, userTurn("chat"))
	if s.Buffing(scope) {
		t.Error("buff should expire after the configured user turns")
	}
}

func TestFlush_RoundTrip(t *testing.T) {
	repo := newMemRepo()
	scope := bus.GroupScope("g1")
	ctx := context.Background()

	s := New(repo, Options{MaxTurns: 10})
	s.Append(ctx, scope, userTurn("persisted"))
	s.Flush(scope)
	s.Wait()

	// A new store hydrates the window from the repository.
	s2 := New(repo, Options{MaxTurns: 10})
	snap := s2.Snapshot(ctx, scope)
	if len(snap.Turns) != 1 || snap.Turns[0].Text != "persisted" {
		t.Fatalf("hydrated snapshot = %+v", snap.Turns)
	}
}

func TestFlush_FailureIsSwallowed(t *testing.T) {
	repo := newMemRepo()
	repo.saveErr = errors.New("disk full")
	scope := bus.GroupScope("g1")
	ctx := context.Background()

	s := New(repo, Options{MaxTurns: 10})
	s.Append(ctx, scope, userTurn("hello"))
	s.Flush(scope)
	s.Wait()

	// The in-memory window is still intact after a failed write.
	snap := s.Snapshot(ctx, scope)
	if len(snap.Turns) != 1 {
		t.Fatalf("window lost turns after failed flush: %+v", snap.Turns)
	}
}

func TestHydration_TruncatesToWindow(t *testing.T) {
	repo := newMemRepo()
	scope := bus.GroupScope("g1")
	stored := make([]bus.Turn, 6)
	for i := range stored {
		stored[i] = userTurn(fmt.Sprintf("m%d", i+1))
	}
	repo.contexts[scope.Key()] = stored

	s := New(repo, Options{MaxTurns: 4})
	snap := s.Snapshot(context.Background(), scope)
	if len(snap.Turns) != 4 {
		t.Fatalf("hydrated window length = %d, want 4", len(snap.Turns))
	}
	if snap.Turns[0].Text != "m3" {
		t.Errorf("oldest kept turn = %q, want m3", snap.Turns[0].Text)
	}
}

func TestRunFlushLoop_InvalidSchedule(t *testing.T) {
	s := New(newMemRepo(), Options{MaxTurns: 10})
	if err := s.RunFlushLoop(context.Background(), "not a cron"); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}

func TestFlushLoop_DueTickFlushes(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, Options{MaxTurns: 10})
	ctx, cancel := context.WithCancel(context.Background())
	s.Append(ctx, bus.GroupScope("g1"), userTurn("pending"))

	ticks := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- s.flushLoop(ctx, gronx.New(), "* * * * *", ticks) }()

	ticks <- time.Now()

	deadline := time.After(5 * time.Second)
	for {
		repo.mu.Lock()
		saved := len(repo.contexts)
		repo.mu.Unlock()
		if saved == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("due tick did not flush the window")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Cancellation runs a final flush of everything still live.
	s.Append(context.Background(), bus.PrivateScope("u2"), userTurn("late"))
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("flushLoop returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("flushLoop did not exit on cancel")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.contexts) != 2 {
		t.Fatalf("persisted %d scopes after final flush, want 2", len(repo.contexts))
	}
}

func TestFlushLoop_SkipsOffScheduleTicks(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, Options{MaxTurns: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Append(ctx, bus.GroupScope("g1"), userTurn("pending"))

	ticks := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- s.flushLoop(ctx, gronx.New(), "30 4 * * *", ticks) }()

	off := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ticks <- off
	// A second send only completes once the first tick was handled.
	ticks <- off
	s.Wait()

	repo.mu.Lock()
	saves := repo.saves
	repo.mu.Unlock()
	if saves != 0 {
		t.Fatalf("off-schedule tick triggered %d saves, want 0", saves)
	}
}

func TestFlushAll(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()
	s := New(repo, Options{MaxTurns: 10})

	s.Append(ctx, bus.GroupScope("a"), userTurn("1"))
	s.Append(ctx, bus.PrivateScope("b"), userTurn("2"))
	s.FlushAll()
	s.Wait()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.contexts) != 2 {
		t.Fatalf("persisted %d scopes, want 2", len(repo.contexts))
	}
}

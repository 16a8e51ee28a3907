// Package conversation owns the per-scope rolling context windows. Windows
// are bounded by turn count with strict FIFO eviction (not token-aware) and
// are persisted asynchronously through the repository: a failed write is
// logged, never surfaced to the dispatch path.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/store"
)

// replyBuff is how many subsequent user turns keep a conversation "warm"
// after the assistant replies. Warm conversations lower the group trigger
// threshold.
const replyBuff = 3

// Context is a read-only copy of one scope's window, oldest turn first.
type Context struct {
	Scope bus.Scope
	Turns []bus.Turn
}

// Options configures a Store.
type Options struct {
	MaxTurns     int              // window size N (required, > 0)
	MaxTurnAge   time.Duration    // 0 = snapshots include every stored turn
	FlushTimeout time.Duration    // per-write deadline for async flushes
	Now          func() time.Time // nil = time.Now; staleness cutoff source
}

// Store holds every live window. The dispatcher guarantees one logical
// writer per scope; the store's own lock only protects the map and makes
// cross-scope reads safe.
type Store struct {
	repo store.Repository
	opts Options

	mu      sync.Mutex
	windows map[string]*window

	flushWG sync.WaitGroup
}

type window struct {
	scope bus.Scope
	turns []bus.Turn
	buff  int // remaining warm turns after an assistant reply
}

// New creates a Store backed by the given repository.
func New(repo store.Repository, opts Options) *Store {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 20
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		repo:    repo,
		opts:    opts,
		windows: make(map[string]*window),
	}
}

// Append adds a turn to the scope's window and returns the updated window
// after FIFO eviction. The first touch of a scope hydrates it from the
// repository; a load failure is logged and the scope starts empty.
func (s *Store) Append(ctx context.Context, scope bus.Scope, turn bus.Turn) Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.window(ctx, scope)
	w.turns = append(w.turns, turn)
	if n := len(w.turns) - s.opts.MaxTurns; n > 0 {
		w.turns = w.turns[n:]
	}

	switch turn.Role {
	case bus.RoleAssistant:
		w.buff = replyBuff
	case bus.RoleUser:
		if w.buff > 0 {
			w.buff--
		}
	}

	return w.snapshot(time.Time{})
}

// Snapshot returns a read-only copy of the scope's window with turns older
// than MaxTurnAge filtered out. Used to build completion requests; the
// stored window is untouched.
func (s *Store) Snapshot(ctx context.Context, scope bus.Scope) Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.window(ctx, scope)
	var cutoff time.Time
	if s.opts.MaxTurnAge > 0 {
		cutoff = s.opts.Now().Add(-s.opts.MaxTurnAge)
	}
	return w.snapshot(cutoff)
}

// Buffing reports whether the scope is in an active conversation (the
// assistant replied within the last few user turns).
func (s *Store) Buffing(scope bus.Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[scope.Key()]; ok {
		return w.buff > 0
	}
	return false
}

// Flush persists the scope's window asynchronously. Best-effort: failures
// are logged and the dispatch path is never blocked.
func (s *Store) Flush(scope bus.Scope) {
	s.mu.Lock()
	w, ok := s.windows[scope.Key()]
	if !ok {
		s.mu.Unlock()
		return
	}
	turns := make([]bus.Turn, len(w.turns))
	copy(turns, w.turns)
	s.mu.Unlock()

	s.flushWG.Add(1)
	go func() {
		defer s.flushWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
		defer cancel()
		if err := s.repo.SaveContext(ctx, scope, turns); err != nil {
			slog.Warn("context flush failed", "scope", scope.Key(), "error", err)
		}
	}()
}

// FlushAll persists every live window. Used by the periodic flush job and
// at shutdown.
func (s *Store) FlushAll() {
	s.mu.Lock()
	scopes := make([]bus.Scope, 0, len(s.windows))
	for _, w := range s.windows {
		scopes = append(scopes, w.scope)
	}
	s.mu.Unlock()

	for _, sc := range scopes {
		s.Flush(sc)
	}
}

// Wait blocks until all in-flight flushes complete. Call after FlushAll
// during shutdown.
func (s *Store) Wait() { s.flushWG.Wait() }

// RunFlushLoop periodically flushes every window according to the cron
// schedule. Blocks until ctx is cancelled; a final FlushAll runs on exit.
func (s *Store) RunFlushLoop(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = "* * * * *"
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		return errors.New("conversation: invalid flush schedule " + schedule)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	return s.flushLoop(ctx, gron, schedule, ticker.C)
}

// flushLoop is the RunFlushLoop body with the tick source injected so the
// schedule handling is testable without a real minute ticker.
func (s *Store) flushLoop(ctx context.Context, gron *gronx.Gronx, schedule string, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			s.FlushAll()
			s.Wait()
			return nil
		case tick := <-ticks:
			due, err := gron.IsDue(schedule, tick)
			if err != nil || !due {
				continue
			}
			s.FlushAll()
		}
	}
}

// window returns the live window for scope, hydrating from the repository
// on first touch. Caller holds s.mu.
func (s *Store) window(ctx context.Context, scope bus.Scope) *window {
	key := scope.Key()
	if w, ok := s.windows[key]; ok {
		return w
	}

	w := &window{scope: scope}
	turns, err := s.repo.LoadContext(ctx, scope)
	switch {
	case err == nil:
		if n := len(turns) - s.opts.MaxTurns; n > 0 {
			turns = turns[n:]
		}
		w.turns = turns
	case errors.Is(err, store.ErrNotFound):
		// fresh scope
	default:
		slog.Warn("context load failed, starting empty", "scope", key, "error", err)
	}
	s.windows[key] = w
	return w
}

// snapshot copies the window's turns, omitting any before cutoff.
// A zero cutoff keeps everything.
func (w *window) snapshot(cutoff time.Time) Context {
	turns := make([]bus.Turn, 0, len(w.turns))
	for _, t := range w.turns {
		if !cutoff.IsZero() && t.Timestamp.Before(cutoff) {
			continue
		}
		turns = append(turns, t)
	}
	return Context{Scope: w.scope, Turns: turns}
}

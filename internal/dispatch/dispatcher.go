// Package dispatch is the event loop at the root of the agent: it pulls
// inbound events from the gateway, applies the permission policy, updates
// the conversation store, calls the completion provider, and sends replies
// back through the gateway's command API.
//
// Each scope runs a small state machine
//
//	Idle → Evaluating → Requesting → Replying → Idle
//
// with Retrying/Failed on the error path. One worker per scope guarantees
// strict per-scope ordering and single-flight completions; a global
// semaphore caps how many completions run at once across all scopes.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
	"github.com/nextlevelbuilder/bridgebot/internal/conversation"
	"github.com/nextlevelbuilder/bridgebot/internal/gateway"
	"github.com/nextlevelbuilder/bridgebot/internal/permission"
	"github.com/nextlevelbuilder/bridgebot/internal/provider"
)

// echoCommand short-circuits the AI path: "#echo rest" is answered with
// "rest" directly.
const echoCommand = "#echo"

// State names for outcomes and logs.
type State string

const (
	StateIdle    State = "idle"    // processed without a reply (denied, not triggered, own message)
	StateReplied State = "replied" // reply delivered
	StateFailed  State = "failed"  // retries exhausted or shutdown
)

// Outcome is the terminal result of one inbound event, reported through
// the optional OnOutcome hook (used by tests and operator metrics).
type Outcome struct {
	Scope      bus.Scope
	Seq        uint64
	State      State
	DeliveryID string
	Err        error
}

// EventSource is the inbound half of the gateway.
type EventSource interface {
	Events() <-chan bus.InboundEvent
	SelfID() string
}

// Config wires a Dispatcher.
type Config struct {
	Source    EventSource
	Sender    gateway.Sender
	Completer provider.Completer
	Store     *conversation.Store
	Policy    *permission.Snapshot

	SystemPrompt  string
	MaxConcurrent int           // global completion cap (default 8)
	MaxAttempts   int           // per-stage retry ceiling (default 3)
	RetryBase     time.Duration // default 2s
	RetryMax      time.Duration // default 30s
	DrainTimeout  time.Duration // shutdown drain bound (default 20s)
	Trigger       config.TriggerConfig
	LogChats      bool

	Clock     Clock         // nil = system clock
	OnOutcome func(Outcome) // optional terminal-outcome hook
}

// Dispatcher composes the agent core. Create with New, drive with Run.
type Dispatcher struct {
	source    EventSource
	sender    gateway.Sender
	completer provider.Completer
	store     *conversation.Store
	policy    *permission.Snapshot

	systemPrompt string
	retry        retryPolicy
	drainTimeout time.Duration
	trigger      *trigger
	logChats     bool

	clock     Clock
	sem       *semaphore.Weighted
	dedupe    *seqCache
	tracer    trace.Tracer
	onOutcome func(Outcome)

	mu      sync.Mutex
	workers map[string]*scopeWorker

	workerWG sync.WaitGroup

	// procCtx bounds in-flight work. It stays live through shutdown until
	// the drain timeout elapses, so Requesting/Replying transitions finish
	// rather than being cut off mid-call.
	procCtx    context.Context
	procCancel context.CancelFunc
}

// New builds a Dispatcher from config, applying defaults.
func New(cfg Config) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 20 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		source:       cfg.Source,
		sender:       cfg.Sender,
		completer:    cfg.Completer,
		store:        cfg.Store,
		policy:       cfg.Policy,
		systemPrompt: cfg.SystemPrompt,
		retry: retryPolicy{
			maxAttempts: cfg.MaxAttempts,
			base:        cfg.RetryBase,
			max:         cfg.RetryMax,
		},
		drainTimeout: cfg.DrainTimeout,
		trigger:      newTrigger(cfg.Trigger),
		logChats:     cfg.LogChats,
		clock:        clock,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		dedupe:       newSeqCache(clock),
		tracer:       otel.Tracer("bridgebot/dispatch"),
		onOutcome:    cfg.OnOutcome,
		workers:      make(map[string]*scopeWorker),
		procCtx:      procCtx,
		procCancel:   procCancel,
	}
}

// Run pulls events until ctx is cancelled, then drains: workers finish
// their in-flight event (bounded by DrainTimeout) and queued events are
// logged as failed. Run returns once every worker has stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started")

	workerCtx, stopWorkers := context.WithCancel(context.Background())

pull:
	for {
		select {
		case <-ctx.Done():
			break pull
		case ev, ok := <-d.source.Events():
			if !ok {
				break pull
			}
			if d.dedupe.Seen(ev) {
				slog.Debug("duplicate event suppressed", "scope", ev.Scope.Key(), "seq", ev.Seq)
				continue
			}
			d.worker(workerCtx, ev.Scope).enqueue(ev)
		}
	}

	slog.Info("dispatcher draining", "timeout", d.drainTimeout)
	drainTimer := time.AfterFunc(d.drainTimeout, d.procCancel)
	stopWorkers()
	d.workerWG.Wait()
	drainTimer.Stop()
	d.procCancel()

	d.store.FlushAll()
	d.store.Wait()
	slog.Info("dispatcher stopped")
	return nil
}

// worker returns the scope's worker, starting one on first use.
func (d *Dispatcher) worker(ctx context.Context, scope bus.Scope) *scopeWorker {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := scope.Key()
	if w, ok := d.workers[key]; ok {
		return w
	}
	w := newScopeWorker(scope, d)
	d.workers[key] = w
	d.workerWG.Add(1)
	go w.run(ctx)
	return w
}

// handleEvent runs one event through the state machine. Called only from
// the scope's worker, so everything here is serial per scope.
func (d *Dispatcher) handleEvent(ctx context.Context, ev bus.InboundEvent) {
	ctx, span := d.tracer.Start(ctx, "dispatch.event", trace.WithAttributes(
		attribute.String("scope", ev.Scope.Key()),
		attribute.Int64("seq", int64(ev.Seq)),
	))
	defer span.End()

	if d.logChats {
		slog.Info("inbound", "scope", ev.Scope.Key(), "sender", ev.Sender.ID, "text", previewText(ev.Text))
	}

	// Evaluating: pure policy decision, never an error.
	tier := permission.Evaluate(ev.Sender, ev.Scope, d.policy.Current())
	if tier < permission.TierDefault {
		slog.Debug("permission denied", "scope", ev.Scope.Key(), "sender", ev.Sender.ID, "tier", tier.String())
		d.report(Outcome{Scope: ev.Scope, Seq: ev.Seq, State: StateIdle})
		return
	}
	span.AddEvent("evaluated", trace.WithAttributes(attribute.String("tier", tier.String())))

	// The agent's own messages (echoed back by the bridge) extend the
	// assistant side of the context and never trigger completions.
	if selfID := d.source.SelfID(); selfID != "" && ev.Sender.ID == selfID {
		d.store.Append(ctx, ev.Scope, bus.Turn{
			Role:      bus.RoleAssistant,
			Text:      ev.Text,
			Timestamp: ev.ReceivedAt,
		})
		d.report(Outcome{Scope: ev.Scope, Seq: ev.Seq, State: StateIdle})
		return
	}

	// Command short-circuit: answered without touching the provider.
	if args, ok := cutCommand(ev.Text, echoCommand); ok {
		d.runEcho(ctx, ev, args)
		return
	}

	// The user's turn is recorded regardless of whether we reply, so the
	// context stays coherent for later messages.
	buffing := d.store.Buffing(ev.Scope)
	d.store.Append(ctx, ev.Scope, bus.Turn{
		Role:      bus.RoleUser,
		Sender:    ev.Sender.ID,
		Name:      ev.Sender.Name,
		Text:      ev.Text,
		Timestamp: ev.ReceivedAt,
	})

	if !d.trigger.Called(ev, d.source.SelfID(), buffing) {
		d.store.Flush(ev.Scope)
		d.report(Outcome{Scope: ev.Scope, Seq: ev.Seq, State: StateIdle})
		return
	}

	// Admission control: cap concurrent completions across all scopes.
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.fail(ev, "admission", err)
		return
	}
	defer d.sem.Release(1)

	// Requesting.
	span.AddEvent("requesting")
	snapshot := d.store.Snapshot(ctx, ev.Scope)
	text, err := d.withRetry(ctx, ev, "completion", func(callCtx context.Context) (string, error) {
		return d.completer.Complete(callCtx, provider.Request{
			System:  d.systemPrompt,
			Context: snapshot,
		})
	})
	if err != nil {
		// The user's turn stays recorded: no rollback, future messages
		// keep their context.
		d.store.Flush(ev.Scope)
		d.fail(ev, "completion", err)
		return
	}

	// Replying: the assistant turn is recorded before the send, so a
	// failed delivery still leaves both sides of the exchange in context.
	span.AddEvent("replying")
	d.store.Append(ctx, ev.Scope, bus.Turn{
		Role:      bus.RoleAssistant,
		Text:      text,
		Timestamp: d.clock.Now(),
	})

	deliveryID, err := d.withRetry(ctx, ev, "send", func(callCtx context.Context) (string, error) {
		return d.sender.Send(callCtx, ev.Scope, text)
	})
	d.store.Flush(ev.Scope)
	if err != nil {
		d.fail(ev, "send", err)
		return
	}

	slog.Debug("reply delivered", "scope", ev.Scope.Key(), "seq", ev.Seq, "delivery_id", deliveryID)
	d.report(Outcome{Scope: ev.Scope, Seq: ev.Seq, State: StateReplied, DeliveryID: deliveryID})
}

// withRetry drives one stage through the Retrying state: exponential
// backoff for transient failures, the provider-specified delay for rate
// limits, immediate surfacing for fatal errors.
func (d *Dispatcher) withRetry(ctx context.Context, ev bus.InboundEvent, stage string, call func(context.Context) (string, error)) (string, error) {
	for attempt := 0; ; attempt++ {
		result, err := call(ctx)
		if err == nil {
			return result, nil
		}

		delay, retryable := d.retry.next(attempt, err)
		if !retryable {
			return "", err
		}

		slog.Warn("stage failed, retrying",
			"stage", stage,
			"scope", ev.Scope.Key(),
			"seq", ev.Seq,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-d.clock.After(delay):
		}
	}
}

// runEcho answers the #echo command directly. Best-effort, no retries.
func (d *Dispatcher) runEcho(ctx context.Context, ev bus.InboundEvent, args string) {
	deliveryID, err := d.sender.Send(ctx, ev.Scope, args)
	if err != nil {
		d.fail(ev, "echo", err)
		return
	}
	d.report(Outcome{Scope: ev.Scope, Seq: ev.Seq, State: StateReplied, DeliveryID: deliveryID})
}

// fail records a terminal failure. Deliberately nothing is sent to the
// chat: internal failures never leak into the conversation surface.
func (d *Dispatcher) fail(ev bus.InboundEvent, stage string, err error) {
	slog.Error("event failed",
		"stage", stage,
		"scope", ev.Scope.Key(),
		"seq", ev.Seq,
		"error", err,
	)
	d.report(Outcome{Scope: ev.Scope, Seq: ev.Seq, State: StateFailed, Err: err})
}

func (d *Dispatcher) report(o Outcome) {
	if d.onOutcome != nil {
		d.onOutcome(o)
	}
}

// cutCommand splits "#cmd rest" and reports whether text invokes cmd.
func cutCommand(text, cmd string) (string, bool) {
	if text == cmd {
		return "", true
	}
	if rest, ok := strings.CutPrefix(text, cmd+" "); ok {
		return strings.TrimSpace(rest), true
	}
	return "", false
}

func previewText(s string) string {
	const max = 120
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
)

// scopeWorker serializes all work for one scope. Events queue in arrival
// order and are processed one at a time, so context order always matches
// inbound sequence order and completion requests are single-flight per
// scope. Distinct scopes get distinct workers and run in parallel.
type scopeWorker struct {
	scope bus.Scope
	d     *Dispatcher

	mu     sync.Mutex
	queue  []bus.InboundEvent
	notify chan struct{}
}

func newScopeWorker(scope bus.Scope, d *Dispatcher) *scopeWorker {
	return &scopeWorker{
		scope:  scope,
		d:      d,
		notify: make(chan struct{}, 1),
	}
}

// enqueue appends the event and wakes the worker. Never blocks and never
// drops: an event arriving while a request is in flight waits its turn.
func (w *scopeWorker) enqueue(ev bus.InboundEvent) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// run drains the queue until shutdown. The current event always finishes
// (bounded by the dispatcher's drain context); events still queued at
// shutdown are logged as failed outcomes rather than silently lost.
func (w *scopeWorker) run(ctx context.Context) {
	defer w.d.workerWG.Done()

	for {
		ev, ok := w.dequeue()
		if !ok {
			select {
			case <-w.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			w.failQueued(ev)
			return
		default:
		}

		w.d.handleEvent(w.d.procCtx, ev)
	}
}

func (w *scopeWorker) dequeue() (bus.InboundEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return bus.InboundEvent{}, false
	}
	ev := w.queue[0]
	w.queue = w.queue[1:]
	return ev, true
}

// failQueued logs the given event plus anything still queued as failed
// outcomes at shutdown.
func (w *scopeWorker) failQueued(first bus.InboundEvent) {
	w.mu.Lock()
	pending := append([]bus.InboundEvent{first}, w.queue...)
	w.queue = nil
	w.mu.Unlock()

	for _, ev := range pending {
		slog.Warn("dropping queued event at shutdown", "scope", ev.Scope.Key(), "seq", ev.Seq)
		w.d.report(Outcome{Scope: ev.Scope, Seq: ev.Seq, State: StateFailed, Err: context.Canceled})
	}
}

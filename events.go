package overlayrelay

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// eventBuffer bounds pending Started/Paused events per controller.
const eventBuffer = 16

// dispatcher delivers events to observers on its own goroutine so the
// worker never waits on an observer.
type dispatcher struct {
	mu        sync.Mutex
	observers []Observer

	ch      chan Event
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

func newDispatcher(observers []Observer) *dispatcher {
	return &dispatcher{observers: append([]Observer(nil), observers...)}
}

func (d *dispatcher) add(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

func (d *dispatcher) start() {
	d.ch = make(chan Event, eventBuffer)
	d.wg.Add(1)
	go d.run()
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for ev := range d.ch {
		d.mu.Lock()
		observers := append([]Observer(nil), d.observers...)
		d.mu.Unlock()

		for _, o := range observers {
			o.OnEvent(ev)
		}
	}
}

// emit queues ev without blocking; it is dropped if observers fall behind.
func (d *dispatcher) emit(ev Event) {
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		slog.Debug("overlayrelay: dropping event, observers behind",
			"event", ev.Kind.String(),
			"session_id", ev.SessionID,
		)
	}
}

// close delivers final, waits for every queued event to reach the
// observers and stops the dispatcher.
func (d *dispatcher) close(final Event) {
	d.ch <- final
	close(d.ch)
	d.wg.Wait()
}

func (d *dispatcher) droppedCount() uint64 {
	return d.dropped.Load()
}

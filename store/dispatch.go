package store

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/mailstate/mailstate/metrics"
	"github.com/mailstate/mailstate/mlog"
)

// Dispatcher fans out changes of a single mailbox to its listeners.
//
// Changes are delivered in the order of Dispatch calls, to every listener
// registered at the time of the call. A listener that fails does not prevent
// delivery to others.
type Dispatcher struct {
	log mlog.Log

	mu        sync.Mutex // Held during a fan-out, serializes dispatches.
	listeners []Listener
}

// NewDispatcher returns a dispatcher without listeners.
func NewDispatcher(log mlog.Log) *Dispatcher {
	return &Dispatcher{log: log}
}

// AddListener registers l. Adding an already registered listener has no
// effect.
func (d *Dispatcher) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.listeners, l) {
		d.listeners = append(d.listeners, l)
	}
}

// RemoveListener unregisters l, returning whether it was registered. When
// RemoveListener returns, no delivery to l is in progress and none will start.
func (d *Dispatcher) RemoveListener(l Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.Index(d.listeners, l)
	if i < 0 {
		return false
	}
	d.listeners = slices.Delete(d.listeners, i, i+1)
	return true
}

// Listeners returns the number of registered listeners.
func (d *Dispatcher) Listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// Dispatch delivers a copy of ch to each registered listener.
func (d *Dispatcher) Dispatch(ch Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	metricDispatched.WithLabelValues(changeType(ch)).Inc()

	var shared *eraseRef
	if c, ok := ch.(ChangeExpunge); ok {
		shared = c.shared
	}

	for _, l := range d.listeners {
		c := copyChange(ch)
		if shared != nil {
			shared.n.Add(1)
		}
		if !d.deliver(l, c) {
			// Listener did not take the change, so won't release its reference.
			if c, ok := c.(ChangeExpunge); ok {
				c.Done()
			}
		}
	}

	// Release the reference held by the producer. If no listener holds a
	// reference, the content is erased now.
	if shared != nil {
		shared.release()
	}
}

func (d *Dispatcher) deliver(l Listener, ch Change) (ok bool) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		d.log.Error("unhandled panic in listener", slog.Any("err", x), slog.String("change", changeType(ch)))
		debug.PrintStack()
		metrics.PanicInc("store")
		metricListenerFailure.Inc()
		ok = false
	}()

	if err := l.Deliver(ch); err != nil {
		d.log.Errorx("delivering change to listener", err,
			slog.String("change", changeType(ch)),
			slog.String("listener", fmt.Sprintf("%T", l)))
		metricListenerFailure.Inc()
		return false
	}
	return true
}

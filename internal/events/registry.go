// Package events maps symbolic event names to script handlers.
package events

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/callback"
)

// NameCapacity is the longest accepted event name in bytes.
const NameCapacity = 19

const (
	StateChange      = "stateChange"
	AdvertisingStart = "advertisingStart"
	Accept           = "accept"
	Disconnect       = "disconnect"
)

var (
	ErrEventNameTooLong = fmt.Errorf("event name longer than %d bytes", NameCapacity)
	ErrEmptyEventName   = errors.New("event name is empty")
	ErrNilHandler       = errors.New("event handler is nil")
	ErrRegistryClosed   = errors.New("event registry is closed")
)

type entry struct {
	name string
	fn   callback.Callable
}

// Enqueuer is where dispatched records go.
type Enqueuer interface {
	Submit(kind callback.Kind, fn callback.Callable, payload callback.Payload) error
}

// Registry holds handlers newest first.
//
// Dispatch is called from stack goroutines while the interpreter registers
// handlers. Each registration publishes a fresh slice, so Len reads it
// without locking.
type Registry struct {
	logger *logrus.Logger
	queue  Enqueuer

	mu      sync.Mutex
	entries atomic.Pointer[[]entry]
	closed  bool
}

func NewRegistry(queue Enqueuer, logger *logrus.Logger) *Registry {
	r := &Registry{logger: logger, queue: queue}
	r.entries.Store(&[]entry{})
	return r
}

// Register adds fn as the handler for name, taking over one reference.
// Earlier handlers for the same name stay registered but are shadowed.
func (r *Registry) Register(name string, fn callback.Callable) error {
	if fn == nil {
		return ErrNilHandler
	}
	if name == "" {
		return ErrEmptyEventName
	}
	if len(name) > NameCapacity {
		return fmt.Errorf("%w: %q", ErrEventNameTooLong, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	old := *r.entries.Load()
	next := make([]entry, 0, len(old)+1)
	next = append(next, entry{name: name, fn: fn})
	next = append(next, old...)
	r.entries.Store(&next)

	r.logger.WithFields(logrus.Fields{"event": name, "handlers": len(next)}).Debug("Event handler registered")
	return nil
}

// Dispatch queues one record for the first handler whose name starts with
// name. It reports whether a handler matched; no match is not an error.
// A closed registry matches nothing.
func (r *Registry) Dispatch(name string, kind callback.Kind, payload callback.Payload) (bool, error) {
	e, ok := r.acquire(name)
	if !ok {
		r.logger.WithField("event", name).Trace("No handler for event")
		return false, nil
	}

	if err := r.queue.Submit(kind, e.fn, payload); err != nil {
		return true, fmt.Errorf("dispatch %s: %w", name, err)
	}
	r.logger.WithFields(logrus.Fields{"event": name, "handler": e.name}).Trace("Event dispatched")
	return true, nil
}

// acquire finds the handler for name and retains it for a record. It runs
// under mu so Close cannot release the handler in between.
func (r *Registry) acquire(name string) (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return entry{}, false
	}
	for _, e := range *r.entries.Load() {
		if strings.HasPrefix(e.name, name) {
			e.fn.Retain()
			return e, true
		}
	}
	return entry{}, false
}

// Len is the number of registrations.
func (r *Registry) Len() int {
	return len(*r.entries.Load())
}

// Close releases every registered handler.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	old := *r.entries.Load()
	r.entries.Store(&[]entry{})
	for _, e := range old {
		e.fn.Release()
	}
}

// Package callback moves work from stack goroutines onto the interpreter.
//
// Producers (attribute trampolines, stack lifecycle hooks, the event
// registry) build a Record around a retained script function and Enqueue it
// from whatever goroutine they run on. The interpreter goroutine drains the
// Queue, calls each function once in FIFO order and releases it.
package callback

import (
	"fmt"
	"sync/atomic"
)

// Callable is a retained script function.
type Callable interface {
	Call(args ...any) error
	Retain()
	Release()
}

// Kind tags the producer of a Record.
type Kind uint8

const (
	KindRead Kind = iota + 1
	KindWrite
	KindSubscribe
	KindUnsubscribe
	KindNotify
	KindStateChange
	KindAdvertisingStart
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindNotify:
		return "notify"
	case KindStateChange:
		return "state-change"
	case KindAdvertisingStart:
		return "advertising-start"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload turns event data into script call arguments.
type Payload interface {
	Args() []any
}

// ReadPayload is an attribute read. Done receives (result, data) from the script.
type ReadPayload struct {
	Offset int
	Done   func(args ...any) error
}

func (p ReadPayload) Args() []any { return []any{p.Offset, p.Done} }

// WritePayload is an attribute write. Data is owned by the payload.
// Done receives (result) from the script.
type WritePayload struct {
	Data            []byte
	Offset          int
	WithoutResponse bool
	Done            func(args ...any) error
}

func (p WritePayload) Args() []any {
	return []any{p.Data, p.Offset, p.WithoutResponse, p.Done}
}

// SubscribePayload is a notification subscription. Update lets the script
// push new values to the subscriber.
type SubscribePayload struct {
	MaxValueSize int
	Update       func(args ...any) error
}

func (p SubscribePayload) Args() []any { return []any{p.MaxValueSize, p.Update} }

type UnsubscribePayload struct{}

func (UnsubscribePayload) Args() []any { return nil }

type NotifyPayload struct{}

func (NotifyPayload) Args() []any { return nil }

type StateChangePayload struct {
	State string
}

func (p StateChangePayload) Args() []any { return []any{p.State} }

type AdvertisingStartPayload struct {
	Code int
}

func (p AdvertisingStartPayload) Args() []any { return []any{p.Code} }

// EventPayload carries arbitrary arguments for named events.
type EventPayload struct {
	Values []any
}

func (p EventPayload) Args() []any { return p.Values }

const (
	statePending uint32 = iota
	stateQueued
	stateConsumed
)

// Record is one deferred script call.
//
// It owns exactly one reference to Fn, which is released when the record
// is consumed or dropped.
type Record struct {
	Kind    Kind
	Fn      Callable
	Payload Payload

	state atomic.Uint32
	next  *Record
}

// NewRecord wraps fn, taking over one reference the caller already holds.
func NewRecord(kind Kind, fn Callable, payload Payload) *Record {
	if payload == nil {
		payload = EventPayload{}
	}
	return &Record{Kind: kind, Fn: fn, Payload: payload}
}

// Discard releases the record's reference without running it. Used by
// producers whose Enqueue failed.
func (r *Record) Discard() {
	if r.state.Swap(stateConsumed) == stateConsumed {
		return
	}
	r.releaseFn()
}

func (r *Record) releaseFn() {
	if r.Fn != nil {
		r.Fn.Release()
		r.Fn = nil
	}
}

package testutils

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// CallLog records calls across several RecordingCallables in order.
type CallLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *CallLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *CallLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// RecordingCallable stands in for a script function. It counts references
// the way a registry anchored function does and records every call.
type RecordingCallable struct {
	Name string
	// Err, when set, is returned from every Call.
	Err error
	// OnCall runs inside Call with the call arguments.
	OnCall func(args ...any)

	log  *CallLog
	refs atomic.Int32

	mu    sync.Mutex
	calls [][]any
}

// NewRecordingCallable returns a callable holding one reference.
func NewRecordingCallable(name string, log *CallLog) *RecordingCallable {
	c := &RecordingCallable{Name: name, log: log}
	c.refs.Store(1)
	return c
}

func (c *RecordingCallable) Call(args ...any) error {
	c.mu.Lock()
	c.calls = append(c.calls, args)
	c.mu.Unlock()

	if c.log != nil {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		c.log.add(fmt.Sprintf("%s(%s)", c.Name, strings.Join(parts, ",")))
	}
	if c.OnCall != nil {
		c.OnCall(args...)
	}
	return c.Err
}

func (c *RecordingCallable) Retain() { c.refs.Add(1) }

func (c *RecordingCallable) Release() { c.refs.Add(-1) }

// Refs is the outstanding reference count; negative means over-released.
func (c *RecordingCallable) Refs() int {
	return int(c.refs.Load())
}

func (c *RecordingCallable) Calls() [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]any(nil), c.calls...)
}

func (c *RecordingCallable) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Package gatt compiles declarative service descriptions into attribute
// tables and serves attribute access through trampolines that hand work to
// the script via the callback queue.
package gatt

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blip/internal/callback"
)

const (
	PropRead   = ble.CharRead
	PropWrite  = ble.CharWrite
	PropNotify = ble.CharNotify

	// DefaultMaxValueSize is the notification payload for the default ATT MTU.
	DefaultMaxValueSize = 20
	// MaxAttributeValue bounds a characteristic value.
	MaxAttributeValue = 512
)

var ErrNotSubscribed = errors.New("characteristic has no subscriber")

// Slot names one of the per-characteristic callbacks.
type Slot int

const (
	SlotRead Slot = iota
	SlotWrite
	SlotSubscribe
	SlotUnsubscribe
	SlotNotify
	slotCount
)

var slotFields = [slotCount]string{
	SlotRead:        "onReadRequest",
	SlotWrite:       "onWriteRequest",
	SlotSubscribe:   "onSubscribe",
	SlotUnsubscribe: "onUnsubscribe",
	SlotNotify:      "onNotify",
}

func (s Slot) String() string {
	if s < 0 || s >= slotCount {
		return "unknown"
	}
	return slotFields[s]
}

// Notifier delivers a notification to the subscribed client.
type Notifier func(data []byte) error

// Service is the single root service. It exclusively owns its characteristics.
type Service struct {
	UUID            ble.UUID
	Characteristics []*Characteristic

	releaseOnce sync.Once
}

// Release drops every callback reachable from the service. Safe to call twice.
func (s *Service) Release() {
	if s == nil {
		return
	}
	s.releaseOnce.Do(func() {
		for _, ch := range s.Characteristics {
			ch.release()
		}
	})
}

// Characteristic is one parsed characteristic plus its live state.
//
// Fields above mu are fixed after parsing. The value cache, CCC state,
// notifier and release state are shared between trampolines and the
// interpreter.
type Characteristic struct {
	UUID        ble.UUID
	Properties  ble.Property
	Description string

	callbacks [slotCount]callback.Callable
	bridge    *bridge

	mu           sync.RWMutex
	value        []byte
	ccc          uint16
	notifier     Notifier
	maxValueSize int
	released     bool
}

// Callback returns the script callback in slot s, or nil once the
// characteristic was released.
func (c *Characteristic) Callback(s Slot) callback.Callable {
	if s < 0 || s >= slotCount {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.released {
		return nil
	}
	return c.callbacks[s]
}

// acquire returns the callback in slot s with one extra reference for a
// queued record, or nil when there is nothing to queue it to.
func (c *Characteristic) acquire(s Slot) callback.Callable {
	if c.bridge == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn := c.callbacks[s]
	if fn == nil || c.released {
		return nil
	}
	fn.Retain()
	return fn
}

// release drops the references taken at parse time. The slots themselves
// stay as they are; trampolines still running on a replaced table see the
// released flag instead.
func (c *Characteristic) release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()

	for _, cb := range c.callbacks {
		if cb != nil {
			cb.Release()
		}
	}
}

// Value returns a copy of the cached value.
func (c *Characteristic) Value() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.value...)
}

// SetValue replaces the cached value.
func (c *Characteristic) SetValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
}

// ClientConfig is the current CCC descriptor value.
func (c *Characteristic) ClientConfig() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ccc
}

// AttachNotifier installs the transport used by Notify.
func (c *Characteristic) AttachNotifier(n Notifier, maxValueSize int) {
	if maxValueSize <= 0 {
		maxValueSize = DefaultMaxValueSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
	c.maxValueSize = maxValueSize
}

func (c *Characteristic) DetachNotifier() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = nil
}

// MaxValueSize is the payload limit negotiated for the current subscriber.
func (c *Characteristic) MaxValueSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.maxValueSize <= 0 {
		return DefaultMaxValueSize
	}
	return c.maxValueSize
}

// Notify caches data and pushes it to the subscriber. A registered
// onNotify callback is queued once the notification went out.
func (c *Characteristic) Notify(data []byte) error {
	c.mu.Lock()
	c.value = append([]byte(nil), data...)
	n := c.notifier
	limit := c.maxValueSize
	c.mu.Unlock()

	if n == nil {
		return ErrNotSubscribed
	}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	if err := n(data); err != nil {
		return err
	}

	if fn := c.acquire(SlotNotify); fn != nil {
		c.bridge.submit(callback.KindNotify, fn, callback.NotifyPayload{})
	}
	return nil
}

// FormatUUID renders u in its conventional big-endian form: 4 hex digits
// for 16-bit ids and the dashed layout for 128-bit ones.
func FormatUUID(u ble.UUID) string {
	b := make([]byte, len(u))
	for i := range u {
		b[len(u)-1-i] = u[i]
	}
	s := hex.EncodeToString(b)
	if len(b) != 16 {
		return s
	}
	return strings.Join([]string{s[0:8], s[8:12], s[12:16], s[16:20], s[20:32]}, "-")
}

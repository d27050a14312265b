package stack

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/gatt"
)

// Loopback is an in-process stack. It serves the registered table to
// callers of Read, Write and Subscribe instead of a radio.
type Loopback struct {
	logger *logrus.Logger

	// AutoReady reports readiness from inside Enable.
	AutoReady bool
	// AdvertiseError, when non-zero, fails StartAdvertising with that code.
	AdvertiseError int
	// RegisterError fails RegisterAttributeTable when set.
	RegisterError error

	mu          sync.Mutex
	handlers    Handlers
	enabled     bool
	ready       bool
	table       *gatt.AttributeTable
	history     []*gatt.AttributeTable
	advertising bool
	advName     string
	advUUIDs    []ble.UUID
	closed      bool
	notified    map[uint16][][]byte
}

func NewLoopback(logger *logrus.Logger) *Loopback {
	return &Loopback{
		logger:    logger,
		AutoReady: true,
		notified:  make(map[uint16][][]byte),
	}
}

func (l *Loopback) Enable(h Handlers) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return stackErr("enable", CodeClosed, ErrClosed)
	}
	l.handlers = h
	l.enabled = true
	auto := l.AutoReady
	l.mu.Unlock()

	if auto {
		l.FireReady(nil)
	}
	return nil
}

// FireReady completes a pending Enable with err.
func (l *Loopback) FireReady(err error) {
	l.mu.Lock()
	h := l.handlers
	l.ready = err == nil
	l.mu.Unlock()
	h.ready(err)
}

// Connect and Disconnect simulate a central coming and going.
func (l *Loopback) Connect(addr string) {
	l.mu.Lock()
	h := l.handlers
	l.mu.Unlock()
	h.connected(addr)
}

func (l *Loopback) Disconnect(addr string) {
	l.mu.Lock()
	h := l.handlers
	l.mu.Unlock()
	h.disconnected(addr)
}

func (l *Loopback) RegisterAttributeTable(t *gatt.AttributeTable) error {
	if t == nil {
		return stackErr("register", CodeInvalidArgument, ErrNoTable)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return stackErr("register", CodeClosed, ErrClosed)
	}
	if !l.ready {
		return stackErr("register", CodeNotReady, ErrNotReady)
	}
	if l.RegisterError != nil {
		return stackErr("register", CodeDevice, l.RegisterError)
	}

	l.table = t
	l.history = append(l.history, t)
	l.logger.WithFields(logrus.Fields{
		"service":    gatt.FormatUUID(t.Service.UUID),
		"attributes": t.Len(),
	}).Debug("Loopback table registered")
	return nil
}

// Table is the currently registered table, or nil.
func (l *Loopback) Table() *gatt.AttributeTable {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table
}

// Registrations counts successful RegisterAttributeTable calls.
func (l *Loopback) Registrations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

func (l *Loopback) StartAdvertising(name string, uuids []ble.UUID) error {
	if err := validateName("advertise", name); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return stackErr("advertise", CodeClosed, ErrClosed)
	case !l.ready:
		return stackErr("advertise", CodeNotReady, ErrNotReady)
	case l.AdvertiseError != 0:
		return stackErr("advertise", l.AdvertiseError, fmt.Errorf("advertising rejected"))
	case l.advertising:
		return stackErr("advertise", CodeBusy, ErrAdvertising)
	}

	l.advertising = true
	l.advName = name
	l.advUUIDs = append([]ble.UUID(nil), uuids...)
	return nil
}

func (l *Loopback) StopAdvertising() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advertising = false
	return nil
}

// Advertising reports the current advertisement, if any.
func (l *Loopback) Advertising() (name string, uuids []ble.UUID, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advName, append([]ble.UUID(nil), l.advUUIDs...), l.advertising
}

func (l *Loopback) attribute(handle uint16) (*gatt.Attribute, error) {
	l.mu.Lock()
	t := l.table
	l.mu.Unlock()

	if t == nil {
		return nil, ErrNoTable
	}
	a, ok := t.Attribute(handle)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrNotRegistered, handle)
	}
	return a, nil
}

// Read performs a client read of handle at offset.
func (l *Loopback) Read(handle uint16, offset int) ([]byte, error) {
	a, err := l.attribute(handle)
	if err != nil {
		return nil, err
	}
	if !a.Perm.CanRead() || a.Read == nil {
		return nil, gatt.ProtocolError(gatt.ResultReadNotPermitted)
	}

	buf := make([]byte, gatt.MaxAttributeValue)
	n, err := a.Read(a, offset, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Write performs a client write of data to handle at offset.
func (l *Loopback) Write(handle uint16, offset int, data []byte, withoutResponse bool) (int, error) {
	a, err := l.attribute(handle)
	if err != nil {
		return 0, err
	}
	if !a.Perm.CanWrite() || a.Write == nil {
		return 0, gatt.ProtocolError(gatt.ResultWriteNotPermitted)
	}
	return a.Write(a, offset, data, withoutResponse)
}

// Subscribe attaches a recording notifier to the characteristic with uuid
// u and enables notifications through its CCC descriptor.
func (l *Loopback) Subscribe(u ble.UUID, maxValueSize int) error {
	t := l.Table()
	if t == nil {
		return ErrNoTable
	}
	g, ok := t.Group(u)
	if !ok {
		return fmt.Errorf("%w: characteristic %s", ErrNotRegistered, gatt.FormatUUID(u))
	}

	handle := g.Value.Handle
	g.Characteristic.AttachNotifier(func(data []byte) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.notified[handle] = append(l.notified[handle], append([]byte(nil), data...))
		return nil
	}, maxValueSize)

	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], gatt.CCCNotify)
	if _, err := l.Write(g.ClientConfig.Handle, 0, v[:], false); err != nil {
		g.Characteristic.DetachNotifier()
		return err
	}
	return nil
}

func (l *Loopback) Unsubscribe(u ble.UUID) error {
	t := l.Table()
	if t == nil {
		return ErrNoTable
	}
	g, ok := t.Group(u)
	if !ok {
		return fmt.Errorf("%w: characteristic %s", ErrNotRegistered, gatt.FormatUUID(u))
	}
	defer g.Characteristic.DetachNotifier()

	_, err := l.Write(g.ClientConfig.Handle, 0, []byte{0x00, 0x00}, false)
	return err
}

// Notifications returns what was pushed to handle so far.
func (l *Loopback) Notifications(handle uint16) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.notified[handle]...)
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.advertising = false
	l.table = nil
	return nil
}

// Package stack binds compiled attribute tables to a BLE protocol stack.
//
// A Binding reports readiness and connection changes through Handlers,
// which it calls from its own goroutines. Handlers must not block and must
// not touch the script interpreter; the peripheral turns them into
// callback records.
package stack

import (
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blip/internal/gatt"
)

// Status codes carried by StackError. They are what the script sees as the
// advertisingStart argument.
const (
	CodeOK              = 0
	CodeUnspecified     = 1
	CodeNotReady        = 2
	CodeBusy            = 3
	CodeInvalidArgument = 4
	CodeDevice          = 5
	CodeClosed          = 6
)

var (
	ErrNotReady      = errors.New("stack is not ready")
	ErrNoTable       = errors.New("no attribute table registered")
	ErrAdvertising   = errors.New("already advertising")
	ErrClosed        = errors.New("stack is closed")
	ErrEmptyName     = errors.New("advertised name is empty")
	ErrNameTooLong   = errors.New("advertised name too long")
	ErrNotRegistered = errors.New("handle not registered")
)

// MaxAdvertisedName leaves room for flags and a 16-bit service list in a
// legacy advertising PDU.
const MaxAdvertisedName = 29

// StackError is a failed stack operation with the status code reported to
// the script.
type StackError struct {
	Op   string
	Code int
	Err  error
}

func (e *StackError) Error() string {
	return fmt.Sprintf("%s failed (code %d): %v", e.Op, e.Code, e.Err)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// ErrorCode maps err to a script status code: 0 for nil, the StackError
// code when there is one, CodeUnspecified otherwise.
func ErrorCode(err error) int {
	if err == nil {
		return CodeOK
	}
	var se *StackError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnspecified
}

func stackErr(op string, code int, err error) error {
	return &StackError{Op: op, Code: code, Err: err}
}

// Handlers receive stack lifecycle notifications. Any of them may be nil.
type Handlers struct {
	Ready        func(err error)
	Connected    func(addr string)
	Disconnected func(addr string)
}

func (h Handlers) ready(err error) {
	if h.Ready != nil {
		h.Ready(err)
	}
}

func (h Handlers) connected(addr string) {
	if h.Connected != nil {
		h.Connected(addr)
	}
}

func (h Handlers) disconnected(addr string) {
	if h.Disconnected != nil {
		h.Disconnected(addr)
	}
}

// Binding is a protocol stack able to serve one attribute table.
type Binding interface {
	// Enable brings the stack up. Completion is reported through
	// Handlers.Ready, possibly before Enable returns.
	Enable(h Handlers) error
	// RegisterAttributeTable replaces whatever table the stack serves.
	RegisterAttributeTable(t *gatt.AttributeTable) error
	StartAdvertising(name string, uuids []ble.UUID) error
	StopAdvertising() error
	Close() error
}

func validateName(op, name string) error {
	if name == "" {
		return stackErr(op, CodeInvalidArgument, ErrEmptyName)
	}
	if len(name) > MaxAdvertisedName {
		return stackErr(op, CodeInvalidArgument, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name)))
	}
	return nil
}

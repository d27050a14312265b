// Package peripheral is the script-facing GATT peripheral: one registered
// service, the event handlers and the stack they are bound to.
package peripheral

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/callback"
	"github.com/srg/blip/internal/events"
	"github.com/srg/blip/internal/gatt"
	"github.com/srg/blip/internal/script"
	"github.com/srg/blip/internal/stack"
)

// Power states passed to stateChange handlers.
const (
	StatePoweredOn   = "poweredOn"
	StateUnsupported = "unsupported"
)

var (
	ErrClosed     = errors.New("peripheral is closed")
	ErrNoServices = errors.New("no services given")
)

// Peripheral holds the state a script manipulates through the ble API.
//
// Operations run on the interpreter goroutine. Stack notifications arrive
// on stack goroutines and only ever enqueue callback records.
type Peripheral struct {
	logger   *logrus.Logger
	binding  stack.Binding
	queue    *callback.Queue
	registry *events.Registry
	builder  *gatt.Builder

	mu     sync.Mutex
	table  *gatt.AttributeTable
	closed bool
}

// New wires a Peripheral to binding. Records go to queue, which the
// caller drains on the interpreter goroutine.
func New(binding stack.Binding, queue *callback.Queue, logger *logrus.Logger) *Peripheral {
	return &Peripheral{
		logger:   logger,
		binding:  binding,
		queue:    queue,
		registry: events.NewRegistry(queue, logger),
		builder:  gatt.NewBuilder(queue, logger),
	}
}

// Queue is the callback queue the peripheral feeds.
func (p *Peripheral) Queue() *callback.Queue {
	return p.queue
}

// Enable brings the stack up. Readiness arrives as a stateChange event.
func (p *Peripheral) Enable() error {
	if p.isClosed() {
		return ErrClosed
	}
	p.logger.Info("Enabling Bluetooth")

	err := p.binding.Enable(stack.Handlers{
		Ready:        p.onReady,
		Connected:    p.onConnected,
		Disconnected: p.onDisconnected,
	})
	if err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	return nil
}

func (p *Peripheral) onReady(err error) {
	state := StatePoweredOn
	if err != nil {
		state = StateUnsupported
		p.logger.WithError(err).Error("Bluetooth init failed")
	} else {
		p.logger.Info("Bluetooth initialized")
	}
	p.dispatch(events.StateChange, callback.KindStateChange, callback.StateChangePayload{State: state})
}

func (p *Peripheral) onConnected(addr string) {
	p.dispatch(events.Accept, callback.KindEvent, callback.EventPayload{Values: []any{addr}})
}

func (p *Peripheral) onDisconnected(addr string) {
	p.dispatch(events.Disconnect, callback.KindEvent, callback.EventPayload{Values: []any{addr}})
}

func (p *Peripheral) dispatch(name string, kind callback.Kind, payload callback.Payload) {
	if _, err := p.registry.Dispatch(name, kind, payload); err != nil {
		p.logger.WithError(err).WithField("event", name).Warn("Event dropped")
	}
}

// On registers fn for the named event, taking over one reference.
func (p *Peripheral) On(name string, fn callback.Callable) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.registry.Register(name, fn)
}

// Handlers is the number of registered event handlers.
func (p *Peripheral) Handlers() int {
	return p.registry.Len()
}

// StartAdvertising asks the stack to advertise and reports the outcome to
// advertisingStart handlers. Only a closed peripheral fails outright; stack
// failures are delivered as a nonzero code.
func (p *Peripheral) StartAdvertising(name string, uuids []ble.UUID) error {
	if p.isClosed() {
		return ErrClosed
	}

	err := p.binding.StartAdvertising(name, uuids)
	code := stack.ErrorCode(err)

	fields := logrus.Fields{"name": name, "services": len(uuids), "code": code}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("Advertising failed to start")
	} else {
		p.logger.WithFields(fields).Info("Advertising")
	}

	p.dispatch(events.AdvertisingStart, callback.KindAdvertisingStart, callback.AdvertisingStartPayload{Code: code})
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.binding.StopAdvertising(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	return nil
}

// SetServices replaces the registered service with the first entry of
// services, a list of service descriptions.
//
// The new table is parsed, built and registered before it replaces the
// old one, and the old service is released only after the swap. On any
// error the previously registered table stays in place.
func (p *Peripheral) SetServices(services any) error {
	if p.isClosed() {
		return ErrClosed
	}

	desc, err := p.firstService(services)
	if err != nil {
		return err
	}

	svc, err := gatt.ParseService(desc)
	if err != nil {
		svc.Release()
		return fmt.Errorf("parse service: %w", err)
	}

	table, err := p.builder.Build(svc)
	if err != nil {
		svc.Release()
		return err
	}

	if err := p.binding.RegisterAttributeTable(table); err != nil {
		svc.Release()
		return fmt.Errorf("register service: %w", err)
	}

	p.mu.Lock()
	old := p.table
	p.table = table
	p.mu.Unlock()

	if old != nil {
		old.Service.Release()
	}

	p.logger.WithFields(logrus.Fields{
		"service":         gatt.FormatUUID(svc.UUID),
		"characteristics": len(svc.Characteristics),
		"attributes":      table.Len(),
	}).Info("Services set")
	return nil
}

// firstService picks the service description out of a services list.
// Only one root service is supported; further entries are ignored.
func (p *Peripheral) firstService(services any) (any, error) {
	list, ok := services.(*script.Table)
	if !ok {
		return nil, fmt.Errorf("services: %w (want table, got %s)", gatt.ErrTypeMismatch, script.TypeName(services))
	}
	if list.Len() == 0 {
		return nil, ErrNoServices
	}
	if list.Len() > 1 {
		p.logger.WithField("services", list.Len()).Warn("Only the first service is registered")
	}
	first, _ := list.Index(1)
	return first, nil
}

// Service is the registered service, or nil.
func (p *Peripheral) Service() *gatt.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.table == nil {
		return nil
	}
	return p.table.Service
}

// Table is the registered attribute table, or nil.
func (p *Peripheral) Table() *gatt.AttributeTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table
}

func (p *Peripheral) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops advertising, releases the service and every handler, and
// closes the queue. Pending records are dropped.
func (p *Peripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	table := p.table
	p.table = nil
	p.mu.Unlock()

	var errs []error
	if err := p.binding.StopAdvertising(); err != nil {
		errs = append(errs, err)
	}
	if err := p.binding.Close(); err != nil {
		errs = append(errs, err)
	}

	if table != nil {
		table.Service.Release()
	}
	p.registry.Close()
	p.queue.Close()

	p.logger.Debug("Peripheral closed")
	return errors.Join(errs...)
}

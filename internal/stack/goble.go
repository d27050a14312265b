package stack

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/gatt"
	"github.com/srg/blip/internal/groutine"
)

// Device is the part of ble.Device the peripheral role needs.
type Device interface {
	SetServices(svcs []*ble.Service) error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	Stop() error
}

// Options tune the go-ble binding.
type Options struct {
	// DeviceID selects the HCI controller on Linux.
	DeviceID int
	// AdvertiseStartWindow is how long StartAdvertising waits for the
	// stack to reject the request before reporting success.
	AdvertiseStartWindow time.Duration `default:"250ms"`
}

// DeviceFactory opens the platform BLE device.
// This is a variable so that it can be overridden in tests.
var DeviceFactory = func(opts Options) (Device, error) {
	return newDevice(opts)
}

// GoBLE serves attribute tables through go-ble.
type GoBLE struct {
	logger *logrus.Logger
	opts   Options

	mu       sync.Mutex
	dev      Device
	handlers Handlers
	table    *gatt.AttributeTable
	closed   bool

	advCancel context.CancelFunc
	advDone   <-chan struct{}

	conns *hashmap.Map[string, ble.Conn]
}

func NewGoBLE(logger *logrus.Logger, opts Options) *GoBLE {
	defaults.SetDefaults(&opts)
	return &GoBLE{
		logger: logger,
		opts:   opts,
		conns:  hashmap.New[string, ble.Conn](),
	}
}

// Enable opens the device on a separate goroutine and reports the outcome
// through h.Ready.
func (b *GoBLE) Enable(h Handlers) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return stackErr("enable", CodeClosed, ErrClosed)
	}
	b.handlers = h
	dev := b.dev
	b.mu.Unlock()

	groutine.Spawn(context.Background(), "ble-enable", b.logger, func(ctx context.Context) {
		if dev != nil {
			h.ready(nil)
			return
		}

		opened, err := DeviceFactory(b.opts)
		if err != nil {
			b.logger.WithError(err).Error("Failed to open BLE device")
			h.ready(stackErr("enable", CodeDevice, err))
			return
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = opened.Stop()
			h.ready(stackErr("enable", CodeClosed, ErrClosed))
			return
		}
		b.dev = opened
		b.mu.Unlock()

		b.logger.WithField("device_id", b.opts.DeviceID).Info("BLE device ready")
		h.ready(nil)
	})
	return nil
}

func (b *GoBLE) device(op string) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, stackErr(op, CodeClosed, ErrClosed)
	}
	if b.dev == nil {
		return nil, stackErr(op, CodeNotReady, ErrNotReady)
	}
	return b.dev, nil
}

// RegisterAttributeTable converts t into a go-ble service and installs it
// in place of the previous one.
func (b *GoBLE) RegisterAttributeTable(t *gatt.AttributeTable) error {
	if t == nil {
		return stackErr("register", CodeInvalidArgument, ErrNoTable)
	}
	dev, err := b.device("register")
	if err != nil {
		return err
	}

	svc := b.service(t)
	if err := dev.SetServices([]*ble.Service{svc}); err != nil {
		return stackErr("register", CodeDevice, err)
	}

	b.mu.Lock()
	b.table = t
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"service":         gatt.FormatUUID(t.Service.UUID),
		"characteristics": len(svc.Characteristics),
	}).Info("GATT service registered")
	return nil
}

// service maps the table onto go-ble. go-ble lays out declarations and the
// CCC descriptor itself; value, description and CCC access still go
// through the table's trampolines.
func (b *GoBLE) service(t *gatt.AttributeTable) *ble.Service {
	svc := ble.NewService(t.Service.UUID)

	for _, g := range t.Groups() {
		ch := g.Characteristic
		c := svc.NewCharacteristic(ch.UUID)

		if ch.Properties&gatt.PropRead != 0 {
			c.HandleRead(ble.ReadHandlerFunc(b.readHandler(g.Value)))
		}
		if ch.Properties&gatt.PropWrite != 0 {
			c.HandleWrite(ble.WriteHandlerFunc(b.writeHandler(g.Value)))
		}
		if ch.Properties&gatt.PropNotify != 0 {
			c.HandleNotify(ble.NotifyHandlerFunc(b.notifyHandler(g)))
		}
		// Handle* add their own bits; advertise exactly what was declared.
		c.Property = ch.Properties

		c.NewDescriptor(gatt.UUIDUserDescription).SetValue([]byte(ch.Description))
	}
	return svc
}

func (b *GoBLE) readHandler(a *gatt.Attribute) func(req ble.Request, rsp ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		b.track(req.Conn())

		if !a.Perm.CanRead() {
			rsp.SetStatus(ble.ATTError(gatt.ResultReadNotPermitted))
			return
		}

		size := rsp.Cap()
		if size <= 0 {
			size = gatt.MaxAttributeValue
		}
		buf := make([]byte, size)
		n, err := a.Read(a, req.Offset(), buf)
		if err != nil {
			rsp.SetStatus(ble.ATTError(gatt.ResultCode(err)))
			return
		}
		if _, err := rsp.Write(buf[:n]); err != nil {
			b.logger.WithError(err).WithField("handle", a.Handle).Debug("Read response truncated")
		}
	}
}

// writeHandler serves both write requests and commands; go-ble does not
// tell them apart so withoutResponse is always false.
func (b *GoBLE) writeHandler(a *gatt.Attribute) func(req ble.Request, rsp ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		b.track(req.Conn())

		if !a.Perm.CanWrite() {
			rsp.SetStatus(ble.ATTError(gatt.ResultWriteNotPermitted))
			return
		}
		if _, err := a.Write(a, req.Offset(), req.Data(), false); err != nil {
			rsp.SetStatus(ble.ATTError(gatt.ResultCode(err)))
		}
	}
}

// notifyHandler runs for the lifetime of a subscription. go-ble owns the
// CCC descriptor, so subscribe and unsubscribe are replayed into ours.
func (b *GoBLE) notifyHandler(g gatt.Group) func(req ble.Request, n ble.Notifier) {
	enable := []byte{byte(gatt.CCCNotify), 0x00}
	disable := []byte{0x00, 0x00}

	return func(req ble.Request, n ble.Notifier) {
		b.track(req.Conn())

		ch := g.Characteristic
		ch.AttachNotifier(func(data []byte) error {
			_, err := n.Write(data)
			return err
		}, n.Cap())
		defer ch.DetachNotifier()

		cccd := g.ClientConfig
		if _, err := cccd.Write(cccd, 0, enable, false); err != nil {
			b.logger.WithError(err).WithField("characteristic", gatt.FormatUUID(ch.UUID)).Warn("Subscription rejected")
			return
		}

		<-n.Context().Done()

		if _, err := cccd.Write(cccd, 0, disable, false); err != nil {
			b.logger.WithError(err).Debug("Failed to clear client configuration")
		}
	}
}

// track reports the first request of a connection and watches for its end.
func (b *GoBLE) track(conn ble.Conn) {
	if conn == nil || conn.RemoteAddr() == nil {
		return
	}
	addr := conn.RemoteAddr().String()
	if _, loaded := b.conns.GetOrInsert(addr, conn); loaded {
		return
	}

	b.mu.Lock()
	h := b.handlers
	b.mu.Unlock()

	b.logger.WithField("addr", addr).Info("Central connected")
	h.connected(addr)

	groutine.Spawn(context.Background(), "ble-conn-watch", b.logger, func(ctx context.Context) {
		<-conn.Disconnected()
		b.conns.Del(addr)
		b.logger.WithField("addr", addr).Info("Central disconnected")
		h.disconnected(addr)
	})
}

// Connections is the number of centrals currently tracked.
func (b *GoBLE) Connections() int {
	return b.conns.Len()
}

// StartAdvertising advertises in the background. Errors the stack raises
// within AdvertiseStartWindow are returned; later ones are only logged.
func (b *GoBLE) StartAdvertising(name string, uuids []ble.UUID) error {
	if err := validateName("advertise", name); err != nil {
		return err
	}
	dev, err := b.device("advertise")
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.advCancel != nil {
		b.mu.Unlock()
		return stackErr("advertise", CodeBusy, ErrAdvertising)
	}
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	done := groutine.Spawn(ctx, "ble-advertise", b.logger, func(ctx context.Context) {
		result <- dev.AdvertiseNameAndServices(ctx, name, uuids...)
	})
	b.advCancel, b.advDone = cancel, done
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{"name": name, "services": len(uuids)}).Info("Advertising started")

	select {
	case err := <-result:
		b.clearAdvertising(done)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return stackErr("advertise", CodeDevice, err)
	case <-time.After(b.opts.AdvertiseStartWindow):
	}

	groutine.Spawn(context.Background(), "ble-advertise-watch", b.logger, func(context.Context) {
		<-done
		if err := <-result; err != nil && !errors.Is(err, context.Canceled) {
			b.logger.WithError(err).Error("Advertising stopped")
		}
		b.clearAdvertising(done)
	})
	return nil
}

func (b *GoBLE) clearAdvertising(done <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.advDone == done {
		if b.advCancel != nil {
			b.advCancel()
		}
		b.advCancel, b.advDone = nil, nil
	}
}

// StopAdvertising is a no-op when not advertising.
func (b *GoBLE) StopAdvertising() error {
	b.mu.Lock()
	cancel, done := b.advCancel, b.advDone
	b.advCancel, b.advDone = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	b.logger.Info("Advertising stopped")
	return nil
}

// Table is the attribute table currently served, or nil.
func (b *GoBLE) Table() *gatt.AttributeTable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table
}

func (b *GoBLE) Close() error {
	_ = b.StopAdvertising()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	dev := b.dev
	b.dev, b.table = nil, nil
	b.mu.Unlock()

	if dev == nil {
		return nil
	}
	if err := dev.Stop(); err != nil {
		return stackErr("close", CodeDevice, err)
	}
	return nil
}

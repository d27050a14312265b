package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/callback"
	"github.com/srg/blip/internal/script"
)

// CCC descriptor bits.
const (
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

// bridge is how trampolines reach the callback queue. Trampolines run on
// stack goroutines: they answer from cached state, queue script work and
// never touch the interpreter.
type bridge struct {
	queue  Submitter
	logger *logrus.Logger
}

// submit queues fn, handing the record the reference taken by acquire.
func (b *bridge) submit(kind callback.Kind, fn callback.Callable, payload callback.Payload) {
	if err := b.queue.Submit(kind, fn, payload); err != nil {
		b.logger.WithError(err).WithField("kind", kind.String()).Warn("Dropping script callback")
	}
}

func serve(value []byte, offset int, buf []byte) (int, error) {
	if offset < 0 || offset > len(value) {
		return 0, ProtocolError(ResultInvalidOffset)
	}
	return copy(buf, value[offset:]), nil
}

func readStatic(a *Attribute, offset int, buf []byte) (int, error) {
	return serve(a.static, offset, buf)
}

// readValue answers from the cache. An onReadRequest callback is told about
// the read and may refresh the cache through its completion callback.
func readValue(a *Attribute, offset int, buf []byte) (int, error) {
	ch := a.Characteristic
	value := ch.Value()
	if offset < 0 || offset > len(value) {
		return 0, ProtocolError(ResultInvalidOffset)
	}

	if fn := ch.acquire(SlotRead); fn != nil {
		ch.bridge.submit(callback.KindRead, fn, callback.ReadPayload{
			Offset: offset,
			Done:   ch.readDone(offset),
		})
	}

	return copy(buf, value[offset:]), nil
}

// resultArg validates a completion status: a number in the ATT error range.
func resultArg(op string, v any) (uint8, error) {
	n, ok := script.ToInt(v)
	if !ok {
		return 0, fmt.Errorf("%s result must be a number, got %s", op, script.TypeName(v))
	}
	if n < 0 || n > 0xff {
		return 0, fmt.Errorf("%s result %d out of range", op, n)
	}
	return uint8(n), nil
}

func (c *Characteristic) readDone(offset int) func(args ...any) error {
	return func(args ...any) error {
		if len(args) == 0 {
			return fmt.Errorf("read callback expects (result, data)")
		}
		result, err := resultArg("read", args[0])
		if err != nil {
			return err
		}
		if result != ResultSuccess {
			c.bridge.logger.WithFields(logrus.Fields{
				"characteristic": FormatUUID(c.UUID),
				"result":         result,
				"offset":         offset,
			}).Debug("Script rejected read")
			return nil
		}
		if len(args) > 1 && args[1] != nil {
			data, ok := script.ToBytes(args[1])
			if !ok {
				return fmt.Errorf("read data must be a string, got %s", script.TypeName(args[1]))
			}
			if len(data) > MaxAttributeValue {
				return fmt.Errorf("read data longer than %d bytes", MaxAttributeValue)
			}
			c.SetValue(data)
		}
		return nil
	}
}

// writeValue splices data into the cache at offset and queues onWriteRequest.
// The full length is always reported as accepted.
func writeValue(a *Attribute, offset int, data []byte, withoutResponse bool) (int, error) {
	ch := a.Characteristic

	ch.mu.Lock()
	if offset < 0 || offset > len(ch.value) {
		ch.mu.Unlock()
		return 0, ProtocolError(ResultInvalidOffset)
	}
	if offset+len(data) > MaxAttributeValue {
		ch.mu.Unlock()
		return 0, ProtocolError(ResultInvalidAttributeLength)
	}
	next := make([]byte, offset+len(data))
	copy(next, ch.value[:offset])
	copy(next[offset:], data)
	ch.value = next
	ch.mu.Unlock()

	if fn := ch.acquire(SlotWrite); fn != nil {
		ch.bridge.submit(callback.KindWrite, fn, callback.WritePayload{
			Data:            append([]byte(nil), data...),
			Offset:          offset,
			WithoutResponse: withoutResponse,
			Done:            ch.writeDone(offset),
		})
	}

	return len(data), nil
}

func (c *Characteristic) writeDone(offset int) func(args ...any) error {
	return func(args ...any) error {
		result := ResultSuccess
		if len(args) > 0 {
			var err error
			if result, err = resultArg("write", args[0]); err != nil {
				return err
			}
		}
		if result != ResultSuccess {
			c.bridge.logger.WithFields(logrus.Fields{
				"characteristic": FormatUUID(c.UUID),
				"result":         result,
				"offset":         offset,
			}).Debug("Script rejected write")
		}
		return nil
	}
}

func readClientConfig(a *Attribute, offset int, buf []byte) (int, error) {
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], a.Characteristic.ClientConfig())
	return serve(v[:], offset, buf)
}

// writeClientConfig toggles subscription state. Each enable or disable
// transition queues exactly one onSubscribe or onUnsubscribe call.
func writeClientConfig(a *Attribute, offset int, data []byte, _ bool) (int, error) {
	ch := a.Characteristic

	if offset != 0 {
		return 0, ProtocolError(ResultAttrNotLong)
	}
	if len(data) != 2 {
		return 0, ProtocolError(ResultInvalidAttributeLength)
	}

	v := binary.LittleEndian.Uint16(data)
	enable := v&(CCCNotify|CCCIndicate) != 0
	if enable && ch.Properties&PropNotify == 0 {
		return 0, ProtocolError(ResultCCCImproperlyConfigured)
	}

	ch.mu.Lock()
	wasEnabled := ch.ccc&(CCCNotify|CCCIndicate) != 0
	ch.ccc = v
	size := ch.maxValueSize
	ch.mu.Unlock()

	if enable == wasEnabled || ch.bridge == nil {
		return 2, nil
	}

	ch.bridge.logger.WithFields(logrus.Fields{
		"characteristic": FormatUUID(ch.UUID),
		"subscribed":     enable,
	}).Debug("Client configuration changed")

	if enable {
		if fn := ch.acquire(SlotSubscribe); fn != nil {
			if size <= 0 {
				size = DefaultMaxValueSize
			}
			ch.bridge.submit(callback.KindSubscribe, fn, callback.SubscribePayload{
				MaxValueSize: size,
				Update:       ch.updateValue,
			})
		}
	} else if fn := ch.acquire(SlotUnsubscribe); fn != nil {
		ch.bridge.submit(callback.KindUnsubscribe, fn, callback.UnsubscribePayload{})
	}
	return 2, nil
}

// updateValue is handed to onSubscribe so the script can push values.
// Updates after the client went away are dropped.
func (c *Characteristic) updateValue(args ...any) error {
	if len(args) == 0 {
		return fmt.Errorf("updateValueCallback expects data")
	}
	data, ok := script.ToBytes(args[0])
	if !ok {
		return fmt.Errorf("update data must be a string, got %s", script.TypeName(args[0]))
	}

	if err := c.Notify(data); err != nil {
		c.bridge.logger.WithError(err).WithField("characteristic", FormatUUID(c.UUID)).Debug("Notification dropped")
	}
	return nil
}

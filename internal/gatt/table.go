package gatt

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/callback"
)

// AttributesPerCharacteristic is declaration, value, user description and
// client configuration.
const AttributesPerCharacteristic = 4

const maxHandle = 0xFFFF

var (
	UUIDPrimaryService  = ble.UUID16(0x2800)
	UUIDCharacteristic  = ble.UUID16(0x2803)
	UUIDUserDescription = ble.UUID16(0x2901)
	UUIDClientConfig    = ble.UUID16(0x2902)
)

var (
	ErrNilService         = errors.New("service is nil")
	ErrTooManyAttributes  = errors.New("attribute table exceeds handle space")
	ErrEntryCountMismatch = errors.New("attribute table size mismatch")
)

// BuildError reports why a table could not be compiled.
type BuildError struct {
	Service string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Service == "" {
		return "build attribute table: " + e.Err.Error()
	}
	return fmt.Sprintf("build attribute table for service %s: %v", e.Service, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

type AttrType uint8

const (
	AttrService AttrType = iota + 1
	AttrCharacteristic
	AttrValue
	AttrUserDescription
	AttrClientConfig
)

func (t AttrType) String() string {
	switch t {
	case AttrService:
		return "service"
	case AttrCharacteristic:
		return "characteristic"
	case AttrValue:
		return "value"
	case AttrUserDescription:
		return "description"
	case AttrClientConfig:
		return "client-config"
	default:
		return "unknown"
	}
}

// Perm is the access a client has to an attribute.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
)

func (p Perm) CanRead() bool  { return p&PermRead != 0 }
func (p Perm) CanWrite() bool { return p&PermWrite != 0 }

func (p Perm) String() string {
	s := ""
	if p.CanRead() {
		s += "r"
	}
	if p.CanWrite() {
		s += "w"
	}
	if s == "" {
		return "-"
	}
	return s
}

// ReadFunc serves a read at offset into buf and returns the bytes written.
type ReadFunc func(a *Attribute, offset int, buf []byte) (int, error)

// WriteFunc accepts a write and returns the bytes consumed.
type WriteFunc func(a *Attribute, offset int, data []byte, withoutResponse bool) (int, error)

// Attribute is one entry of a compiled table.
type Attribute struct {
	Handle uint16
	Type   AttrType
	UUID   ble.UUID
	Perm   Perm
	Read   ReadFunc
	Write  WriteFunc

	Service        *Service
	Characteristic *Characteristic

	static []byte
}

// Group is the set of attributes compiled for one characteristic.
type Group struct {
	Characteristic *Characteristic
	Declaration    *Attribute
	Value          *Attribute
	Description    *Attribute
	ClientConfig   *Attribute
}

// AttributeTable is an immutable compiled service.
type AttributeTable struct {
	Service    *Service
	Attributes []Attribute
}

func (t *AttributeTable) Len() int { return len(t.Attributes) }

// Attribute looks up an entry by its 1-based handle.
func (t *AttributeTable) Attribute(handle uint16) (*Attribute, bool) {
	if handle == 0 || int(handle) > len(t.Attributes) {
		return nil, false
	}
	return &t.Attributes[handle-1], true
}

// Groups returns the per-characteristic attribute groups in table order.
func (t *AttributeTable) Groups() []Group {
	groups := make([]Group, 0, len(t.Service.Characteristics))
	for i := 1; i+AttributesPerCharacteristic-1 < len(t.Attributes); i += AttributesPerCharacteristic {
		groups = append(groups, Group{
			Characteristic: t.Attributes[i].Characteristic,
			Declaration:    &t.Attributes[i],
			Value:          &t.Attributes[i+1],
			Description:    &t.Attributes[i+2],
			ClientConfig:   &t.Attributes[i+3],
		})
	}
	return groups
}

// Group finds the attributes of the first characteristic with uuid u.
func (t *AttributeTable) Group(u ble.UUID) (Group, bool) {
	for _, g := range t.Groups() {
		if bytes.Equal(g.Characteristic.UUID, u) {
			return g, true
		}
	}
	return Group{}, false
}

// EntryCount is the exact size of the table Build produces for svc.
func EntryCount(svc *Service) int {
	return 1 + AttributesPerCharacteristic*len(svc.Characteristics)
}

// Submitter queues script callbacks.
type Submitter interface {
	Submit(kind callback.Kind, fn callback.Callable, payload callback.Payload) error
}

// Builder compiles services into attribute tables wired to a queue.
type Builder struct {
	bridge *bridge
}

func NewBuilder(queue Submitter, logger *logrus.Logger) *Builder {
	return &Builder{bridge: &bridge{queue: queue, logger: logger}}
}

// Build compiles svc. The table is allocated once at its final size.
func (b *Builder) Build(svc *Service) (*AttributeTable, error) {
	if svc == nil {
		return nil, &BuildError{Err: ErrNilService}
	}
	if len(svc.UUID) == 0 {
		return nil, &BuildError{Err: ErrInvalidUUID}
	}

	name := FormatUUID(svc.UUID)
	count := EntryCount(svc)
	if count > maxHandle {
		return nil, &BuildError{Service: name, Err: fmt.Errorf("%w: %d entries", ErrTooManyAttributes, count)}
	}

	attrs := make([]Attribute, count)
	next := 0
	put := func(a Attribute) {
		a.Handle = uint16(next + 1)
		a.Service = svc
		attrs[next] = a
		next++
	}

	put(Attribute{Type: AttrService, UUID: UUIDPrimaryService, Perm: PermRead, Read: readStatic, static: svc.UUID})

	for i, ch := range svc.Characteristics {
		if ch == nil || len(ch.UUID) == 0 {
			return nil, &BuildError{Service: name, Err: fmt.Errorf("characteristic %d: %w", i, ErrInvalidUUID)}
		}
		ch.bridge = b.bridge

		valueHandle := uint16(next + 2)
		decl := make([]byte, 3, 3+len(ch.UUID))
		decl[0] = byte(ch.Properties)
		binary.LittleEndian.PutUint16(decl[1:], valueHandle)
		decl = append(decl, ch.UUID...)

		put(Attribute{Type: AttrCharacteristic, UUID: UUIDCharacteristic, Perm: PermRead, Read: readStatic, Characteristic: ch, static: decl})
		put(Attribute{Type: AttrValue, UUID: ch.UUID, Perm: valuePerm(ch), Read: readValue, Write: writeValue, Characteristic: ch})
		put(Attribute{Type: AttrUserDescription, UUID: UUIDUserDescription, Perm: PermRead, Read: readStatic, Characteristic: ch, static: []byte(ch.Description)})
		put(Attribute{Type: AttrClientConfig, UUID: UUIDClientConfig, Perm: PermRead | PermWrite, Read: readClientConfig, Write: writeClientConfig, Characteristic: ch})
	}

	if next != count {
		return nil, &BuildError{Service: name, Err: fmt.Errorf("%w: sized %d, populated %d", ErrEntryCountMismatch, count, next)}
	}

	b.bridge.logger.WithFields(logrus.Fields{
		"service":         name,
		"characteristics": len(svc.Characteristics),
		"attributes":      count,
	}).Debug("Attribute table built")

	return &AttributeTable{Service: svc, Attributes: attrs}, nil
}

func valuePerm(ch *Characteristic) Perm {
	var p Perm
	if ch.callbacks[SlotRead] != nil {
		p |= PermRead
	}
	if ch.callbacks[SlotWrite] != nil {
		p |= PermWrite
	}
	return p
}

func propertyNames(p ble.Property) string {
	var names []string
	for _, tok := range []string{"read", "write", "notify"} {
		if p&propertyTokens[tok] != 0 {
			names = append(names, tok)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Dump renders the table one attribute per line.
func (t *AttributeTable) Dump() string {
	var sb strings.Builder
	for i := range t.Attributes {
		a := &t.Attributes[i]
		line := fmt.Sprintf("0x%04x  %-14s  %-6s  %-2s  %s", a.Handle, a.Type, FormatUUID(a.UUID), a.Perm, a.detail())
		sb.WriteString(strings.TrimRight(line, " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (a *Attribute) detail() string {
	ch := a.Characteristic
	switch a.Type {
	case AttrService:
		return "uuid=" + FormatUUID(a.Service.UUID)
	case AttrCharacteristic:
		return fmt.Sprintf("props=%s value=0x%04x", propertyNames(ch.Properties), a.Handle+1)
	case AttrValue:
		var cbs []string
		for s := Slot(0); s < slotCount; s++ {
			if ch.callbacks[s] != nil {
				cbs = append(cbs, s.String())
			}
		}
		d := fmt.Sprintf("len=%d", len(ch.Value()))
		if len(cbs) > 0 {
			d += " callbacks=" + strings.Join(cbs, ",")
		}
		return d
	case AttrUserDescription:
		return fmt.Sprintf("%q", ch.Description)
	case AttrClientConfig:
		return fmt.Sprintf("ccc=0x%04x", ch.ClientConfig())
	default:
		return ""
	}
}

type attributeJSON struct {
	Handle uint16 `json:"handle"`
	Type   string `json:"type"`
	UUID   string `json:"uuid"`
	Perm   string `json:"perm"`
	Value  string `json:"value,omitempty"`
}

func (t *AttributeTable) MarshalJSON() ([]byte, error) {
	out := struct {
		Service    string          `json:"service"`
		Attributes []attributeJSON `json:"attributes"`
	}{Service: FormatUUID(t.Service.UUID), Attributes: make([]attributeJSON, 0, len(t.Attributes))}

	for i := range t.Attributes {
		a := &t.Attributes[i]
		out.Attributes = append(out.Attributes, attributeJSON{
			Handle: a.Handle,
			Type:   a.Type.String(),
			UUID:   FormatUUID(a.UUID),
			Perm:   a.Perm.String(),
			Value:  hex.EncodeToString(a.static),
		})
	}
	return json.Marshal(out)
}

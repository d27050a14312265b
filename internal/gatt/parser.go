package gatt

import (
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blip/internal/callback"
	"github.com/srg/blip/internal/script"
)

var (
	ErrMissingField    = errors.New("missing required field")
	ErrTypeMismatch    = errors.New("type mismatch")
	ErrInvalidCallback = errors.New("callback is not a function")
	ErrInvalidUUID     = errors.New("invalid uuid")
)

// ParseError locates a problem in a service description.
type ParseError struct {
	Path   string
	Err    error
	Detail string
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Path, e.Err)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func missing(path string) error {
	return &ParseError{Path: path, Err: ErrMissingField}
}

func mismatch(path, want string, got any) error {
	return &ParseError{Path: path, Err: ErrTypeMismatch, Detail: fmt.Sprintf("want %s, got %s", want, script.TypeName(got))}
}

var propertyTokens = map[string]ble.Property{
	"read":   PropRead,
	"write":  PropWrite,
	"notify": PropNotify,
}

// ParseProperties folds property tokens into flags. Unknown tokens are ignored.
func ParseProperties(tokens []string) ble.Property {
	var p ble.Property
	for _, t := range tokens {
		p |= propertyTokens[t]
	}
	return p
}

// ParseService converts a script description into a Service.
//
// Every callback kept by the result is retained; the caller may release
// the description afterwards. On failure the characteristics parsed so far
// are returned alongside the error and the caller must Release them.
func ParseService(v any) (*Service, error) {
	t, ok := v.(*script.Table)
	if !ok {
		return nil, mismatch("service", "table", v)
	}

	id, err := parseUUID(t, "uuid", "service.uuid")
	if err != nil {
		return nil, err
	}

	rawChars, present := t.Field("characteristics")
	if !present || rawChars == nil {
		return nil, missing("service.characteristics")
	}
	chars, ok := rawChars.(*script.Table)
	if !ok {
		return nil, mismatch("service.characteristics", "table", rawChars)
	}

	svc := &Service{UUID: id, Characteristics: make([]*Characteristic, 0, chars.Len())}
	for i := 1; i <= chars.Len(); i++ {
		raw, _ := chars.Index(i)
		ch, err := parseCharacteristic(raw, fmt.Sprintf("characteristics[%d]", i-1))
		if err != nil {
			return svc, err
		}
		svc.Characteristics = append(svc.Characteristics, ch)
	}
	return svc, nil
}

func parseCharacteristic(v any, path string) (_ *Characteristic, err error) {
	t, ok := v.(*script.Table)
	if !ok {
		return nil, mismatch(path, "table", v)
	}

	ch := &Characteristic{}
	defer func() {
		if err != nil {
			ch.release()
		}
	}()

	if ch.UUID, err = parseUUID(t, "uuid", path+".uuid"); err != nil {
		return nil, err
	}

	rawProps, present := t.Field("properties")
	if !present || rawProps == nil {
		return nil, missing(path + ".properties")
	}
	props, ok := rawProps.(*script.Table)
	if !ok {
		return nil, mismatch(path+".properties", "table", rawProps)
	}
	tokens := make([]string, 0, props.Len())
	for i := 1; i <= props.Len(); i++ {
		item, _ := props.Index(i)
		s, ok := item.(string)
		if !ok {
			return nil, mismatch(fmt.Sprintf("%s.properties[%d]", path, i-1), "string", item)
		}
		tokens = append(tokens, s)
	}
	ch.Properties = ParseProperties(tokens)

	ch.Description = FormatUUID(ch.UUID)
	if raw, present := t.Field("description"); present && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch(path+".description", "string", raw)
		}
		ch.Description = s
	}

	if raw, present := t.Field("value"); present && raw != nil {
		b, ok := script.ToBytes(raw)
		if !ok {
			return nil, mismatch(path+".value", "string", raw)
		}
		if len(b) > MaxAttributeValue {
			return nil, &ParseError{Path: path + ".value", Err: ErrTypeMismatch, Detail: fmt.Sprintf("longer than %d bytes", MaxAttributeValue)}
		}
		ch.value = append([]byte(nil), b...)
	}

	for slot := Slot(0); slot < slotCount; slot++ {
		field := slot.String()
		raw, present := t.Field(field)
		if !present || raw == nil {
			continue
		}
		fn, ok := raw.(callback.Callable)
		if !ok {
			return nil, &ParseError{Path: path + "." + field, Err: ErrInvalidCallback, Detail: "got " + script.TypeName(raw)}
		}
		fn.Retain()
		ch.callbacks[slot] = fn
	}

	return ch, nil
}

func parseUUID(t *script.Table, field, path string) (ble.UUID, error) {
	raw, present := t.Field(field)
	if !present || raw == nil {
		return nil, missing(path)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(path, "string", raw)
	}
	u, err := ble.Parse(s)
	if err != nil {
		return nil, &ParseError{Path: path, Err: ErrInvalidUUID, Detail: err.Error()}
	}
	return u, nil
}

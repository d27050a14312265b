package script

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/aarzilli/golua/lua"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Table is a detached snapshot of a Lua table: string keyed fields in
// sorted key order and the contiguous 1..n array part.
//
// Values are nil, bool, float64, string, []byte, *Table or *FuncRef
// (or anything the caller stores with Set/Append).
type Table struct {
	fields *orderedmap.OrderedMap[string, any]
	items  []any
}

func NewTable() *Table {
	return &Table{fields: orderedmap.New[string, any]()}
}

// Set stores a field and returns t for chaining.
func (t *Table) Set(key string, v any) *Table {
	t.fields.Set(key, v)
	return t
}

// Field returns a field value and whether the key is present.
func (t *Table) Field(key string) (any, bool) {
	return t.fields.Get(key)
}

func (t *Table) Keys() []string {
	keys := make([]string, 0, t.fields.Len())
	for p := t.fields.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Append adds v to the array part.
func (t *Table) Append(v any) *Table {
	t.items = append(t.items, v)
	return t
}

// Len is the length of the array part.
func (t *Table) Len() int {
	return len(t.items)
}

// Index returns the array element at the 1-based position i.
func (t *Table) Index(i int) (any, bool) {
	if i < 1 || i > len(t.items) {
		return nil, false
	}
	return t.items[i-1], true
}

// Release drops every reference held by the snapshot, recursively.
func (t *Table) Release() {
	if t == nil {
		return
	}
	for p := t.fields.Oldest(); p != nil; p = p.Next() {
		releaseValue(p.Value)
	}
	for _, v := range t.items {
		releaseValue(v)
	}
}

func releaseValue(v any) {
	if r, ok := v.(interface{ Release() }); ok {
		r.Release()
	}
}

// TypeName names the Lua type a snapshot value came from.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string, []byte:
		return "string"
	case *Table:
		return "table"
	case *FuncRef:
		return "function"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ToInt converts a numeric snapshot value to int.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// ToBytes accepts strings and byte slices.
func ToBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case string:
		return []byte(b), true
	case []byte:
		return b, true
	default:
		return nil, false
	}
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', 14, 64)
}

func luaTypeName(t lua.LuaValType) string {
	switch t {
	case lua.LUA_TNIL:
		return "nil"
	case lua.LUA_TBOOLEAN:
		return "boolean"
	case lua.LUA_TNUMBER:
		return "number"
	case lua.LUA_TSTRING:
		return "string"
	case lua.LUA_TTABLE:
		return "table"
	case lua.LUA_TFUNCTION:
		return "function"
	default:
		return "userdata"
	}
}

// ValueAt snapshots the Lua value at idx. Functions are anchored as
// FuncRefs, so the result must be released with Table.Release or
// FuncRef.Release once no longer needed.
func (e *Engine) ValueAt(L *lua.State, idx int) any {
	return e.valueAt(L, idx, 0)
}

func (e *Engine) valueAt(L *lua.State, idx int, depth int) any {
	switch L.Type(idx) {
	case lua.LUA_TBOOLEAN:
		return L.ToBoolean(idx)
	case lua.LUA_TNUMBER:
		return L.ToNumber(idx)
	case lua.LUA_TSTRING:
		return L.ToString(idx)
	case lua.LUA_TFUNCTION:
		return e.newRef(L, idx)
	case lua.LUA_TTABLE:
		if depth >= maxValueDepth {
			return nil
		}
		return e.tableAt(L, idx, depth+1)
	default:
		return nil
	}
}

func (e *Engine) tableAt(L *lua.State, idx int, depth int) *Table {
	if idx < 0 {
		idx = L.GetTop() + idx + 1
	}

	fields := map[string]any{}
	array := map[int]any{}

	L.PushNil()
	for L.Next(idx) != 0 {
		v := e.valueAt(L, -1, depth)
		switch L.Type(-2) {
		case lua.LUA_TSTRING:
			fields[L.ToString(-2)] = v
		case lua.LUA_TNUMBER:
			n := L.ToNumber(-2)
			if n >= 1 && n == math.Trunc(n) {
				array[int(n)] = v
			} else {
				releaseValue(v)
			}
		default:
			releaseValue(v)
		}
		L.Pop(1)
	}

	t := NewTable()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.Set(k, fields[k])
	}

	for i := 1; ; i++ {
		v, ok := array[i]
		if !ok {
			break
		}
		t.Append(v)
		delete(array, i)
	}
	// Anything past the first hole is not part of the sequence.
	for _, v := range array {
		releaseValue(v)
	}
	return t
}

// Push converts a Go value to Lua and pushes it. Exposed for Go functions
// registered on the state.
func (e *Engine) Push(L *lua.State, v any) error {
	return e.push(L, v)
}

func (e *Engine) push(L *lua.State, v any) error {
	switch val := v.(type) {
	case nil:
		L.PushNil()
	case bool:
		L.PushBoolean(val)
	case int:
		L.PushInteger(int64(val))
	case int64:
		L.PushInteger(val)
	case uint8:
		L.PushInteger(int64(val))
	case uint16:
		L.PushInteger(int64(val))
	case float64:
		L.PushNumber(val)
	case string:
		L.PushString(val)
	case []byte:
		L.PushString(string(val))
	case GoFunc:
		e.pushGoFunc(L, val)
	case func(args ...any) error:
		e.pushGoFunc(L, val)
	case *FuncRef:
		if val.count.Load() <= 0 {
			return ErrReleased
		}
		L.RawGeti(lua.LUA_REGISTRYINDEX, val.ref)
	case *Table:
		return e.pushTable(L, val)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return nil
}

func (e *Engine) pushTable(L *lua.State, t *Table) error {
	L.NewTable()
	for p := t.fields.Oldest(); p != nil; p = p.Next() {
		if err := e.push(L, p.Value); err != nil {
			L.Pop(1)
			return fmt.Errorf("field %s: %w", p.Key, err)
		}
		L.SetField(-2, p.Key)
	}
	for i, item := range t.items {
		if err := e.push(L, item); err != nil {
			L.Pop(1)
			return fmt.Errorf("item %d: %w", i+1, err)
		}
		L.RawSeti(-2, i+1)
	}
	return nil
}

// Package script hosts the Lua interpreter that runs peripheral scripts.
//
// The Engine owns a single lua.State. Every access goes through DoWithState,
// which serialises callers and flushes function references released from
// other goroutines. Lua values that must outlive a call are snapshotted into
// plain Go values (see Table and FuncRef).
package script

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"

	DefaultOutputBuffer = 100

	// maxValueDepth bounds table snapshots so self-referencing tables terminate.
	maxValueDepth = 16
)

// OutputRecord is one chunk of script output.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Engine is a mutex guarded Lua interpreter with captured print output.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	logger *logrus.Logger

	scriptName string
	scriptCode string

	output *RingChannel[OutputRecord]

	pendingMu sync.Mutex
	pending   []int
	liveRefs  atomic.Int64
}

// NewEngine creates an engine whose print output is buffered in a ring of
// outputBuffer records. A non-positive size selects DefaultOutputBuffer.
func NewEngine(logger *logrus.Logger, outputBuffer int) *Engine {
	if outputBuffer <= 0 {
		outputBuffer = DefaultOutputBuffer
	}

	e := &Engine{
		logger: logger,
		output: NewRingChannel[OutputRecord](outputBuffer),
	}

	e.state = lua.NewState()
	e.state.OpenLibs()
	e.installPrint(e.state)

	logger.WithField("output_buffer", outputBuffer).Debug("Script engine initialized")
	return e
}

// DoWithState runs fn with exclusive access to the Lua state.
//
// fn must not call back into DoWithState (directly or through FuncRef.Call);
// Go functions invoked from Lua already receive the state they should use.
func (e *Engine) DoWithState(fn func(L *lua.State) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return ErrEngineClosed
	}

	e.flushRefsLocked()
	err := fn(e.state)
	e.flushRefsLocked()
	return err
}

// Logger returns the engine logger.
func (e *Engine) Logger() *logrus.Logger {
	return e.logger
}

// OutputChannel returns the stream of captured print output.
func (e *Engine) OutputChannel() <-chan OutputRecord {
	return e.output.C()
}

// WriteOutput appends a record to the output stream.
func (e *Engine) WriteOutput(source, content string) {
	e.output.ForceSend(OutputRecord{Content: content, Timestamp: time.Now(), Source: source})
}

func (e *Engine) installPrint(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)

		for i := 1; i <= top; i++ {
			switch L.Type(i) {
			case lua.LUA_TNIL:
				parts = append(parts, "nil")
			case lua.LUA_TBOOLEAN:
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case lua.LUA_TNUMBER:
				parts = append(parts, formatNumber(L.ToNumber(i)))
			case lua.LUA_TSTRING:
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				if err := L.Call(1, 1); err != nil {
					parts = append(parts, "?")
					continue
				}
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}

		e.WriteOutput(StreamStdout, strings.Join(parts, "\t")+"\n")
		return 0
	})
	L.SetGlobal("print")
}

// LoadScriptFile reads a script from disk and validates it.
func (e *Engine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.LoadScript(string(content), path)
}

// LoadScript compiles code without running it and remembers it for ExecuteScript.
func (e *Engine) LoadScript(code, name string) error {
	if strings.TrimSpace(code) == "" {
		return &ScriptError{Type: ErrorTypeAPI, Message: "empty script", Source: name}
	}

	err := e.DoWithState(func(L *lua.State) error {
		base := L.GetTop()
		defer L.SetTop(base)

		if status := L.LoadString(code); status != 0 {
			msg := "syntax error"
			if L.Type(-1) == lua.LUA_TSTRING {
				msg = L.ToString(-1)
			}
			return newScriptError(ErrorTypeSyntax, name, fmt.Errorf("%s", msg))
		}
		return nil
	})
	if err != nil {
		e.WriteOutput(StreamStderr, err.Error()+"\n")
		return err
	}

	e.scriptName = name
	e.scriptCode = code
	return nil
}

// ExecuteScript runs the script loaded with LoadScript.
func (e *Engine) ExecuteScript(ctx context.Context) error {
	if e.scriptCode == "" {
		return &ScriptError{Type: ErrorTypeAPI, Message: "no script loaded"}
	}
	return e.run(ctx, e.scriptName, e.scriptCode)
}

// ExecuteString loads and runs an ad-hoc chunk.
func (e *Engine) ExecuteString(ctx context.Context, code string) error {
	return e.run(ctx, "chunk", code)
}

func (e *Engine) run(ctx context.Context, name, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := e.DoWithState(func(L *lua.State) error {
		base := L.GetTop()
		defer L.SetTop(base)

		if err := L.DoString(code); err != nil {
			return newScriptError(ErrorTypeRuntime, name, err)
		}
		return nil
	})
	if err != nil {
		e.logger.WithError(err).WithField("script", name).Debug("Script execution failed")
		e.WriteOutput(StreamStderr, err.Error()+"\n")
	}
	return err
}

// SetGlobal assigns a Go value to a Lua global.
func (e *Engine) SetGlobal(name string, value any) error {
	return e.DoWithState(func(L *lua.State) error {
		if err := e.push(L, value); err != nil {
			return fmt.Errorf("global %s: %w", name, err)
		}
		L.SetGlobal(name)
		return nil
	})
}

// GetGlobal snapshots a Lua global. Function and table results hold
// references the caller must Release.
func (e *Engine) GetGlobal(name string) (any, error) {
	var v any
	err := e.DoWithState(func(L *lua.State) error {
		L.GetGlobal(name)
		defer L.Pop(1)
		v = e.valueAt(L, -1, 0)
		return nil
	})
	return v, err
}

// GetGlobalString reads a string global.
func (e *Engine) GetGlobalString(name string) (string, error) {
	v, err := e.GetGlobal(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		releaseValue(v)
		return "", fmt.Errorf("global variable %s is %s, not a string", name, TypeName(v))
	}
	return s, nil
}

// GetGlobalInteger reads a numeric global as an int.
func (e *Engine) GetGlobalInteger(name string) (int, error) {
	v, err := e.GetGlobal(name)
	if err != nil {
		return 0, err
	}
	n, ok := ToInt(v)
	if !ok {
		releaseValue(v)
		return 0, fmt.Errorf("global variable %s is %s, not a number", name, TypeName(v))
	}
	return n, nil
}

// LiveRefs reports how many function references are currently held.
func (e *Engine) LiveRefs() int64 {
	return e.liveRefs.Load()
}

// Close destroys the Lua state. Outstanding FuncRefs become inert.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return
	}

	e.state.Close()
	e.state = nil

	e.pendingMu.Lock()
	e.pending = nil
	e.pendingMu.Unlock()

	e.logger.Debug("Script engine closed")
}

// newRef anchors the value at idx in the Lua registry.
func (e *Engine) newRef(L *lua.State, idx int) *FuncRef {
	L.PushValue(idx)
	ref := L.Ref(lua.LUA_REGISTRYINDEX)

	f := &FuncRef{engine: e, ref: ref}
	f.count.Store(1)
	e.liveRefs.Add(1)
	return f
}

// scheduleUnref queues ref for removal the next time the state is entered.
// Safe to call from any goroutine, including from inside DoWithState.
func (e *Engine) scheduleUnref(ref int) {
	e.liveRefs.Add(-1)

	e.pendingMu.Lock()
	e.pending = append(e.pending, ref)
	e.pendingMu.Unlock()
}

func (e *Engine) flushRefsLocked() {
	e.pendingMu.Lock()
	pending := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	for _, ref := range pending {
		e.state.Unref(lua.LUA_REGISTRYINDEX, ref)
	}
}

func (e *Engine) callRef(ref int, args []any) error {
	return e.DoWithState(func(L *lua.State) error {
		base := L.GetTop()
		defer L.SetTop(base)

		L.RawGeti(lua.LUA_REGISTRYINDEX, ref)
		if !L.IsFunction(-1) {
			return fmt.Errorf("%w: registry slot %d holds %s", ErrNotCallable, ref, luaTypeName(L.Type(-1)))
		}

		for i, arg := range args {
			if err := e.push(L, arg); err != nil {
				return fmt.Errorf("argument %d: %w", i+1, err)
			}
		}

		if err := L.Call(len(args), 0); err != nil {
			return newScriptError(ErrorTypeRuntime, "callback", err)
		}
		return nil
	})
}

// SafeWrapGoFunction converts Go panics escaping fn into Lua errors so they
// surface as script failures instead of crashing the process.
func SafeWrapGoFunction(logger *logrus.Logger, name string, fn lua.LuaGoFunction) lua.LuaGoFunction {
	return func(L *lua.State) (ret int) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if le, ok := r.(*lua.LuaError); ok {
				// L.RaiseError unwinds with this panic; let it through.
				panic(le)
			}
			logger.WithFields(logrus.Fields{
				"function": name,
				"panic":    fmt.Sprint(r),
			}).Error("Go function panicked")
			L.RaiseError(fmt.Sprintf("%s: internal error: %v", name, r))
		}()
		return fn(L)
	}
}

package script

import (
	"sync/atomic"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// FuncRef is a counted handle to a Lua function anchored in the registry.
//
// A new FuncRef starts with one reference. Retain adds one, Release drops
// one, and the last Release unanchors the function. Both may be called
// from any goroutine; the registry slot itself is only ever touched while
// the engine state is held.
type FuncRef struct {
	engine *Engine
	ref    int
	count  atomic.Int32
}

// Retain adds a reference. Retaining a fully released handle is a no-op.
func (f *FuncRef) Retain() {
	for {
		n := f.count.Load()
		if n <= 0 {
			f.engine.logger.WithField("ref", f.ref).Warn("Retain on released function reference ignored")
			return
		}
		if f.count.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// Release drops a reference. Releasing more often than retained is logged
// and otherwise ignored.
func (f *FuncRef) Release() {
	for {
		n := f.count.Load()
		if n <= 0 {
			f.engine.logger.WithField("ref", f.ref).Warn("Release on released function reference ignored")
			return
		}
		if f.count.CompareAndSwap(n, n-1) {
			if n == 1 {
				f.engine.scheduleUnref(f.ref)
			}
			return
		}
	}
}

// Refs reports the current reference count.
func (f *FuncRef) Refs() int {
	return int(f.count.Load())
}

// Call invokes the function with args converted to Lua values. It takes the
// engine state, so it must not be used from inside DoWithState.
func (f *FuncRef) Call(args ...any) error {
	if f.count.Load() <= 0 {
		return ErrReleased
	}
	return f.engine.callRef(f.ref, args)
}

// GoFunc is a Go callback exposed to Lua. Its arguments are snapshots that
// are released when it returns; retain any FuncRef or Table to keep it.
type GoFunc func(args ...any) error

func (e *Engine) pushGoFunc(L *lua.State, fn GoFunc) {
	L.PushGoFunction(SafeWrapGoFunction(e.logger, "callback", func(L *lua.State) int {
		top := L.GetTop()
		args := make([]any, top)
		for i := 1; i <= top; i++ {
			args[i-1] = e.valueAt(L, i, 0)
		}
		defer func() {
			for _, a := range args {
				releaseValue(a)
			}
		}()

		if err := fn(args...); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{"args": len(args)}).Debug("Go callback rejected call")
			L.RaiseError(err.Error())
		}
		return 0
	}))
}

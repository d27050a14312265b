// Package groutine runs named goroutines that show up in pprof profiles
// under a "goroutine_name" label.
package groutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// Go starts fn on a new goroutine labelled with name.
//
//	groutine.Go(ctx, "ble-advertise", func(ctx context.Context) {
//	    // runs with pprof label goroutine_name=ble-advertise
//	})
//
// A nil parent context is replaced with context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Spawn is Go with panic recovery. A panic in fn is logged with its stack
// and swallowed. The returned channel is closed once fn has returned.
func Spawn(parent context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})

	Go(parent, name, func(ctx context.Context) {
		defer close(done)
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     fmt.Sprint(r),
					"stack":     string(debug.Stack()),
				}).Error("Goroutine panicked")
			}
		}()
		fn(ctx)
	})

	return done
}

// Name returns the name given to Go or Spawn, or "" outside such goroutines.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}

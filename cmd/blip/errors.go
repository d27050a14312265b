package main

import (
	"errors"
	"fmt"

	"github.com/srg/blip/internal/gatt"
	"github.com/srg/blip/internal/script"
	"github.com/srg/blip/internal/stack"
)

// Command-level errors
var (
	// ErrDrainTimeout indicates script callbacks kept producing work past
	// the configured drain_timeout.
	ErrDrainTimeout = errors.New("callbacks did not settle")

	// ErrNoServiceRegistered indicates the script finished without a
	// successful ble.setServices.
	ErrNoServiceRegistered = errors.New("script did not register a service")
)

// FormatUserError turns err into a one-line message for the terminal.
func FormatUserError(err error) string {
	var scriptErr *script.ScriptError
	if errors.As(err, &scriptErr) {
		return scriptErr.Error()
	}

	var parseErr *gatt.ParseError
	if errors.As(err, &parseErr) {
		return fmt.Sprintf("invalid service description: %v", parseErr)
	}

	var buildErr *gatt.BuildError
	if errors.As(err, &buildErr) {
		return fmt.Sprintf("cannot build attribute table: %v", buildErr)
	}

	var stackErr *stack.StackError
	if errors.As(err, &stackErr) {
		switch {
		case errors.Is(err, stack.ErrNotReady):
			return "Bluetooth is not ready (is the adapter powered on?)"
		case stackErr.Op == "enable":
			return fmt.Sprintf("cannot open Bluetooth device: %v", stackErr.Err)
		default:
			return fmt.Sprintf("Bluetooth %s failed: %v", stackErr.Op, stackErr.Err)
		}
	}

	return err.Error()
}

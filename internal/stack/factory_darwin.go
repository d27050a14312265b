//go:build darwin

package stack

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newDevice(_ Options) (Device, error) {
	return darwin.NewDevice(ble.OptPeripheralRole())
}

//go:build linux

package stack

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newDevice(opts Options) (Device, error) {
	return linux.NewDevice(ble.OptDeviceID(opts.DeviceID), ble.OptPeripheralRole())
}

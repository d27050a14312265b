//go:build !linux && !darwin

package stack

import (
	"fmt"
	"runtime"
)

func newDevice(_ Options) (Device, error) {
	return nil, fmt.Errorf("no BLE peripheral support on %s", runtime.GOOS)
}

package blip

import _ "embed"

// DefaultPeripheralScript is the temperature sensor used when no script is
// given on the command line.
//
//go:embed examples/temperature.lua
var DefaultPeripheralScript string

package serialmux

import (
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate matches the wearable gateway's USB CDC bridge.
const DefaultBaudRate = 115200

// gatewayBaudRates are the rates the gateway firmware can be built with.
var gatewayBaudRates = []int{9600, 57600, 115200, 230400, 460800, 921600}

// PortOptions are the gateway link settings. The gateway always frames 8
// data bits and one stop bit, so only the rate and parity vary.
type PortOptions struct {
	BaudRate int `json:"baud_rate"`
	// Parity is "none" (the default) or "even".
	Parity string `json:"parity"`
}

// Normalize fills in defaults and rejects settings the gateway cannot use.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if !slices.Contains(gatewayBaudRates, o.BaudRate) {
		return o, fmt.Errorf("unsupported gateway baud rate %d (supported: %v)", o.BaudRate, gatewayBaudRates)
	}
	switch strings.ToLower(strings.TrimSpace(o.Parity)) {
	case "", "n", "none":
		o.Parity = "none"
	case "e", "even":
		o.Parity = "even"
	default:
		return o, fmt.Errorf("unsupported gateway parity %q: expected none or even", o.Parity)
	}
	return o, nil
}

// SerialMode returns the go.bug.st/serial mode for the link.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.Parity == "even" {
		mode.Parity = serial.EvenParity
	}
	return mode, nil
}

package serialmux

import (
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when no rate is configured. Both the sensor
// driver and the actuator board run at this rate out of the box.
const DefaultBaudRate = 115200

var standardBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// PortOptions describes the serial connection parameters used when opening a
// real serial port.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if !slices.Contains(standardBaudRates, opts.BaudRate) {
		return opts, fmt.Errorf("unsupported baud rate %d", opts.BaudRate)
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// PortMode converts the options into the package's hardware-neutral mode.
func (o PortOptions) PortMode() (*SerialPortMode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &SerialPortMode{BaudRate: opts.BaudRate, DataBits: opts.DataBits, StopBits: OneStopBit}
	if opts.StopBits == 2 {
		mode.StopBits = TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = EvenParity
	case "O":
		mode.Parity = OddParity
	}
	return mode, nil
}

// SerialMode converts a SerialPortMode into the serial.Mode structure required
// by go.bug.st/serial when opening a port.
func (m *SerialPortMode) SerialMode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: m.BaudRate,
		DataBits: m.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch m.Parity {
	case EvenParity:
		mode.Parity = serial.EvenParity
	case OddParity:
		mode.Parity = serial.OddParity
	}
	if m.StopBits == TwoStopBits {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

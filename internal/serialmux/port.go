package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortMode defines serial port configuration parameters.
type SerialPortMode struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// Parity defines serial port parity options.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// StopBits defines serial port stop bit options.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// DefaultSerialPortMode returns the 8N1 mode the sorter's boards use.
func DefaultSerialPortMode() *SerialPortMode {
	return &SerialPortMode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   NoParity,
		StopBits: OneStopBit,
	}
}

// SerialPortFactory defines an interface for creating serial ports.
// This abstraction enables dependency injection of serial port creation.
type SerialPortFactory interface {
	// Open opens a serial port at the specified path with the given mode.
	Open(path string, mode *SerialPortMode) (SerialPorter, error)
}

package serialmux

import (
	"go.bug.st/serial"
)

// RealSerialPortFactory opens hardware ports through go.bug.st/serial.
type RealSerialPortFactory struct{}

// NewRealSerialPortFactory returns the hardware port factory.
func NewRealSerialPortFactory() *RealSerialPortFactory { return &RealSerialPortFactory{} }

// Open opens the port at path. A nil mode uses DefaultSerialPortMode.
func (RealSerialPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	if mode == nil {
		mode = DefaultSerialPortMode()
	}
	return serial.Open(path, mode.SerialMode())
}

// OpenSerialMux opens path through factory and wraps it in a SerialMux.
func OpenSerialMux(factory SerialPortFactory, path, name string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	mode, err := opts.PortMode()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port, name), nil
}

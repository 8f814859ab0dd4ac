package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// NewScriptedSerialMux creates a SerialMux whose port replays script one
// line per interval and records everything written to it. It stands in for
// a driver board when running without hardware.
func NewScriptedSerialMux(name string, script []string, interval time.Duration) *SerialMux[*TestableSerialPort] {
	port := NewTestableSerialPort()
	port.BlockReads = true
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for _, line := range script {
			<-ticker.C
			if port.isClosed() {
				return
			}
			port.AddReadData([]byte(line + "\n"))
		}
	}()
	return NewSerialMux(port, name)
}

// TestableSerialPort is an in-memory SerialPorter. Reads drain what
// AddReadData queued; writes accumulate for GetWrittenData.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond
	in   bytes.Buffer
	out  bytes.Buffer

	// ReadError and WriteError fail the next call once.
	ReadError  error
	WriteError error

	// BlockReads makes Read wait for data or Close instead of returning
	// io.EOF on an empty buffer.
	BlockReads bool

	Closed bool
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ReadError; err != nil {
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.in.Len() == 0 {
		p.cond.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	return p.in.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	return p.out.Write(b)
}

// Close wakes any blocked reader.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.cond.Broadcast()
	return nil
}

func (p *TestableSerialPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// AddReadData queues data for subsequent reads.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(data)
	p.cond.Signal()
}

// GetWrittenData returns a copy of everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// MockSerialPortFactory hands out Port and records each Open.
type MockSerialPortFactory struct {
	mu        sync.Mutex
	Port      SerialPorter
	Error     error
	OpenCalls []MockOpenCall
}

type MockOpenCall struct {
	Path string
	Mode *SerialPortMode
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

func (f *MockSerialPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Mode: mode})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Bytes written are kept
// for inspection, and reads are served from a buffer filled by AddReadData
// or by Responder.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond
	read     bytes.Buffer
	written  bytes.Buffer

	// ReadError and WriteError are returned once by the next call.
	ReadError  error
	WriteError error
	// BlockReads makes Read wait for data instead of returning io.EOF on
	// an empty buffer, like a quiet serial line.
	BlockReads bool
	// Responder, if set, is called with each successful write and its
	// return value is queued for reading. It emulates the controller
	// answering a command.
	Responder func(written []byte) []byte
	// Closed reports whether Close was called.
	Closed bool
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.read.Len() == 0 {
		p.readCond.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	return p.read.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	n, err := p.written.Write(b)
	if p.Responder != nil {
		if reply := p.Responder(bytes.Clone(b)); len(reply) > 0 {
			p.read.Write(reply)
			p.readCond.Broadcast()
		}
	}
	return n, err
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData queues bytes as if the controller had sent them.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.read.Write(data)
	p.readCond.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

// MockOpenCall records one MockSerialPortFactory.Open.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// MockSerialPortFactory hands out a fixed port and records every Open.
type MockSerialPortFactory struct {
	mu sync.Mutex

	Port      SerialPorter
	Error     error
	OpenCalls []MockOpenCall
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpenCalls) == 0 {
		return nil
	}
	c := f.OpenCalls[len(f.OpenCalls)-1]
	return &c
}

// Reset forgets recorded calls and the configured error.
func (f *MockSerialPortFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = nil
	f.Error = nil
}

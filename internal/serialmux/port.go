package serialmux

import "io"

// SerialPorter is what SerialMux needs from a port. go.bug.st/serial ports,
// TestableSerialPort and the controller simulator all satisfy it.
type SerialPorter interface {
	io.ReadWriteCloser
}

// SerialPortFactory opens a port by path.
type SerialPortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener adapts a function to SerialPortFactory.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}

package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerialMux opens path with f, normally RealPortFactory.
func OpenSerialMux(f SerialPortFactory, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	if path == "" {
		return nil, ErrNoPort
	}
	port, err := f.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}

func openSerial(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// RealPortFactory opens hardware ports through go.bug.st/serial.
var RealPortFactory SerialPortFactory = SerialPortOpener(func(path string, opts PortOptions) (SerialPorter, error) {
	return openSerial(path, opts)
})

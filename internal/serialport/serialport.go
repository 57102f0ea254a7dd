// Package serialport abstracts serial-port access for the ATMEGA panel
// and body-IMU agents, adapted from the teacher's internal/serialmux
// port abstraction (same SerialPorter/SerialPortFactory shape) so device
// drivers can be unit-tested without real hardware attached.
package serialport

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter is the minimal interface a device driver needs from an
// open serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Mode mirrors the subset of serial parameters FRAICAP's devices use.
type Mode struct {
	BaudRate int
}

// Factory creates serial ports. Production code uses RealFactory;
// tests inject a fake.
type Factory interface {
	Open(path string, mode Mode) (SerialPorter, error)
}

// RealFactory opens actual OS serial ports via go.bug.st/serial.
type RealFactory struct{}

func (RealFactory) Open(path string, mode Mode) (SerialPorter, error) {
	return serial.Open(path, &serial.Mode{BaudRate: mode.BaudRate})
}

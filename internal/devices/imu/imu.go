// Package imu implements the body-IMU agent: a serial-port streaming
// accelerometer/gyroscope/orientation sensor, grounded on
// agents/agent_imu.py (the Yost3Space API it wraps is an out-of-scope
// vendor collaborator per spec.md §1).
package imu

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
	"github.com/fraicap/fraicap/internal/serialport"
)

// Header is the IMU segment file's CSV header, matching agent_imu.py's
// HEADER exactly.
const Header = "system_time (s);accel_x (g);accel_y (g);accel_z (g);gyro_x (rad/s);gyro_y (rad/s);gyro_z (rad/s);q1;q2;q3;q4"

// Sample is one decoded IMU datapoint: 3-axis acceleration, 3-axis
// angular rate, and an orientation quaternion.
type Sample struct {
	AccelX, AccelY, AccelZ float32
	GyroX, GyroY, GyroZ    float32
	Q1, Q2, Q3, Q4         float32
}

const recordSize = 10 * 4 // 10 float32 fields, matching Sample's layout

// decodeSample reads one fixed-size binary record from r. The wire
// layout (big-endian float32 x10) stands in for the vendor streaming
// protocol, which is an out-of-scope external collaborator.
func decodeSample(r io.Reader) (Sample, error) {
	var buf [recordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Sample{}, err
	}
	vals := make([]float32, 10)
	for i := range vals {
		bits := binary.BigEndian.Uint32(buf[i*4 : i*4+4])
		vals[i] = math.Float32frombits(bits)
	}
	return Sample{
		AccelX: vals[0], AccelY: vals[1], AccelZ: vals[2],
		GyroX: vals[3], GyroY: vals[4], GyroZ: vals[5],
		Q1: vals[6], Q2: vals[7], Q3: vals[8], Q4: vals[9],
	}, nil
}

// Device is the body-IMU agentrt.Device implementation.
type Device struct {
	rt      *agentrt.Runtime
	factory serialport.Factory

	comPort string

	mu   sync.Mutex
	port serialport.SerialPorter

	quit chan struct{}
}

func New(factory serialport.Factory) *Device {
	if factory == nil {
		factory = serialport.RealFactory{}
	}
	return &Device{factory: factory, quit: make(chan struct{})}
}

func (d *Device) Configure(rt *agentrt.Runtime, cfg config.AgentConfig) error {
	d.rt = rt
	d.comPort = cfg.String("com_port", "/dev/ttyACM0")
	return nil
}

func (d *Device) ConnectHW() error {
	port, err := d.factory.Open(d.comPort, serialport.Mode{BaudRate: 115200})
	if err != nil {
		return fmt.Errorf("open %s: %w", d.comPort, err)
	}
	d.mu.Lock()
	d.port = port
	d.mu.Unlock()
	return nil
}

func (d *Device) DisconnectHW() {
	d.mu.Lock()
	port := d.port
	d.port = nil
	d.mu.Unlock()
	if port != nil {
		port.Close()
	}
}

func (d *Device) CheckHWConnected() bool {
	_, err := os.Stat(d.comPort)
	return err == nil
}

func (d *Device) StartStreaming() { go d.readLoop() }
func (d *Device) StopStreaming()  { close(d.quit) }

func (d *Device) PreCaptureFileUpdate(stats *agentrt.FileStats) {}
func (d *Device) OutputFileName() string                       { return "imu.csv" }
func (d *Device) OutputIsBinary() bool                          { return false }
func (d *Device) OutputHeader() []byte                          { return []byte(Header) }
func (d *Device) HandleManagerMessage(msg protocol.Message)     {}

func (d *Device) readLoop() {
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		d.mu.Lock()
		port := d.port
		d.mu.Unlock()
		if port == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		sample, err := decodeSample(port)
		if err != nil {
			d.rt.SetHwStatus(protocol.HwError)
			monitoring.Logf("imu: read sample: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		d.rt.SetHwStatus(protocol.HwNominal)
		row := fmt.Sprintf("%.3f; %2.3f; %2.3f; %2.3f; %2.3f; %2.3f; %2.3f; %2.3f; %2.3f; %2.3f; %2.3f",
			float64(time.Now().UnixNano())/1e9,
			sample.AccelX, sample.AccelY, sample.AccelZ,
			sample.GyroX, sample.GyroY, sample.GyroZ,
			sample.Q1, sample.Q2, sample.Q3, sample.Q4)
		if d.rt.IsCapturing() {
			d.rt.Enqueue([]byte(row))
		}
	}
}

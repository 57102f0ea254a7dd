// Package os1imu implements the OS1 LiDAR's built-in IMU agent: a UDP
// datagram reader on port 7503, grounded on
// agents/agent_os1_imu.py + agents/os1/imu_packet.py.
package os1imu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	network "github.com/fraicap/fraicap/internal/devices/lidar"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
)

// UDPPort is the OS1 IMU's fixed listen port, per agent_os1_imu.py.
const UDPPort = 7503

// PacketSize is the vendor IMU datagram's fixed byte length, per
// os1/imu_packet.py.PACKET_SIZE.
const PacketSize = 48

// Packet is one decoded IMU datagram.
type Packet struct {
	TimeIMU, TimeAccel, TimeGyro uint64
	AccelX, AccelY, AccelZ       float32
	GyroX, GyroY, GyroZ          float32
}

func unpack(raw []byte) (Packet, error) {
	if len(raw) != PacketSize {
		return Packet{}, fmt.Errorf("os1imu: expected %d-byte packet, got %d", PacketSize, len(raw))
	}
	r := bytes.NewReader(raw)
	var p Packet
	for _, dst := range []*uint64{&p.TimeIMU, &p.TimeAccel, &p.TimeGyro} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return Packet{}, err
		}
	}
	for _, dst := range []*float32{&p.AccelX, &p.AccelY, &p.AccelZ, &p.GyroX, &p.GyroY, &p.GyroZ} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return Packet{}, err
		}
	}
	return p, nil
}

// Header is the OS1 IMU segment file's CSV header, matching
// agent_os1_imu.py.output_file_header exactly.
const Header = "timestamp_system_(s);timestamp_accel_(us);timestamp_gyro_(us);accel_x_(g);accel_y_(g);accel_z_(g);gyro_x_(deg/sec);gyro_y_(deg/sec);gyro_z_(deg/sec)"

// Device is the os1imu agentrt.Device implementation.
type Device struct {
	rt      *agentrt.Runtime
	factory network.UDPSocketFactory

	sensorIP string
	hostIP   string

	sock network.UDPSocket
	quit chan struct{}
}

func New(factory network.UDPSocketFactory) *Device {
	if factory == nil {
		factory = network.NewRealUDPSocketFactory()
	}
	return &Device{factory: factory, quit: make(chan struct{})}
}

func (d *Device) Configure(rt *agentrt.Runtime, cfg config.AgentConfig) error {
	d.rt = rt
	d.sensorIP = cfg.String("sensor_ip", "")
	d.hostIP = cfg.String("host_ip", "0.0.0.0")
	return nil
}

func (d *Device) ConnectHW() error {
	sock, err := d.factory.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(d.hostIP), Port: UDPPort})
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", d.hostIP, UDPPort, err)
	}
	d.sock = sock
	return nil
}

func (d *Device) DisconnectHW() {
	if d.sock != nil {
		d.sock.Close()
		d.sock = nil
	}
}

func (d *Device) CheckHWConnected() bool { return d.sock != nil }

func (d *Device) StartStreaming() { go d.readLoop() }
func (d *Device) StopStreaming()  { close(d.quit) }

func (d *Device) PreCaptureFileUpdate(stats *agentrt.FileStats) {}
func (d *Device) OutputFileName() string                       { return "os1_imu.csv" }
func (d *Device) OutputIsBinary() bool                          { return false }
func (d *Device) OutputHeader() []byte                          { return []byte(Header) }
func (d *Device) HandleManagerMessage(msg protocol.Message)     {}

func (d *Device) readLoop() {
	buf := make([]byte, PacketSize+64)
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		d.sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := d.sock.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if d.sensorIP != "" && addr != nil && addr.IP.String() != d.sensorIP {
			continue
		}
		if n != PacketSize {
			continue
		}
		if !d.rt.IsCapturing() {
			continue
		}
		pkt, err := unpack(buf[:n])
		if err != nil {
			monitoring.Logf("os1imu: %v", err)
			continue
		}
		row := fmt.Sprintf("%.3f;%d;%d;%.3f;%.3f;%.3f;%.3f;%.3f;%.3f",
			float64(time.Now().UnixNano())/1e9,
			pkt.TimeAccel/1000, pkt.TimeGyro/1000,
			pkt.AccelX, pkt.AccelY, pkt.AccelZ,
			pkt.GyroX, pkt.GyroY, pkt.GyroZ)
		d.rt.Enqueue([]byte(row))
	}
}

// Package network (this file) implements the OS1 LiDAR agent itself:
// UDP packet ingestion, measurement-id angle-window filtering, and the
// polar-to-cartesian repack that feeds the binary segment file. Grounded
// on agents/agent_os1_lidar.py + agents/os1/{lidar_packet,utils}.py. The
// UDPSocket/UDPSocketFactory abstraction lives alongside it in
// udpsocket.go, adapted from the teacher's network interface idiom.
package network

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
)

// UDPPort is the OS1 LiDAR's fixed listen port for the main data stream,
// per agent_os1_lidar.py.LIDAR_UDP_PORT.
const UDPPort = 7502

const (
	packetSize        = 12608
	azimuthBlockCount = 16
	channelBlockCount = 64
	numUsedChannels   = 16 // OS1-16: only 16 of the 64 raw channels carry real returns
	channelBlockSize  = 12 // bytes: uint32 range|flags, 4x uint16
	azimuthBlockSize  = 8 + 2 + 2 + 4 + channelBlockCount*channelBlockSize + 4
	rangeBitMask      = 0x000FFFFF
	ticksPerRev       = 90112
	maxFrameID        = 0xFFFF

	azimuthDivs = 511
	angleSpan   = 140.0 // capture fan, degrees

	lostPacketsErrorThresholdPct  = 5.0
	invalidBlocksErrorThresholdPct = 5.0
)

// admitWindow computes the [more,less] measurement-id bounds that admit
// only the bottom hemisphere (sensor mounted connector-up, azimuth 0
// pointing up), per agent_os1_lidar.py's ADMIT_MEAS_ID_* constants.
func admitWindow() (more, less int) {
	more = 16 * round(azimuthDivs*(180-angleSpan/2)/360/16)
	less = 16 * round(azimuthDivs*(180+angleSpan/2)/360/16)
	return
}

func round(f float64) int { return int(math.Floor(f + 0.5)) }

// azimuthBlock is one decoded 16-channel-block slice of a packet.
type azimuthBlock struct {
	Timestamp     uint64
	MeasurementID uint16
	FrameID       uint16
	EncoderCount  uint32
	Channels      [channelBlockCount]channelBlock
	Status        uint32
}

type channelBlock struct {
	RangeMM      uint32
	Reflectivity uint16
}

func (a azimuthBlock) valid() bool { return a.Status != 0 }

// decodePacket parses one fixed-size UDP datagram into its 16 azimuth
// blocks, per os1/lidar_packet.py's struct layout.
func decodePacket(raw []byte) ([azimuthBlockCount]azimuthBlock, error) {
	var blocks [azimuthBlockCount]azimuthBlock
	if len(raw) != packetSize {
		return blocks, fmt.Errorf("lidar: expected %d-byte packet, got %d", packetSize, len(raw))
	}
	r := bytes.NewReader(raw)
	for i := range blocks {
		b := &blocks[i]
		if err := binary.Read(r, binary.LittleEndian, &b.Timestamp); err != nil {
			return blocks, err
		}
		if err := binary.Read(r, binary.LittleEndian, &b.MeasurementID); err != nil {
			return blocks, err
		}
		if err := binary.Read(r, binary.LittleEndian, &b.FrameID); err != nil {
			return blocks, err
		}
		if err := binary.Read(r, binary.LittleEndian, &b.EncoderCount); err != nil {
			return blocks, err
		}
		for c := range b.Channels {
			var rawRange uint32
			if err := binary.Read(r, binary.LittleEndian, &rawRange); err != nil {
				return blocks, err
			}
			var refl, sig, noise, unused uint16
			binary.Read(r, binary.LittleEndian, &refl)
			binary.Read(r, binary.LittleEndian, &sig)
			binary.Read(r, binary.LittleEndian, &noise)
			binary.Read(r, binary.LittleEndian, &unused)
			b.Channels[c] = channelBlock{RangeMM: rawRange & rangeBitMask, Reflectivity: refl}
		}
		if err := binary.Read(r, binary.LittleEndian, &b.Status); err != nil {
			return blocks, err
		}
	}
	return blocks, nil
}

// trigEntry is one channel's precomputed sin/cos/azimuth-offset,
// grounded on os1/utils.py.build_trig_table.
type trigEntry struct {
	sinAlt, cosAlt, azOffset float64
}

func buildTrigTable(altAnglesDeg, azAnglesDeg []float64) [channelBlockCount]trigEntry {
	var table [channelBlockCount]trigEntry
	for i := 0; i < channelBlockCount && i < len(altAnglesDeg); i++ {
		table[i] = trigEntry{
			sinAlt:   math.Sin(altAnglesDeg[i] * math.Pi / 180),
			cosAlt:   math.Cos(altAnglesDeg[i] * math.Pi / 180),
			azOffset: azAnglesDeg[i] * math.Pi / 180,
		}
	}
	return table
}

func azimuthAngleFromEncoder(encoderCount uint32) float64 {
	return 2 * math.Pi * float64(encoderCount) / ticksPerRev
}

// xyzPointsPack converts one packet's azimuth blocks to the binary XYZ
// segment-file representation, grounded on os1/utils.py.xyz_points_pack.
// Returns the packed bytes and the (validBlocks, invalidBlocks) tally.
func xyzPointsPack(blocks [azimuthBlockCount]azimuthBlock, activeChannels []int, table [channelBlockCount]trigEntry) ([]byte, int, int) {
	var out bytes.Buffer
	valid, invalid := 0, 0
	for _, block := range blocks {
		if !block.valid() {
			invalid++
			continue
		}
		valid++
		binary.Write(&out, binary.LittleEndian, block.Timestamp)
		binary.Write(&out, binary.LittleEndian, block.MeasurementID)
		binary.Write(&out, binary.LittleEndian, block.FrameID)
		angleBase := azimuthAngleFromEncoder(block.EncoderCount)
		for _, c := range activeChannels {
			ch := block.Channels[c]
			te := table[c]
			adjusted := te.azOffset + angleBase
			dist := float64(ch.RangeMM)
			x := int32(-dist * te.cosAlt * math.Cos(adjusted))
			y := int32(dist * te.cosAlt * math.Sin(adjusted))
			z := int32(dist * te.sinAlt)
			out.WriteByte(byte(c))
			binary.Write(&out, binary.LittleEndian, x)
			binary.Write(&out, binary.LittleEndian, y)
			binary.Write(&out, binary.LittleEndian, z)
			binary.Write(&out, binary.LittleEndian, ch.Reflectivity)
		}
	}
	return out.Bytes(), valid, invalid
}

// BeamIntrinsics is the factory calibration data the sensor publishes
// over its HTTP API.
type BeamIntrinsics struct {
	BeamAltitudeAngles []float64
	BeamAzimuthAngles  []float64
}

// IntrinsicsFetcher retrieves beam intrinsics from the sensor. The OS1's
// REST API is an out-of-scope vendor collaborator per spec.md §1; tests
// inject a fake.
type IntrinsicsFetcher interface {
	FetchBeamIntrinsics(sensorIP string) (BeamIntrinsics, error)
}

// HTTPIntrinsicsFetcher is the production fetcher, matching
// os1.core.OS1.get_beam_intrinsics's "GET /api/v1/sensor/metadata/beam_intrinsics" call.
type HTTPIntrinsicsFetcher struct {
	Client *http.Client
}

func (f HTTPIntrinsicsFetcher) FetchBeamIntrinsics(sensorIP string) (BeamIntrinsics, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("http://%s/api/v1/sensor/metadata/beam_intrinsics", sensorIP)
	resp, err := client.Get(url)
	if err != nil {
		return BeamIntrinsics{}, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	var payload struct {
		BeamAltitudeAngles []float64 `json:"beam_altitude_angles"`
		BeamAzimuthAngles  []float64 `json:"beam_azimuth_angles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return BeamIntrinsics{}, fmt.Errorf("decode beam intrinsics: %w", err)
	}
	return BeamIntrinsics{
		BeamAltitudeAngles: payload.BeamAltitudeAngles,
		BeamAzimuthAngles:  payload.BeamAzimuthAngles,
	}, nil
}

// Device is the OS1 LiDAR agentrt.Device implementation.
type Device struct {
	rt         *agentrt.Runtime
	factory    UDPSocketFactory
	intrinsics IntrinsicsFetcher
	bootDelay  time.Duration

	sensorIP string
	hostIP   string

	sock           UDPSocket
	trigTable      [channelBlockCount]trigEntry
	activeChannels []int
	admitMore      int
	admitLess      int

	mu              sync.Mutex
	receiving       bool
	frameOrder      []uint16
	packetsPerFrame map[uint16]int
	blocksValid     int
	blocksInvalid   int

	quit chan struct{}
}

// New builds an OS1 LiDAR driver. A nil factory is replaced by the real
// UDP socket factory; a nil intrinsics skips the beam-intrinsics fetch in
// ConnectHW. Tests inject fakes.
func New(factory UDPSocketFactory, intrinsics IntrinsicsFetcher) *Device {
	if factory == nil {
		factory = NewRealUDPSocketFactory()
	}
	more, less := admitWindow()
	return &Device{
		factory:         factory,
		intrinsics:      intrinsics,
		bootDelay:       20 * time.Second,
		admitMore:       more,
		admitLess:       less,
		packetsPerFrame: make(map[uint16]int),
		quit:            make(chan struct{}),
	}
}

func (d *Device) Configure(rt *agentrt.Runtime, cfg config.AgentConfig) error {
	d.rt = rt
	d.sensorIP = cfg.String("sensor_ip", "")
	d.hostIP = cfg.String("host_ip", "0.0.0.0")
	if delay := cfg.Int("boot_delay_s", -1); delay >= 0 {
		d.bootDelay = time.Duration(delay) * time.Second
	}
	return nil
}

func (d *Device) ConnectHW() error {
	sock, err := d.factory.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(d.hostIP), Port: UDPPort})
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", d.hostIP, UDPPort, err)
	}
	sock.SetReadBuffer(8 << 20)

	if d.intrinsics != nil {
		intr, err := d.intrinsics.FetchBeamIntrinsics(d.sensorIP)
		if err != nil {
			sock.Close()
			return fmt.Errorf("fetch beam intrinsics: %w", err)
		}
		d.trigTable = buildTrigTable(intr.BeamAltitudeAngles, intr.BeamAzimuthAngles)
		d.activeChannels = d.activeChannels[:0]
		for i, v := range intr.BeamAltitudeAngles {
			if v != 0 {
				d.activeChannels = append(d.activeChannels, i)
			}
		}
	}

	d.sock = sock
	if d.bootDelay > 0 {
		time.Sleep(d.bootDelay)
	}
	return nil
}

func (d *Device) DisconnectHW() {
	if d.sock != nil {
		d.sock.Close()
		d.sock = nil
	}
}

func (d *Device) CheckHWConnected() bool { return d.sock != nil }

func (d *Device) StartStreaming() {
	d.mu.Lock()
	d.receiving = true
	d.mu.Unlock()
	go d.readLoop()
}

func (d *Device) StopStreaming() {
	d.mu.Lock()
	d.receiving = false
	d.packetsPerFrame = make(map[uint16]int)
	d.frameOrder = nil
	d.mu.Unlock()
}

func (d *Device) PreCaptureFileUpdate(stats *agentrt.FileStats) {
	d.mu.Lock()
	order := d.frameOrder
	counts := d.packetsPerFrame
	d.packetsPerFrame = make(map[uint16]int)
	d.frameOrder = nil
	blocksValid, blocksInvalid := d.blocksValid, d.blocksInvalid
	d.blocksValid, d.blocksInvalid = 0, 0
	d.mu.Unlock()

	if len(order) == 0 {
		monitoring.Logf("lidar: no packets received from sensor")
		return
	}

	first, last := order[0], order[len(order)-1]
	var numFrames int
	if last < first {
		numFrames = maxFrameID - int(first) + int(last)
	} else {
		numFrames = int(last) - int(first)
	}

	expectedPerFrame := 1 + round(azimuthDivs*angleSpan/360/16)
	expectedPackets := numFrames * expectedPerFrame
	receivedPackets := 0
	for _, n := range counts {
		receivedPackets += n
	}
	lostPct := 0.0
	if expectedPackets > 0 {
		lostPct = 100 * float64(expectedPackets-receivedPackets) / float64(expectedPackets)
		if lostPct < 0 {
			lostPct = 0
		}
	}
	monitoring.Logf("lidar: packets received=%d lost=%.1f%%", receivedPackets, lostPct)

	blocksTotal := blocksValid + blocksInvalid
	invalidPct := 0.0
	if blocksTotal > 0 {
		invalidPct = float64(blocksInvalid) / float64(blocksTotal) * 100
		monitoring.Logf("lidar: azimuth blocks valid=%d (%.1f%%) invalid=%d (%.1f%%)",
			blocksValid, 100-invalidPct, blocksInvalid, invalidPct)
	}

	if stats != nil {
		stats.Values["lidar_loss_pct"] = lostPct
		stats.Values["lidar_invalid_pct"] = invalidPct
	}
	d.rt.Send(protocol.NewData(map[string]any{
		"lidar_loss_pct":    lostPct,
		"lidar_invalid_pct": invalidPct,
	}))

	if lostPct > lostPacketsErrorThresholdPct || invalidPct > invalidBlocksErrorThresholdPct {
		d.rt.SetHwStatus(protocol.HwError)
	} else {
		d.rt.SetHwStatus(protocol.HwNominal)
	}
}

func (d *Device) OutputFileName() string                   { return "os1_lidar.bin" }
func (d *Device) OutputIsBinary() bool                      { return true }
func (d *Device) OutputHeader() []byte                       { return nil }
func (d *Device) HandleManagerMessage(msg protocol.Message) {}

func (d *Device) isReceiving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receiving
}

func (d *Device) readLoop() {
	buf := make([]byte, packetSize+64)
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		d.sock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := d.sock.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if !d.isReceiving() {
			continue
		}
		if n != packetSize {
			continue
		}
		if d.sensorIP != "" && addr != nil && addr.IP.String() != d.sensorIP {
			continue
		}
		d.processPacket(buf[:n])
	}
}

func (d *Device) processPacket(raw []byte) {
	blocks, err := decodePacket(raw)
	if err != nil {
		monitoring.Logf("lidar: decode packet: %v", err)
		return
	}
	first := int(blocks[0].MeasurementID)
	if first < d.admitMore || first > d.admitLess {
		return
	}

	packed, valid, invalid := xyzPointsPack(blocks, d.activeChannels, d.trigTable)
	frameID := blocks[0].FrameID

	d.mu.Lock()
	if _, seen := d.packetsPerFrame[frameID]; !seen {
		d.frameOrder = append(d.frameOrder, frameID)
	}
	d.packetsPerFrame[frameID]++
	d.blocksValid += valid
	d.blocksInvalid += invalid
	d.mu.Unlock()

	if d.rt.IsCapturing() {
		d.rt.Enqueue(packed)
	}
}

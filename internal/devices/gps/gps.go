// Package gps implements the GPS agent: NMEA RMC/GGA consumption (or a
// deterministic simulator), geodesic distance-delta computation, and
// CSV row emission, grounded on agents/agent_gps.py.
package gps

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/geo"
	"github.com/fraicap/fraicap/internal/gpsfix"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
	"github.com/fraicap/fraicap/internal/serialport"
)

// RMCFix is the subset of an RMC sentence the driver needs.
type RMCFix struct {
	Latitude, Longitude float64
	Timestamp           string
	SpdOverGrnd         float64
	TrueCourse          float64
}

// GGAFix is the subset of a GGA sentence the driver needs.
type GGAFix struct {
	GPSQual       int
	NumSats       int
	HorizontalDil float64
}

// NMEADecoder parses one NMEA line. NMEA parsing itself is an
// out-of-scope external collaborator (no NMEA library appears in the
// retrieved pack); defaultDecoder below implements just enough of the
// RMC/GGA grammar this driver consumes.
type NMEADecoder interface {
	DecodeRMC(line string) (RMCFix, bool)
	DecodeGGA(line string) (GGAFix, bool)
}

const readTimeout = 1500 * time.Millisecond

// Device is the GPS agentrt.Device implementation.
type Device struct {
	rt      *agentrt.Runtime
	factory serialport.Factory
	decoder NMEADecoder

	comPort  string
	baudRate int
	simulate bool

	mu       sync.Mutex
	port     serialport.SerialPorter
	scanner  *bufio.Scanner
	lastGGA  GGAFix
	haveLast bool
	lastLon  float64
	lastLat  float64

	simSpeed float64
	simSign  float64

	quit chan struct{}
}

// New builds a GPS driver. factory is nil in production (New substitutes
// RealFactory; tests inject a mock); decoder is nil to use
// defaultDecoder.
func New(factory serialport.Factory, decoder NMEADecoder) *Device {
	if factory == nil {
		factory = serialport.RealFactory{}
	}
	if decoder == nil {
		decoder = defaultDecoder{}
	}
	return &Device{factory: factory, decoder: decoder, quit: make(chan struct{})}
}

func (d *Device) Configure(rt *agentrt.Runtime, cfg config.AgentConfig) error {
	d.rt = rt
	d.comPort = cfg.String("com_port", "/dev/ttyUSB0")
	d.baudRate = cfg.Int("baudrate", 4800)
	d.simulate = cfg.Bool("simulate", false)
	d.simSpeed = 5
	d.simSign = 1
	d.lastLon = -73.22029516666667
	d.lastLat = -37.218540833333336
	return nil
}

func (d *Device) ConnectHW() error {
	if d.simulate {
		return nil
	}
	port, err := d.factory.Open(d.comPort, serialport.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("open %s: %w", d.comPort, err)
	}
	d.mu.Lock()
	d.port = port
	d.scanner = bufio.NewScanner(port)
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
	if d.simulate {
		return true
	}
	if _, err := os.Stat(d.comPort); err != nil {
		return false
	}
	return true
}

func (d *Device) StartStreaming() {
	if d.simulate {
		go d.simulateLoop()
	} else {
		go d.readLoop()
	}
}

func (d *Device) StopStreaming() { close(d.quit) }

func (d *Device) PreCaptureFileUpdate(stats *agentrt.FileStats) {}

func (d *Device) OutputFileName() string { return "gps.csv" }
func (d *Device) OutputIsBinary() bool   { return false }
func (d *Device) OutputHeader() []byte   { return []byte(gpsfix.Header) }

func (d *Device) HandleManagerMessage(msg protocol.Message) {}

func (d *Device) readLoop() {
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		d.mu.Lock()
		sc := d.scanner
		d.mu.Unlock()
		if sc == nil {
			time.Sleep(readTimeout)
			continue
		}
		if !sc.Scan() {
			time.Sleep(readTimeout)
			continue
		}
		line := sc.Text()
		if gga, ok := d.decoder.DecodeGGA(line); ok {
			d.mu.Lock()
			d.lastGGA = gga
			d.mu.Unlock()
			continue
		}
		if rmc, ok := d.decoder.DecodeRMC(line); ok {
			d.emit(rmc)
		}
	}
}

// simulateLoop produces a synthetic accelerating/decelerating track
// along a fixed bearing, grounded on
// agent_gps.py.__read_from_simulator — used to exercise the
// segmentation engine without hardware attached.
func (d *Device) simulateLoop() {
	const azimuth = 45.0
	for {
		select {
		case <-d.quit:
			return
		case <-time.After(time.Second):
		}
		d.mu.Lock()
		prevSpeed := d.simSpeed
		if prevSpeed <= 0 {
			d.simSign = 1
		}
		if prevSpeed >= 15 {
			d.simSign = -1
		}
		speed := prevSpeed + d.simSign*0.5
		if speed < 0 {
			speed = 0
		}
		d.simSpeed = speed
		lon, lat := geo.Forward(d.lastLon, d.lastLat, azimuth, speed)
		d.mu.Unlock()

		d.emit(RMCFix{
			Latitude: lat, Longitude: lon,
			Timestamp:   time.Now().UTC().Format("15:04:05"),
			SpdOverGrnd: speed, TrueCourse: azimuth,
		})
	}
}

// emit computes distance-delta against the previous fix, enqueues the
// CSV row, and reports the fix to the coordinator, matching
// agent_gps.py.__update_data.
func (d *Device) emit(rmc RMCFix) {
	d.mu.Lock()
	gga := d.lastGGA
	have := d.haveLast
	prevLon, prevLat := d.lastLon, d.lastLat
	d.lastLon, d.lastLat = rmc.Longitude, rmc.Latitude
	d.haveLast = true
	d.mu.Unlock()

	var delta float64
	if have {
		delta = geo.InverseDistance(prevLon, prevLat, rmc.Longitude, rmc.Latitude)
	}

	fix := gpsfix.Fix{
		SysTimestamp:  float64(time.Now().UnixNano()) / 1e9,
		DistanceDelta: delta,
		Latitude:      rmc.Latitude,
		Longitude:     rmc.Longitude,
		Timestamp:     rmc.Timestamp,
		SpdOverGrnd:   rmc.SpdOverGrnd,
		TrueCourse:    rmc.TrueCourse,
		GPSQual:       gga.GPSQual,
		NumSats:       gga.NumSats,
		HorizontalDil: gga.HorizontalDil,
	}

	arg, err := fix.ToArg()
	if err != nil {
		monitoring.Logf("gps: encode fix: %v", err)
		return
	}
	d.rt.Send(protocol.NewData(arg))
	if d.rt.IsCapturing() {
		d.rt.Enqueue([]byte(fix.CSVRow()))
	}
}

// defaultDecoder implements just the RMC/GGA comma-separated field
// layout this driver consumes.
type defaultDecoder struct{}

func (defaultDecoder) DecodeRMC(line string) (RMCFix, bool) {
	fields := splitSentence(line, "RMC")
	if fields == nil || len(fields) < 9 || fields[2] != "A" {
		return RMCFix{}, false
	}
	lat := nmeaToDecimal(fields[3], fields[4])
	lon := nmeaToDecimal(fields[5], fields[6])
	spd, _ := strconv.ParseFloat(fields[7], 64)
	course, _ := strconv.ParseFloat(fields[8], 64)
	return RMCFix{
		Latitude: lat, Longitude: lon, Timestamp: fields[1],
		SpdOverGrnd: spd, TrueCourse: course,
	}, true
}

func (defaultDecoder) DecodeGGA(line string) (GGAFix, bool) {
	fields := splitSentence(line, "GGA")
	if fields == nil || len(fields) < 9 {
		return GGAFix{}, false
	}
	qual, _ := strconv.Atoi(fields[6])
	sats, _ := strconv.Atoi(fields[7])
	hdop, _ := strconv.ParseFloat(fields[8], 64)
	return GGAFix{GPSQual: qual, NumSats: sats, HorizontalDil: hdop}, true
}

// splitSentence returns the comma-separated fields of an NMEA sentence
// carrying the given three-letter type (e.g. "RMC" matches $GPRMC and
// $GNRMC alike), or nil if line isn't that sentence type.
func splitSentence(line, kind string) []string {
	line = strings.TrimSpace(line)
	if len(line) < 6 || line[0] != '$' {
		return nil
	}
	if line[3:6] != kind {
		return nil
	}
	star := strings.IndexByte(line, '*')
	if star > 0 {
		line = line[:star]
	}
	return strings.Split(line, ",")
}

// nmeaToDecimal converts an NMEA ddmm.mmmm (or dddmm.mmmm) coordinate
// plus hemisphere letter to signed decimal degrees.
func nmeaToDecimal(coord, hemi string) float64 {
	if coord == "" {
		return 0
	}
	dot := strings.IndexByte(coord, '.')
	if dot < 2 {
		return 0
	}
	degLen := dot - 2
	deg, _ := strconv.ParseFloat(coord[:degLen], 64)
	min, _ := strconv.ParseFloat(coord[degLen:], 64)
	val := deg + min/60
	if hemi == "S" || hemi == "W" {
		val = -val
	}
	return val
}

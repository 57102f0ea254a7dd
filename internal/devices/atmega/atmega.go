// Package atmega implements the instrument-panel agent: a serial-linked
// ATMEGA microcontroller that reports two button-matrix ADC voltages per
// frame and accepts a small LED command protocol for system/device
// status indicators. Grounded on agents/agent_atmega.py.
package atmega

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
	"github.com/fraicap/fraicap/internal/serialport"
)

// Wire protocol bytes, verbatim from agent_atmega.py.
const (
	startOfText byte = 0xFF

	ledOnline    byte = 0x04
	ledOffline   byte = 0x05
	ledCapturing byte = 0x03
	ledButFdbk   byte = 0x02
	ledExtDrive  byte = 0x06
	ledDevOS1    byte = 0x07
	ledDevGPS    byte = 0x08
	ledDevIMU    byte = 0x09
	ledDevCam    byte = 0x0A
	ledDevModem  byte = 0x0B

	stateOff   byte = 0x00
	stateOn    byte = 0x01
	stateBlink byte = 0x02
)

const (
	adcValueToVolts   = 5.0 / 1023.0
	stabilityThreshold = 0.05
	voltageTolerance   = 0.1
)

// Voltages is one sampled frame's two ADC readings, already converted
// to volts.
type Voltages [2]float64

// Button names, matching agent_atmega.py.BUTTONS.
const (
	ButtonNone    = "bNoButton"
	ButtonSingle  = "bSingleButton"
	ButtonUnknown = "bUnknown"
)

// Device is the ATMEGA panel agentrt.Device implementation.
type Device struct {
	rt      *agentrt.Runtime
	factory serialport.Factory

	comPort  string
	baudRate int
	keys     map[string]Voltages

	mu          sync.Mutex
	port        serialport.SerialPorter
	wasCapturing bool

	volts chan Voltages
	quit  chan struct{}
}

func New(factory serialport.Factory) *Device {
	if factory == nil {
		factory = serialport.RealFactory{}
	}
	return &Device{
		factory: factory,
		volts:   make(chan Voltages, 64),
		quit:    make(chan struct{}),
	}
}

func (d *Device) Configure(rt *agentrt.Runtime, cfg config.AgentConfig) error {
	d.rt = rt
	d.comPort = cfg.String("com_port", "/dev/ttyARD0")
	d.baudRate = cfg.Int("baudrate", 115200)
	d.keys = parseKeys(cfg.Extra["keys"])
	return nil
}

// parseKeys decodes the button->[2]voltage calibration table from the
// YAML-decoded Extra config (a map of button name to a 2-element
// sequence of numbers).
func parseKeys(raw any) map[string]Voltages {
	out := make(map[string]Voltages)
	m, ok := raw.(map[string]any)
	if !ok {
		if m2, ok2 := raw.(map[any]any); ok2 {
			m = make(map[string]any, len(m2))
			for k, v := range m2 {
				if ks, ok := k.(string); ok {
					m[ks] = v
				}
			}
		}
	}
	for name, v := range m {
		seq, ok := v.([]any)
		if !ok || len(seq) != 2 {
			continue
		}
		v0, ok0 := toFloat(seq[0])
		v1, ok1 := toFloat(seq[1])
		if ok0 && ok1 {
			out[name] = Voltages{v0, v1}
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func (d *Device) ConnectHW() error {
	port, err := d.factory.Open(d.comPort, serialport.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("open %s: %w", d.comPort, err)
	}
	d.mu.Lock()
	d.port = port
	d.mu.Unlock()
	d.turnOffAllLEDs()
	return nil
}

func (d *Device) DisconnectHW() {
	d.turnOffAllLEDs()
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

func (d *Device) StartStreaming() {
	go d.frameReadLoop()
	go d.buttonLoop()
	go d.captureLEDLoop()
}

func (d *Device) StopStreaming() {
	close(d.quit)
	d.turnOffAllLEDs()
}

func (d *Device) PreCaptureFileUpdate(stats *agentrt.FileStats) {}
func (d *Device) OutputFileName() string                       { return "atmega.csv" }
func (d *Device) OutputIsBinary() bool                          { return false }
func (d *Device) OutputHeader() []byte                          { return nil }

// HandleManagerMessage maps SYS_STATE messages onto panel LEDs, after
// agent_atmega.py._agent_process_manager_message: SYS_ONLINE,
// SYS_OFFLINE and SYS_ERROR drive the online/offline LEDs, and the
// replication agent's EXT_DRIVE_IN_USE / EXT_DRIVE_NOT_IN_USE
// announcements (forwarded as SYS_STATE by the coordinator) switch the
// ext-drive LED. Any other value, EXT_DRIVE_FULL included, is ignored;
// no message drives the per-device LEDs, and there is no paused LED
// state.
func (d *Device) HandleManagerMessage(msg protocol.Message) {
	if msg.Type != protocol.TypeSysState {
		return
	}
	arg, ok := msg.ArgString()
	if !ok {
		return
	}
	switch protocol.SysStatus(arg) {
	case protocol.SysOffline:
		d.writeLED(ledOnline, stateOff)
		d.writeLED(ledOffline, stateOn)
	case protocol.SysOnline:
		d.writeLED(ledOnline, stateOn)
		d.writeLED(ledOffline, stateOff)
	case protocol.SysError:
		d.writeLED(ledOnline, stateOn)
		d.writeLED(ledOffline, stateOn)
		d.writeLED(ledOnline, stateBlink)
	}
	switch arg {
	case protocol.DataExtDriveInUse:
		d.writeLED(ledExtDrive, stateOn)
	case protocol.DataExtDriveNotInUse:
		d.writeLED(ledExtDrive, stateOff)
	}
}

func (d *Device) writeLED(led, state byte) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return
	}
	if _, err := port.Write([]byte{startOfText, led, state}); err != nil {
		monitoring.Logf("atmega: write LED command: %v", err)
	}
}

func (d *Device) turnOffAllLEDs() {
	for _, led := range []byte{ledOnline, ledOffline, ledCapturing, ledButFdbk, ledExtDrive,
		ledDevOS1, ledDevGPS, ledDevIMU, ledDevCam, ledDevModem} {
		d.writeLED(led, stateOff)
	}
}

// pingButtonFeedback briefly lights the feedback LED to confirm a
// button press was registered.
func (d *Device) pingButtonFeedback() {
	d.writeLED(ledButFdbk, stateOn)
	time.Sleep(50 * time.Millisecond)
	d.writeLED(ledButFdbk, stateOff)
}

// captureLEDLoop mirrors the coordinator's capturing state onto
// LED_CAPTURING, polling Runtime.IsCapturing since the runtime skeleton
// doesn't otherwise surface START_CAPTURE/END_CAPTURE edges to drivers.
func (d *Device) captureLEDLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
		}
		capturing := d.rt.IsCapturing()
		d.mu.Lock()
		changed := capturing != d.wasCapturing
		d.wasCapturing = capturing
		d.mu.Unlock()
		if changed {
			if capturing {
				d.writeLED(ledCapturing, stateOn)
			} else {
				d.writeLED(ledCapturing, stateOff)
			}
		}
	}
}

// frameReadLoop scans for the START_OF_TEXT header byte then reads two
// little-endian signed 16-bit ADC samples, matching
// agent_atmega.py.__main_loop.
func (d *Device) frameReadLoop() {
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

		var hdr [1]byte
		if _, err := port.Read(hdr[:]); err != nil || hdr[0] != startOfText {
			if err != nil {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}
		var raw [4]byte
		if _, err := readFull(port, raw[:]); err != nil {
			continue
		}
		v1 := int16(binary.LittleEndian.Uint16(raw[0:2]))
		v2 := int16(binary.LittleEndian.Uint16(raw[2:4]))
		sample := Voltages{float64(v1) * adcValueToVolts, float64(v2) * adcValueToVolts}
		select {
		case d.volts <- sample:
		default:
		}
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("atmega: short read")
		}
	}
	return total, nil
}

// buttonLoop applies the 3-consecutive-sample stability debounce and
// per-button voltage-tolerance match, matching
// agent_atmega.py.__read_buttons. Only a fresh press (a transition out
// of bNoButton) is reported and acknowledged with a feedback LED pulse.
func (d *Device) buttonLoop() {
	unpressed := true
	var prev Voltages
	haveFirst := false

	for {
		select {
		case <-d.quit:
			return
		case sample := <-d.volts:
			if !haveFirst {
				prev = sample
				haveFirst = true
				continue
			}

			stable := stabilityCount(d.volts, prev, sample)
			if !stable.ok {
				prev = stable.last
				continue
			}
			prev = stable.last

			button := d.matchButton(stable.last)
			if button == ButtonUnknown {
				continue
			}
			if button == ButtonNone {
				unpressed = true
				continue
			}
			if unpressed {
				unpressed = false
				d.rt.Send(protocol.NewData(button))
				d.pingButtonFeedback()
			}
		}
	}
}

type stabilityResult struct {
	ok   bool
	last Voltages
}

// stabilityCount reads samples from ch until 3 consecutive ones each stay
// within stabilityThreshold volts of the previous one; any jump outside
// the threshold restarts the count, and ok is false if no sample arrives
// within 1s, mirroring the original's stability_count bookkeeping.
func stabilityCount(ch <-chan Voltages, prev, first Voltages) stabilityResult {
	count := 0
	cur := first
	for count < 3 {
		var next Voltages
		select {
		case next = <-ch:
		case <-time.After(time.Second):
			return stabilityResult{ok: false, last: cur}
		}
		stableStep := true
		for i := range cur {
			if abs(next[i]-cur[i]) > stabilityThreshold {
				stableStep = false
				break
			}
		}
		if stableStep {
			count++
		} else {
			count = 0
		}
		cur = next
	}
	return stabilityResult{ok: true, last: cur}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// matchButton finds the configured button whose calibrated voltage pair
// is within voltageTolerance of volts, per
// agent_atmega.py.__get_key_from_values.
func (d *Device) matchButton(volts Voltages) string {
	for name, key := range d.keys {
		if abs(volts[0]-key[0]) < voltageTolerance && abs(volts[1]-key[1]) < voltageTolerance {
			return name
		}
	}
	return ButtonUnknown
}

// Package camera implements the periodic still-camera agent: it shells
// out to an external capture tool on a fixed period while capturing,
// grounded on agents/agent_camera.py.
package camera

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
)

// imagesFolder is the per-segment subdirectory captured stills are
// written to, matching agent_camera.py.IMAGES_FOLDER.
const imagesFolder = "img"

// CaptureInvoker runs the external still-capture tool (fswebcam in the
// original), writing one JPEG to destPath. The actual capture mechanism
// is an out-of-scope external collaborator per spec.md §1.
type CaptureInvoker interface {
	Capture(resolution, destPath string) error
}

// ExecCaptureInvoker shells out to fswebcam, matching agent_camera.py's
// subprocess.run(["fswebcam", ...]) call exactly.
type ExecCaptureInvoker struct {
	Run func(name string, args ...string) error
}

func (e ExecCaptureInvoker) Capture(resolution, destPath string) error {
	run := e.Run
	if run == nil {
		run = runCommand
	}
	if err := run("fswebcam", "-r", resolution, "--no-banner", "-q", "--save", destPath); err != nil {
		return err
	}
	if _, err := os.Stat(destPath); err != nil {
		return fmt.Errorf("capture tool reported success but %s is missing: %w", destPath, err)
	}
	return nil
}

func runCommand(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// Device is the camera agentrt.Device implementation.
type Device struct {
	rt       *agentrt.Runtime
	invoker  CaptureInvoker
	devFile  string
	resolution string
	period   time.Duration

	quit chan struct{}
}

func New(invoker CaptureInvoker) *Device {
	if invoker == nil {
		invoker = ExecCaptureInvoker{}
	}
	return &Device{invoker: invoker, quit: make(chan struct{})}
}

func (d *Device) Configure(rt *agentrt.Runtime, cfg config.AgentConfig) error {
	d.rt = rt
	d.devFile = cfg.String("dev_file", "/dev/video0")
	d.resolution = cfg.String("resolution", "1280x720")
	periodS := cfg.Int("period", 5)
	d.period = time.Duration(periodS) * time.Second
	return nil
}

func (d *Device) ConnectHW() error {
	if _, err := os.Stat(d.devFile); err != nil {
		return fmt.Errorf("camera device %s not present: %w", d.devFile, err)
	}
	return nil
}

func (d *Device) DisconnectHW() {}

func (d *Device) CheckHWConnected() bool {
	_, err := os.Stat(d.devFile)
	return err == nil
}

func (d *Device) StartStreaming() { go d.captureLoop() }
func (d *Device) StopStreaming()  { close(d.quit) }

func (d *Device) PreCaptureFileUpdate(stats *agentrt.FileStats) {}
func (d *Device) OutputFileName() string                       { return "camera.meta" }
func (d *Device) OutputIsBinary() bool                          { return false }
func (d *Device) OutputHeader() []byte                          { return nil }
func (d *Device) HandleManagerMessage(msg protocol.Message)     {}

func (d *Device) captureLoop() {
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		if !d.rt.IsCapturing() || !d.CheckHWConnected() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		start := time.Now()
		dir := d.rt.CurrentDir()
		if dir == "" {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		imgDir := filepath.Join(dir, imagesFolder)
		if err := os.MkdirAll(imgDir, 0o755); err != nil {
			monitoring.Logf("camera: mkdir %s: %v", imgDir, err)
			d.sleepRemainder(start)
			continue
		}
		dest := filepath.Join(imgDir, fmt.Sprintf("%.1f.jpeg", float64(start.UnixNano())/1e9))
		if err := d.invoker.Capture(d.resolution, dest); err != nil {
			d.rt.SetHwStatus(protocol.HwError)
			monitoring.Logf("camera: capture: %v", err)
		} else {
			d.rt.SetHwStatus(protocol.HwNominal)
		}
		d.sleepRemainder(start)
	}
}

func (d *Device) sleepRemainder(start time.Time) {
	elapsed := time.Since(start)
	if elapsed > d.period {
		monitoring.Logf("camera: capture took %s, longer than the configured period %s", elapsed, d.period)
		return
	}
	select {
	case <-d.quit:
	case <-time.After(d.period - elapsed):
	}
}

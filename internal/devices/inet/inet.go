// Package inet implements the connectivity agent: a periodic reachability
// check against two configured hosts, grounded on agents/agent_inet.py.
// It has no exclusively-owned hardware, so ConnectHW/CheckHWConnected
// are trivially satisfied; its "hw_status" instead tracks the last ping
// sweep's outcome.
package inet

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/protocol"
)

// Pinger reports whether host replies within timeout. The real
// implementation shells out to the system ping tool (ICMP sockets need
// raw-socket privilege); tests inject a fake.
type Pinger interface {
	Ping(host string, timeout time.Duration) bool
}

// ExecPinger shells out to the system `ping` binary, matching
// agent_inet.py's `subprocess.call(["ping", "-c", "1", host])` check.
type ExecPinger struct {
	Run func(name string, args ...string) error
}

func (e ExecPinger) Ping(host string, timeout time.Duration) bool {
	run := e.Run
	if run == nil {
		run = runCommand
	}
	secs := fmt.Sprintf("%d", int(timeout.Seconds()))
	if secs == "0" {
		secs = "1"
	}
	return run("ping", "-c", "1", "-W", secs, host) == nil
}

func runCommand(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// Device is the internet-connectivity agentrt.Device implementation.
type Device struct {
	rt     *agentrt.Runtime
	pinger Pinger

	host1, host2 string
	period       time.Duration
	timeout      time.Duration

	mu   sync.Mutex
	quit chan struct{}
}

func New(pinger Pinger) *Device {
	if pinger == nil {
		pinger = ExecPinger{}
	}
	return &Device{pinger: pinger, quit: make(chan struct{})}
}

func (d *Device) Configure(rt *agentrt.Runtime, cfg config.AgentConfig) error {
	d.rt = rt
	d.host1 = cfg.String("host1", "8.8.8.8")
	d.host2 = cfg.String("host2", "1.1.1.1")
	d.period = time.Duration(cfg.Int("period", 30)) * time.Second
	d.timeout = time.Duration(cfg.Int("ping_timeout", 2)) * time.Second
	return nil
}

// ConnectHW/DisconnectHW/CheckHWConnected are no-ops: this agent owns no
// exclusive hardware, only a periodic reachability probe.
func (d *Device) ConnectHW() error      { return nil }
func (d *Device) DisconnectHW()         {}
func (d *Device) CheckHWConnected() bool { return true }

func (d *Device) StartStreaming() { go d.pingLoop() }
func (d *Device) StopStreaming() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
}

func (d *Device) PreCaptureFileUpdate(stats *agentrt.FileStats) {}
func (d *Device) OutputFileName() string                       { return "inet.meta" }
func (d *Device) OutputIsBinary() bool                          { return false }
func (d *Device) OutputHeader() []byte                          { return nil }
func (d *Device) HandleManagerMessage(msg protocol.Message)     {}

func (d *Device) pingLoop() {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	d.sweep()
	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Device) sweep() {
	ok := d.pinger.Ping(d.host1, d.timeout) || d.pinger.Ping(d.host2, d.timeout)
	if ok {
		d.rt.SetHwStatus(protocol.HwNominal)
	} else {
		d.rt.SetHwStatus(protocol.HwError)
	}
}

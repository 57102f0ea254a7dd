// Package datacopy wraps the replication engine (internal/replicate) as
// an ordinary agentrt.Device: it still answers the control protocol and
// reports AgentStatus/HwStatus like any other agent (spec.md §4.6 "see
// §4.7"), but its copy loop only starts once the coordinator tells it
// where the catalog lives, matching
// agent_data_copy.__copy_data's wait for "manager informe la base de
// datos" before touching the database.
package datacopy

import (
	"sync"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/catalog"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/fsutil"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
	"github.com/fraicap/fraicap/internal/replicate"
)

// CatalogOpener opens the segment catalog at path. Production code uses
// catalog.Open; tests inject a fake to avoid touching sqlite.
type CatalogOpener interface {
	Open(path string) (*catalog.DB, error)
}

type realCatalogOpener struct{}

func (realCatalogOpener) Open(path string) (*catalog.DB, error) { return catalog.Open(path) }

// Device is the data-copy agentrt.Device implementation.
type Device struct {
	rt     *agentrt.Runtime
	opener CatalogOpener

	mountPath string

	mu      sync.Mutex
	started bool
	cat     *catalog.DB
	engine  *replicate.Engine
}

func New(opener CatalogOpener) *Device {
	if opener == nil {
		opener = realCatalogOpener{}
	}
	return &Device{opener: opener}
}

func (d *Device) Configure(rt *agentrt.Runtime, cfg config.AgentConfig) error {
	d.rt = rt
	d.mountPath = cfg.String("usb_mount_path", "/media/usb")
	return nil
}

// ConnectHW/DisconnectHW/CheckHWConnected: this agent's "hardware" is
// the removable drive, whose presence the replication engine itself
// tracks (spec.md §4.7 step 1); the runtime's own watchdog has nothing
// exclusive to probe.
func (d *Device) ConnectHW() error       { return nil }
func (d *Device) DisconnectHW()          {}
func (d *Device) CheckHWConnected() bool { return true }

func (d *Device) StartStreaming() {}

func (d *Device) StopStreaming() {
	d.mu.Lock()
	eng := d.engine
	cat := d.cat
	d.mu.Unlock()
	if eng != nil {
		eng.Stop()
	}
	if cat != nil {
		cat.Close()
	}
}

func (d *Device) PreCaptureFileUpdate(stats *agentrt.FileStats) {}
func (d *Device) OutputFileName() string                       { return "datacopy.meta" }
func (d *Device) OutputIsBinary() bool                          { return false }
func (d *Device) OutputHeader() []byte                          { return nil }

// HandleManagerMessage receives the one DATA message the coordinator
// sends this agent at bootstrap: the catalog DB path (spec.md SPEC_FULL
// §6 step 6, grounded on manager.py.run's
// self.agents.DATA_COPY.send_data(...)).
func (d *Device) HandleManagerMessage(msg protocol.Message) {
	if msg.Type != protocol.TypeData {
		return
	}
	path, ok := msg.ArgString()
	if !ok || path == "" {
		return
	}

	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	cat, err := d.opener.Open(path)
	if err != nil {
		monitoring.Logf("datacopy: open catalog %s: %v", path, err)
		d.rt.SetHwStatus(protocol.HwError)
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		return
	}

	engine := replicate.NewEngine(d.mountPath, cat, announcer{d.rt}, fsutil.OSFileSystem{})
	d.mu.Lock()
	d.cat = cat
	d.engine = engine
	d.mu.Unlock()

	d.rt.SetHwStatus(protocol.HwNominal)
	go engine.Run()
}

// announcer relays the replication engine's EXT_DRIVE_* announcements to
// the coordinator as a DATA message, matching
// Message.sys_ext_drive_in_use() etc.
type announcer struct{ rt *agentrt.Runtime }

func (a announcer) Announce(what string) {
	a.rt.Send(protocol.NewData(what))
}

// Package agentrt is the per-device agent skeleton spec.md §4.2
// describes: every FRAICAP agent binary is a thin `Device` implementation
// wrapped by a `Runtime` that supplies identical lifecycle, control-channel
// I/O, file rotation, and health-reporting behavior, grounded on the
// original `hwagent.AbstractHWAgent` and the teacher's goroutine/channel
// idioms for background workers (cmd/radar, internal/serialmux).
package agentrt

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
)

// FileStats carries per-segment statistics a device publishes through its
// PreCaptureFileUpdate hook (spec.md Design Notes §9), e.g. the LiDAR
// agent's lost-packet and invalid-block percentages.
type FileStats struct {
	Values map[string]any
}

// Device is the 5-ish hooks spec.md's Design Notes §9 says every
// device-specific driver supplies; Runtime implements everything else.
type Device interface {
	// Configure is called once, before ConnectHW, with the device's
	// slice of the agents config document. rt is retained by the device
	// so it can call rt.Enqueue, rt.IsCapturing, rt.SetHwStatus, etc.
	Configure(rt *Runtime, cfg config.AgentConfig) error
	ConnectHW() error
	DisconnectHW()
	CheckHWConnected() bool
	StartStreaming()
	StopStreaming()
	// PreCaptureFileUpdate runs synchronously between END_CAPTURE and
	// NEW_CAPTURE so per-segment statistics are published before the new
	// file's header is written.
	PreCaptureFileUpdate(stats *FileStats)
	OutputFileName() string
	OutputIsBinary() bool
	OutputHeader() []byte // nil for binary agents
	// HandleManagerMessage receives any message the runtime's fixed
	// protocol table (spec.md §4.2) doesn't itself handle.
	HandleManagerMessage(msg protocol.Message)
}

const (
	watchdogInterval = time.Second
	writerIdleSleep  = 100 * time.Millisecond
	reconnectBackoff = time.Second
	// softQueueCap bounds the sample queue to roughly one second of
	// samples at a generous device rate, per spec.md §5 Backpressure.
	softQueueCap = 2000
)

// Runtime is the generic agent process skeleton.
type Runtime struct {
	Name   string
	Device Device
	cfg    config.AgentConfig

	mu              sync.Mutex
	agentStatus     protocol.AgentStatus
	hwStatus        protocol.HwStatus
	capturing       bool
	managerOnline   bool
	hwConnected     bool
	currentDir      string
	file            *os.File
	reconnecting    bool
	brokenPipeLogged bool

	queueMu sync.Mutex
	queue   [][]byte
	queueCV *sync.Cond
	dropWarned bool

	quit     chan struct{}
	quitOnce sync.Once

	connMu sync.Mutex
	conn   net.Conn
	writer *protocol.Writer
}

// New builds a Runtime for the named agent. Device must be fully
// constructed (but not yet Configure'd) before calling Run.
func New(name string, device Device, cfg config.AgentConfig) *Runtime {
	rt := &Runtime{
		Name:        name,
		Device:      device,
		cfg:         cfg,
		agentStatus: protocol.AgentStarting,
		hwStatus:    protocol.HwNotConnected,
		quit:        make(chan struct{}),
	}
	rt.queueCV = sync.NewCond(&rt.queueMu)
	return rt
}

// Run blocks until the hardware-connect retry budget is exceeded (fatal,
// non-zero return) or the process is asked to quit (nil return).
func (rt *Runtime) Run() error {
	if err := rt.Device.Configure(rt, rt.cfg); err != nil {
		return fmt.Errorf("%s: configure: %w", rt.Name, err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", rt.cfg.GetLocalPort()))
	if err != nil {
		return fmt.Errorf("%s: listen on port %d: %w", rt.Name, rt.cfg.GetLocalPort(), err)
	}
	defer ln.Close()

	if err := rt.connectHWWithRetries(); err != nil {
		return err
	}
	rt.Device.StartStreaming()
	defer rt.Device.StopStreaming()

	go rt.acceptLoop(ln)
	go rt.watchdogLoop()
	go rt.fileWriterLoop()

	<-rt.quit
	return nil
}

// Stop requests an orderly shutdown; safe to call more than once.
func (rt *Runtime) Stop() {
	rt.quitOnce.Do(func() { close(rt.quit) })
}

func (rt *Runtime) connectHWWithRetries() error {
	max := rt.cfg.GetHWConnectionRetries()
	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		if err := rt.Device.ConnectHW(); err != nil {
			lastErr = err
			monitoring.Logf("%s: hw connect attempt %d/%d failed: %v", rt.Name, attempt+1, max+1, err)
			time.Sleep(reconnectBackoff)
			continue
		}
		rt.setHWConnected(true)
		return nil
	}
	return fmt.Errorf("%s: hardware connect failed after %d attempts: %w", rt.Name, max+1, lastErr)
}

// ---- status / lifecycle ----

func (rt *Runtime) setHWConnected(ok bool) {
	rt.mu.Lock()
	rt.hwConnected = ok
	if ok {
		rt.hwStatus = protocol.HwNominal
	} else {
		rt.hwStatus = protocol.HwNotConnected
	}
	rt.recomputeAgentStatusLocked()
	rt.mu.Unlock()
}

// SetHwStatus lets a device driver report degraded/error health without
// implying a full disconnect (e.g. LiDAR loss-rate over threshold).
func (rt *Runtime) SetHwStatus(s protocol.HwStatus) {
	rt.mu.Lock()
	rt.hwStatus = s
	if s == protocol.HwNotConnected || s == protocol.HwError {
		rt.hwConnected = s != protocol.HwNotConnected
	}
	rt.recomputeAgentStatusLocked()
	rt.mu.Unlock()
}

func (rt *Runtime) HwStatus() protocol.HwStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.hwStatus
}

func (rt *Runtime) AgentStatus() protocol.AgentStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.agentStatus
}

// recomputeAgentStatusLocked implements spec.md §4.2's lifecycle table.
// Caller must hold rt.mu.
func (rt *Runtime) recomputeAgentStatusLocked() {
	switch {
	case !rt.managerOnline || !rt.hwConnected:
		rt.agentStatus = protocol.AgentStarting
	case rt.capturing:
		rt.agentStatus = protocol.AgentCapturing
	default:
		rt.agentStatus = protocol.AgentStandBy
	}
}

// IsCapturing reports whether the runtime is between START_CAPTURE and
// END_CAPTURE.
func (rt *Runtime) IsCapturing() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.capturing
}

// CurrentDir returns the directory of the currently-open segment, or ""
// if none is open.
func (rt *Runtime) CurrentDir() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.currentDir
}

// ---- sample queue ----

// Enqueue appends a fully-formatted sample (a CSV row without its line
// terminator, or a raw binary block) to the file-writer queue. Beyond
// softQueueCap the oldest sample is dropped with a (rate-limited)
// warning, per spec.md §5 Backpressure.
func (rt *Runtime) Enqueue(sample []byte) {
	rt.queueMu.Lock()
	if len(rt.queue) >= softQueueCap {
		rt.queue = rt.queue[1:]
		if !rt.dropWarned {
			monitoring.Logf("%s: sample queue over capacity (%d), dropping oldest samples", rt.Name, softQueueCap)
			rt.dropWarned = true
		}
	} else {
		rt.dropWarned = false
	}
	rt.queue = append(rt.queue, sample)
	rt.queueCV.Signal()
	rt.queueMu.Unlock()
}

func (rt *Runtime) dequeue() ([]byte, bool) {
	rt.queueMu.Lock()
	defer rt.queueMu.Unlock()
	if len(rt.queue) == 0 {
		return nil, false
	}
	sample := rt.queue[0]
	rt.queue = rt.queue[1:]
	return sample, true
}

func (rt *Runtime) fileWriterLoop() {
	for {
		select {
		case <-rt.quit:
			return
		default:
		}
		sample, ok := rt.dequeue()
		if !ok {
			time.Sleep(writerIdleSleep)
			continue
		}
		rt.writeSample(sample)
	}
}

func (rt *Runtime) writeSample(sample []byte) {
	rt.mu.Lock()
	f := rt.file
	binary := rt.Device.OutputIsBinary()
	rt.mu.Unlock()
	if f == nil {
		return // no segment file open (before the first NEW_CAPTURE, or after a failed rotation)
	}
	if _, err := f.Write(sample); err != nil {
		monitoring.Logf("%s: write sample: %v", rt.Name, err)
		return
	}
	if !binary {
		f.Write([]byte("\r\n"))
	}
}

// ---- file rotation ----

func (rt *Runtime) rotate(dir string) error {
	// The hook runs before rt.mu is taken, since drivers call back into
	// the runtime (e.g. SetHwStatus) from it.
	stats := &FileStats{Values: map[string]any{}}
	rt.Device.PreCaptureFileUpdate(stats)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.file != nil {
		rt.file.Sync()
		rt.file.Close()
		rt.file = nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s: mkdir %s: %w", rt.Name, dir, err)
	}
	name := filepath.Join(dir, rt.Device.OutputFileName())
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("%s: create %s: %w", rt.Name, name, err)
	}
	if !rt.Device.OutputIsBinary() {
		if header := rt.Device.OutputHeader(); header != nil {
			f.Write(header)
			f.Write([]byte("\r\n"))
		}
	}
	rt.file = f
	rt.currentDir = dir
	return nil
}

// ---- control channel ----

func (rt *Runtime) acceptLoop(ln net.Listener) {
	for {
		select {
		case <-rt.quit:
			return
		default:
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-rt.quit:
				return
			default:
				monitoring.Logf("%s: accept: %v", rt.Name, err)
				continue
			}
		}
		rt.handleConn(conn)
	}
}

func (rt *Runtime) handleConn(conn net.Conn) {
	rt.connMu.Lock()
	rt.conn = conn
	rt.writer = protocol.NewWriter(conn)
	rt.connMu.Unlock()

	rt.mu.Lock()
	rt.managerOnline = true
	rt.brokenPipeLogged = false
	rt.recomputeAgentStatusLocked()
	rt.mu.Unlock()

	reader := protocol.NewReader(conn)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			break
		}
		rt.dispatch(msg)
	}

	conn.Close()
	rt.connMu.Lock()
	if rt.conn == conn {
		rt.conn = nil
		rt.writer = nil
	}
	rt.connMu.Unlock()

	rt.mu.Lock()
	rt.managerOnline = false
	rt.recomputeAgentStatusLocked()
	rt.mu.Unlock()
}

// Send writes msg to the manager over the current control channel.
// Best-effort: a broken pipe is dropped and logged at most once per
// reconnect epoch (spec.md §4.2 writer contract).
func (rt *Runtime) Send(msg protocol.Message) {
	rt.connMu.Lock()
	w := rt.writer
	rt.connMu.Unlock()
	if w == nil {
		return
	}
	if err := w.WriteMessage(msg); err != nil {
		rt.mu.Lock()
		already := rt.brokenPipeLogged
		rt.brokenPipeLogged = true
		rt.mu.Unlock()
		if !already {
			monitoring.Logf("%s: send: %v (dropping until reconnect)", rt.Name, err)
		}
	}
}

// dispatch implements spec.md §4.2's fixed incoming-message table.
func (rt *Runtime) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeQueryAgentState:
		rt.Send(protocol.NewAgentState(rt.AgentStatus()))
	case protocol.TypeQueryHwState:
		rt.Send(protocol.NewHwState(rt.HwStatus()))
	case protocol.TypeQuit:
		rt.Stop()
	case protocol.TypeNewCapture:
		if path, ok := msg.ArgString(); ok {
			if err := rt.rotate(path); err != nil {
				monitoring.Logf("%s: rotate: %v", rt.Name, err)
			}
		}
	case protocol.TypeStartCapture:
		rt.mu.Lock()
		rt.capturing = true
		rt.recomputeAgentStatusLocked()
		rt.mu.Unlock()
	case protocol.TypeEndCapture:
		rt.mu.Lock()
		rt.capturing = false
		rt.recomputeAgentStatusLocked()
		rt.mu.Unlock()
	default:
		rt.Device.HandleManagerMessage(msg)
	}
}

// ---- hardware watchdog / reconnection ----

func (rt *Runtime) watchdogLoop() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.quit:
			return
		case <-ticker.C:
		}
		if rt.Device.CheckHWConnected() {
			continue
		}
		rt.setHWConnected(false)
		rt.mu.Lock()
		alreadyReconnecting := rt.reconnecting
		rt.reconnecting = true
		rt.mu.Unlock()
		if alreadyReconnecting {
			continue
		}
		go rt.reconnectHW()
	}
}

func (rt *Runtime) reconnectHW() {
	defer func() {
		rt.mu.Lock()
		rt.reconnecting = false
		rt.mu.Unlock()
	}()
	rt.Device.DisconnectHW()
	if err := rt.connectHWWithRetries(); err != nil {
		monitoring.Logf("%s: fatal: %v", rt.Name, err)
		os.Exit(1)
	}
}

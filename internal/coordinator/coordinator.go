// Package coordinator implements FRAICAP's top-level capture state
// machine: spec.md §4.4's STARTING/STAND_BY/CAPTURING/WAITING_SPEED FSM,
// session/segment bookkeeping, and the bootstrap sequence that spawns
// and dials every enabled agent. Grounded on the "latest/most-featured"
// `manager.py` variant per spec.md §9's Design Notes.
package coordinator

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fraicap/fraicap/internal/catalog"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/gpsfix"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
	"github.com/fraicap/fraicap/internal/proxy"
	"github.com/fraicap/fraicap/internal/segment"
)

// State is one of the four FSM states spec.md §4.4 names.
type State string

const (
	StateStarting     State = "STARTING"
	StateStandBy      State = "STAND_BY"
	StateCapturing    State = "CAPTURING"
	StateWaitingSpeed State = "WAITING_SPEED"
)

// Coords is a WGS-84 point, used for segment start/end coordinates.
type Coords struct {
	Lon, Lat float64
}

const tickInterval = 50 * time.Millisecond

// Manager is the capture coordinator.
type Manager struct {
	cfg       *config.ManagerConfig
	agentsCfg config.AgentsConfig
	cat       *catalog.DB
	sysID     string
	runID     string
	engine    *segment.Engine

	proxyMu sync.Mutex
	proxies map[string]*proxy.AgentProxy

	mu             sync.Mutex
	state          State
	session        string
	segmentCounter int
	currentFolio   string
	currentDir     string
	segmentStart   time.Time
	startCoord     Coords
	lastCoord      Coords
	lidarLossPct   *float64
	lidarInvalid   *float64

	commands chan byte
	quit     chan struct{}
	quitOnce sync.Once
	procs    []*exec.Cmd
}

// New builds a Manager. Call AddProxy for every enabled agent, then Run.
func New(cfg *config.ManagerConfig, agentsCfg config.AgentsConfig, cat *catalog.DB, sysID string) *Manager {
	cap := cfg.Capture
	return &Manager{
		cfg:       cfg,
		agentsCfg: agentsCfg,
		cat:       cat,
		sysID:     sysID,
		runID:     uuid.New().String(),
		engine: segment.New(cap.GetSplittingDistance(), cap.GetPauseSpeed(),
			cap.GetResumeSpeed(), cap.GetSplittingTime()),
		proxies:  make(map[string]*proxy.AgentProxy),
		state:    StateStarting,
		commands: make(chan byte, 8),
		quit:     make(chan struct{}),
	}
}

// RunID returns the coordinator's process-lifetime correlation id,
// generated fresh on every New (grounded on the teacher's
// internal/lidar.AnalysisRunManager's `uuid.New().String()` run-id
// pattern). SpawnAgents logs it once and passes it to every spawned
// agent as the FRAICAP_RUN_ID environment variable; the agent binaries
// do not read it.
func (m *Manager) RunID() string { return m.runID }

// AddProxy registers the proxy for one enabled agent name (e.g. "gps",
// "atmega", "os1_lidar").
func (m *Manager) AddProxy(name string, p *proxy.AgentProxy) {
	m.proxyMu.Lock()
	m.proxies[name] = p
	m.proxyMu.Unlock()
}

func (m *Manager) proxy(name string) *proxy.AgentProxy {
	m.proxyMu.Lock()
	defer m.proxyMu.Unlock()
	return m.proxies[name]
}

func (m *Manager) enabledProxies() map[string]*proxy.AgentProxy {
	m.proxyMu.Lock()
	defer m.proxyMu.Unlock()
	out := make(map[string]*proxy.AgentProxy, len(m.proxies))
	for k, v := range m.proxies {
		out[k] = v
	}
	return out
}

// SpawnAgents launches one child process per enabled agent, named
// agent-<name> and looked up on PATH (or next to the manager binary),
// matching spec.md Design Notes §9's "subprocess spawning of agents".
// A missing binary is logged, not fatal: the agent simply never reaches
// STAND_BY, which only blocks startup if it's a critical agent.
func (m *Manager) SpawnAgents() {
	monitoring.Logf("coordinator: run %s starting", m.runID)
	self, _ := os.Executable()
	selfDir := filepath.Dir(self)
	for _, name := range config.Names() {
		if !m.cfg.UseAgents.Enabled(name) {
			continue
		}
		binName := "agent-" + name
		binName = normalizeAgentBinName(binName)
		path, err := exec.LookPath(binName)
		if err != nil {
			alt := filepath.Join(selfDir, binName)
			if _, statErr := os.Stat(alt); statErr == nil {
				path = alt
			} else {
				monitoring.Logf("coordinator: agent binary %s not found: %v", binName, err)
				continue
			}
		}
		cmd := exec.Command(path)
		cmd.Stdout = logWriter{prefix: name}
		cmd.Stderr = logWriter{prefix: name}
		cmd.Env = append(os.Environ(), "FRAICAP_RUN_ID="+m.runID)
		if err := cmd.Start(); err != nil {
			monitoring.Logf("coordinator: start %s: %v", binName, err)
			continue
		}
		m.procs = append(m.procs, cmd)
		monitoring.Logf("coordinator: spawned %s (pid %d)", binName, cmd.Process.Pid)
	}
}

func normalizeAgentBinName(name string) string {
	// "agent-os1_lidar" -> "agent-os1-lidar": binary names use dashes.
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '_' {
			out = append(out, '-')
		} else {
			out = append(out, name[i])
		}
	}
	return string(out)
}

type logWriter struct{ prefix string }

func (w logWriter) Write(p []byte) (int, error) {
	monitoring.Logf("[%s] %s", w.prefix, string(p))
	return len(p), nil
}

// CriticalAgents must reach STAND_BY before the coordinator leaves
// STARTING (spec.md §4.4).
func (m *Manager) criticalAgentsReady() bool {
	for _, name := range config.CriticalAgents() {
		if !m.cfg.UseAgents.Enabled(name) {
			continue
		}
		p := m.proxy(name)
		if p == nil || p.AgentStatus() != protocol.AgentStandBy {
			return false
		}
	}
	return true
}

// Enqueue records a keyboard or button-mapped command ('s', 'f', 'q')
// for the FSM loop to process at its next tick.
func (m *Manager) Enqueue(cmd byte) {
	select {
	case m.commands <- cmd:
	default:
		monitoring.Logf("coordinator: command queue full, dropping %q", cmd)
	}
}

// Run starts every background loop and blocks until QUIT is processed.
// Before anything else, it hands the catalog DB path to the data-copy
// agent (spec.md Design Notes §9 bootstrap step 6, grounded on
// manager.py.run's self.agents.DATA_COPY.send_data(...)) so its
// replication loop can open the same database this process writes to.
func (m *Manager) Run() {
	if dc := m.proxy("data_copy"); dc != nil {
		dc.Send(protocol.NewData(m.cfg.SQLite.GetDBFile()))
	}
	go m.gpsConsumerLoop()
	go m.lidarStatsLoop()
	go m.checkHWLoop()
	go m.buttonLoop()
	go m.dataCopyRelayLoop()
	m.fsmLoop()
}

// Stop requests the FSM loop to exit; safe to call more than once.
func (m *Manager) Stop() {
	m.quitOnce.Do(func() { close(m.quit) })
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// fsmLoop processes events at a fixed polling order per spec.md §5
// Ordering guarantees: user command -> segment_ended -> motion edge,
// at most one transition per tick.
func (m *Manager) fsmLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			m.teardown()
			return
		case <-ticker.C:
		}
		m.tick()
	}
}

func (m *Manager) tick() {
	if m.State() == StateStarting {
		select {
		case cmd := <-m.commands:
			m.handleCommand(cmd) // only 'q' has an effect before STAND_BY
			return
		default:
		}
		if m.criticalAgentsReady() {
			m.setState(StateStandBy)
		}
		return
	}

	select {
	case cmd := <-m.commands:
		m.handleCommand(cmd)
		return
	default:
	}

	select {
	case <-m.engine.SegmentEnded:
		m.onSegmentEnded()
		return
	default:
	}

	select {
	case moving := <-m.engine.MotionChanged:
		m.onMotionChanged(moving)
		return
	default:
	}
}

func (m *Manager) handleCommand(cmd byte) {
	if cmd == 'q' {
		m.broadcast(protocol.NewQuit())
		time.Sleep(1 * time.Second)
		m.Stop()
		return
	}

	state := m.State()
	switch {
	case state == StateStandBy && cmd == 's':
		m.newSession()
		m.setState(StateWaitingSpeed)
	case state == StateStandBy && cmd == 'f':
		m.newSession()
		if err := m.newSegment(); err != nil {
			monitoring.Logf("coordinator: new_segment: %v", err)
			return
		}
		m.broadcast(protocol.NewStartCapture())
		m.setState(StateCapturing)
	case state == StateWaitingSpeed && cmd == 's':
		m.broadcast(protocol.NewEndCapture())
		m.setState(StateStandBy)
	case state == StateCapturing && cmd == 's':
		m.broadcast(protocol.NewEndCapture())
		if err := m.updateSegmentRecord(catalog.StatusCapOK); err != nil {
			monitoring.Logf("coordinator: update_segment_record: %v", err)
		}
		m.setState(StateStandBy)
	}
}

func (m *Manager) onSegmentEnded() {
	if m.State() != StateCapturing {
		return
	}
	if err := m.updateSegmentRecord(catalog.StatusCapOK); err != nil {
		monitoring.Logf("coordinator: update_segment_record: %v", err)
	}
	if err := m.newSegment(); err != nil {
		monitoring.Logf("coordinator: new_segment: %v", err)
		return
	}
}

func (m *Manager) onMotionChanged(moving bool) {
	switch {
	case m.State() == StateWaitingSpeed && moving:
		if err := m.newSegment(); err != nil {
			monitoring.Logf("coordinator: new_segment: %v", err)
			return
		}
		m.broadcast(protocol.NewStartCapture())
		m.setState(StateCapturing)
	case m.State() == StateCapturing && !moving:
		m.broadcast(protocol.NewEndCapture())
		m.setState(StateWaitingSpeed)
	}
}

// newSession assigns a fresh hh.mm.ss session label and resets the
// per-session segment counter (spec.md §4.4 STAND_BY->WAITING_SPEED/
// CAPTURING side effect).
func (m *Manager) newSession() {
	m.mu.Lock()
	m.session = time.Now().Format("15.04.05")
	m.segmentCounter = 0
	m.mu.Unlock()
}

// newSegment implements spec.md §4.4's new_segment exactly.
func (m *Manager) newSegment() error {
	now := time.Now()

	m.mu.Lock()
	if fix := m.engine.LastFix(); fix != nil {
		m.startCoord = Coords{Lon: fix.Longitude, Lat: fix.Latitude}
	}
	m.segmentCounter++
	folio := fmt.Sprintf("A%s-%s", m.sysID, now.Format("060102150405"))
	dir := filepath.Join(m.cfg.Capture.GetOutputPath(), m.sysID,
		now.Format("2006.01.02"), m.session, fmt.Sprintf("%04d", m.segmentCounter))
	m.currentFolio = folio
	m.currentDir = dir
	m.segmentStart = now
	m.mu.Unlock()

	m.engine.ResetSegment(now)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir segment dir %s: %w", dir, err)
	}

	if err := m.cat.UpsertSegment(catalog.Segment{
		Folio:     folio,
		Timestamp: now.Unix(),
		Estado:    catalog.StatusCapturing,
		Dir:       dir,
		LonIni:    m.startCoord.Lon,
		LatIni:    m.startCoord.Lat,
	}); err != nil {
		return fmt.Errorf("seed segment row %s: %w", folio, err)
	}

	m.broadcast(protocol.NewCapture(dir))
	return nil
}

// updateSegmentRecord implements spec.md §4.4's update_segment_record:
// computes duration/distance for the just-closed segment, reads end
// coordinates, and upserts before the next new_segment runs.
func (m *Manager) updateSegmentRecord(status catalog.SegmentStatus) error {
	now := time.Now()

	m.mu.Lock()
	folio := m.currentFolio
	dir := m.currentDir
	start := m.segmentStart
	startCoord := m.startCoord
	endCoord := m.lastCoord
	if fix := m.engine.LastFix(); fix != nil {
		endCoord = Coords{Lon: fix.Longitude, Lat: fix.Latitude}
	}
	lidarLossPct := m.lidarLossPct
	lidarInvalid := m.lidarInvalid
	m.lidarLossPct = nil
	m.lidarInvalid = nil
	m.mu.Unlock()

	if folio == "" {
		return nil // no segment open yet (e.g. 's' pressed before any motion)
	}

	duration := int64(math.Floor(now.Sub(start).Seconds()))
	if duration < 0 {
		duration = 0
	}
	distance := m.engine.DistanceAccum()
	if distance < 0 {
		distance = 0
	}

	seg := catalog.Segment{
		Folio:           folio,
		Timestamp:       start.Unix(),
		Estado:          status,
		Dir:             dir,
		DuracionS:       duration,
		DistanciaM:      distance,
		LonIni:          startCoord.Lon,
		LatIni:          startCoord.Lat,
		LonFin:          endCoord.Lon,
		LatFin:          endCoord.Lat,
		LidarLossPct:    lidarLossPct,
		LidarInvalidPct: lidarInvalid,
	}
	if p50, p85, ok := m.engine.SpeedPercentiles(); ok {
		seg.P50Speed = &p50
		seg.P85Speed = &p85
	}

	return m.cat.UpsertSegment(seg)
}

// broadcast sends msg to every enabled agent's proxy.
func (m *Manager) broadcast(msg protocol.Message) {
	for _, p := range m.enabledProxies() {
		p.Send(msg)
	}
}

// gpsConsumerLoop feeds every GPS DATA message into the segmentation
// engine and tracks the last-known coordinate for segment finalization.
func (m *Manager) gpsConsumerLoop() {
	gps := m.proxy("gps")
	if gps == nil {
		return
	}
	for {
		v, ok := gps.RecvData()
		if !ok {
			return
		}
		fix, err := gpsfix.FromArg(v)
		if err != nil {
			monitoring.Logf("coordinator: decode gps fix: %v", err)
			continue
		}
		m.mu.Lock()
		m.lastCoord = Coords{Lon: fix.Longitude, Lat: fix.Latitude}
		m.mu.Unlock()
		m.engine.Observe(fix, time.Now())
	}
}

// lidarStatsLoop relays the LiDAR agent's per-segment loss/invalid-block
// percentages (published by its PreCaptureFileUpdate hook) into the
// catalog's optional per-segment stats columns (spec.md §6).
func (m *Manager) lidarStatsLoop() {
	lidar := m.proxy("os1_lidar")
	if lidar == nil {
		return
	}
	for {
		v, ok := lidar.RecvData()
		if !ok {
			return
		}
		stats, ok := protocol.Message{Type: protocol.TypeData, Arg: v}.ArgMap()
		if !ok {
			continue
		}
		m.mu.Lock()
		if loss, ok := stats["lidar_loss_pct"].(float64); ok {
			m.lidarLossPct = &loss
		}
		if invalid, ok := stats["lidar_invalid_pct"].(float64); ok {
			m.lidarInvalid = &invalid
		}
		m.mu.Unlock()
	}
}

// checkHWLoop aggregates every enabled agent's HwStatus into a single
// SYS_ONLINE/SYS_OFFLINE/SYS_ERROR indicator pushed to the panel agent,
// grounded on manager.py.check_hw.
func (m *Manager) checkHWLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}
		atmega := m.proxy("atmega")
		if atmega == nil {
			continue
		}
		atmega.Send(protocol.NewSysState(m.aggregateSysStatus()))
	}
}

func (m *Manager) aggregateSysStatus() protocol.SysStatus {
	worst := protocol.SysOnline
	for name, p := range m.enabledProxies() {
		if name == "atmega" {
			continue
		}
		switch p.HwStatus() {
		case protocol.HwError, protocol.HwNotConnected:
			if config.CriticalAgentsContain(name) {
				return protocol.SysError
			}
			worst = protocol.SysOffline
		}
	}
	return worst
}

// buttonLoop maps the ATMEGA panel's single-button DATA event onto the
// 's' keyboard command (spec.md §4.4 "ATMEGA single-button mapped to
// s").
func (m *Manager) buttonLoop() {
	atmega := m.proxy("atmega")
	if atmega == nil {
		return
	}
	for {
		v, ok := atmega.RecvData()
		if !ok {
			return
		}
		if s, ok := v.(string); ok && s == "bSingleButton" {
			m.Enqueue('s')
		}
	}
}

// dataCopyRelayLoop forwards the replication agent's DATA announcements
// (EXT_DRIVE_IN_USE / EXT_DRIVE_NOT_IN_USE / EXT_DRIVE_FULL) to the
// panel agent as SYS_STATE, grounded on manager.py.check_data_copy.
func (m *Manager) dataCopyRelayLoop() {
	dc := m.proxy("data_copy")
	atmega := m.proxy("atmega")
	if dc == nil || atmega == nil {
		return
	}
	for {
		v, ok := dc.RecvData()
		if !ok {
			return
		}
		if s, ok := v.(string); ok {
			atmega.Send(protocol.NewSysState(protocol.SysStatus(s)))
		}
	}
}

func (m *Manager) teardown() {
	for _, cmd := range m.procs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

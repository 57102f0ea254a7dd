package coordinator

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fraicap/fraicap/internal/catalog"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/protocol"
	"github.com/fraicap/fraicap/internal/proxy"
)

// fakeAgentServer is a trivial control-channel server a test proxy can
// dial; it replies STAND_BY to state queries and otherwise just drains.
type fakeAgentServer struct {
	ln      net.Listener
	dataMsg *protocol.Message
}

func startFakeAgentServer(t *testing.T) *fakeAgentServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeAgentServer{ln: ln}
	go s.acceptLoop(t)
	return s
}

func (s *fakeAgentServer) acceptLoop(t *testing.T) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *fakeAgentServer) serve(conn net.Conn) {
	defer conn.Close()
	writer := protocol.NewWriter(conn)
	writer.WriteMessage(protocol.NewAgentState(protocol.AgentStandBy))
	if s.dataMsg != nil {
		writer.WriteMessage(*s.dataMsg)
	}
	reader := protocol.NewReader(conn)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.TypeQueryAgentState:
			writer.WriteMessage(protocol.NewAgentState(protocol.AgentStandBy))
		case protocol.TypeQueryHwState:
			writer.WriteMessage(protocol.NewHwState(protocol.HwNominal))
		}
	}
}

func (s *fakeAgentServer) addr() string {
	return s.ln.Addr().String()
}

func newTestManager(t *testing.T) (*Manager, string) {
	mgr, outPath, _ := newTestManagerWithServers(t, nil)
	return mgr, outPath
}

// newTestManagerWithServers is like newTestManager but lets the caller
// pre-seed a DATA message each named agent's fake server sends right
// after connecting (before any proxy has dialed it), avoiding a race
// between the test setting it and the agent server reading it.
func newTestManagerWithServers(t *testing.T, dataMsgs map[string]protocol.Message) (*Manager, string, map[string]*fakeAgentServer) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	outPath := filepath.Join(dir, "capture")
	splitDist := 100.0
	splitTime := 3600.0
	pause := 1.5
	resume := 2.5
	cfg := &config.ManagerConfig{
		Capture: config.CaptureConfig{
			OutputPath:        &outPath,
			SplittingDistance: &splitDist,
			SplittingTime:     &splitTime,
			PauseSpeed:        &pause,
			ResumeSpeed:       &resume,
		},
	}
	mgr := New(cfg, config.AgentsConfig{}, cat, "01")

	servers := make(map[string]*fakeAgentServer)
	for _, name := range []string{"gps", "atmega", "os1_lidar"} {
		srv := startFakeAgentServer(t)
		if msg, ok := dataMsgs[name]; ok {
			srv.dataMsg = &msg
		}
		t.Cleanup(func() { srv.ln.Close() })
		servers[name] = srv
		p := proxy.New(name, srv.addr())
		go p.Run()
		t.Cleanup(p.Stop)
		mgr.AddProxy(name, p)
	}

	return mgr, outPath, servers
}

func TestForceStartCreatesSegmentAndEndsCleanly(t *testing.T) {
	mgr, outPath := newTestManager(t)
	go mgr.Run()
	defer mgr.Stop()

	require.Eventually(t, func() bool { return mgr.State() == StateStandBy }, 2*time.Second, 10*time.Millisecond)

	mgr.Enqueue('f')
	require.Eventually(t, func() bool { return mgr.State() == StateCapturing }, time.Second, 10*time.Millisecond)

	mgr.mu.Lock()
	dir := mgr.currentDir
	folio := mgr.currentFolio
	mgr.mu.Unlock()
	require.NotEmpty(t, dir)
	require.Contains(t, dir, outPath)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	seg, err := mgr.cat.Get(folio)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusCapturing, seg.Estado)

	mgr.Enqueue('s')
	require.Eventually(t, func() bool { return mgr.State() == StateStandBy }, time.Second, 10*time.Millisecond)

	seg, err = mgr.cat.Get(folio)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusCapOK, seg.Estado)
}

func TestLidarStatsFoldIntoFinalizedSegment(t *testing.T) {
	lidarData := protocol.NewData(map[string]any{
		"lidar_loss_pct":    2.5,
		"lidar_invalid_pct": 0.75,
	})
	mgr, _, _ := newTestManagerWithServers(t, map[string]protocol.Message{"os1_lidar": lidarData})
	go mgr.Run()
	defer mgr.Stop()

	require.Eventually(t, func() bool { return mgr.State() == StateStandBy }, 2*time.Second, 10*time.Millisecond)

	mgr.Enqueue('f')
	require.Eventually(t, func() bool { return mgr.State() == StateCapturing }, time.Second, 10*time.Millisecond)

	mgr.mu.Lock()
	folio := mgr.currentFolio
	mgr.mu.Unlock()

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.lidarLossPct != nil
	}, time.Second, 10*time.Millisecond)

	mgr.Enqueue('s')
	require.Eventually(t, func() bool { return mgr.State() == StateStandBy }, time.Second, 10*time.Millisecond)

	seg, err := mgr.cat.Get(folio)
	require.NoError(t, err)
	require.NotNil(t, seg.LidarLossPct)
	require.InDelta(t, 2.5, *seg.LidarLossPct, 1e-9)
	require.NotNil(t, seg.LidarInvalidPct)
	require.InDelta(t, 0.75, *seg.LidarInvalidPct, 1e-9)
}

func TestRunIDIsUniquePerManager(t *testing.T) {
	mgr1, _ := newTestManager(t)
	mgr2, _ := newTestManager(t)
	require.NotEmpty(t, mgr1.RunID())
	require.NotEmpty(t, mgr2.RunID())
	require.NotEqual(t, mgr1.RunID(), mgr2.RunID())
}

func TestQuitTransitionsOutOfAnyState(t *testing.T) {
	mgr, _ := newTestManager(t)
	done := make(chan struct{})
	go func() {
		mgr.Run()
		close(done)
	}()

	require.Eventually(t, func() bool { return mgr.State() == StateStandBy }, 2*time.Second, 10*time.Millisecond)
	mgr.Enqueue('q')

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after QUIT")
	}
}

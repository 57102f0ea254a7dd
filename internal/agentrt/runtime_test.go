package agentrt

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/protocol"
)

type fakeDevice struct {
	mu           sync.Mutex
	configured   bool
	hwConnected  bool
	streaming    bool
	preCaptureN  int
	lastMessages []protocol.Message
}

func (d *fakeDevice) Configure(rt *Runtime, cfg config.AgentConfig) error {
	d.configured = true
	return nil
}
func (d *fakeDevice) ConnectHW() error     { d.hwConnected = true; return nil }
func (d *fakeDevice) DisconnectHW()        { d.hwConnected = false }
func (d *fakeDevice) CheckHWConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hwConnected
}
func (d *fakeDevice) StartStreaming() { d.streaming = true }
func (d *fakeDevice) StopStreaming()  { d.streaming = false }
func (d *fakeDevice) PreCaptureFileUpdate(stats *FileStats) {
	d.mu.Lock()
	d.preCaptureN++
	d.mu.Unlock()
}
func (d *fakeDevice) OutputFileName() string { return "out.csv" }
func (d *fakeDevice) OutputIsBinary() bool   { return false }
func (d *fakeDevice) OutputHeader() []byte   { return []byte("a;b;c") }
func (d *fakeDevice) HandleManagerMessage(msg protocol.Message) {
	d.mu.Lock()
	d.lastMessages = append(d.lastMessages, msg)
	d.mu.Unlock()
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeDevice, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	local := port
	cfg := config.AgentConfig{}
	cfg = setLocalPort(cfg, local)
	dev := &fakeDevice{}
	rt := New("test-agent", dev, cfg)
	return rt, dev, local
}

func setLocalPort(cfg config.AgentConfig, port int) config.AgentConfig {
	p := port
	cfg.LocalPort = &p
	return cfg
}

func TestLifecycleStartingToStandBy(t *testing.T) {
	rt, _, port := newTestRuntime(t)
	go rt.Run()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		return rt.AgentStatus() == protocol.AgentStarting || rt.AgentStatus() == protocol.AgentStandBy
	}, time.Second, 10*time.Millisecond)

	conn := dialAgent(t, port)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return rt.AgentStatus() == protocol.AgentStandBy
	}, time.Second, 10*time.Millisecond)
}

func TestQueryAgentStateReplies(t *testing.T) {
	rt, _, port := newTestRuntime(t)
	go rt.Run()
	defer rt.Stop()

	conn := dialAgent(t, port)
	defer conn.Close()

	require.Eventually(t, func() bool { return rt.AgentStatus() == protocol.AgentStandBy }, time.Second, 10*time.Millisecond)

	require.NoError(t, protocol.NewWriter(conn).WriteMessage(protocol.NewQueryAgentState()))
	reader := protocol.NewReader(bufio.NewReader(conn))
	msg, err := reader.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAgentState, msg.Type)
	s, ok := msg.ArgString()
	require.True(t, ok)
	require.Equal(t, string(protocol.AgentStandBy), s)
}

func TestNewCaptureRotatesFileWithHeader(t *testing.T) {
	rt, dev, port := newTestRuntime(t)
	go rt.Run()
	defer rt.Stop()

	conn := dialAgent(t, port)
	defer conn.Close()
	require.Eventually(t, func() bool { return rt.AgentStatus() == protocol.AgentStandBy }, time.Second, 10*time.Millisecond)

	dir := t.TempDir()
	segDir := filepath.Join(dir, "0001")
	require.NoError(t, protocol.NewWriter(conn).WriteMessage(protocol.NewCapture(segDir)))

	require.Eventually(t, func() bool {
		return rt.CurrentDir() == segDir
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, protocol.NewWriter(conn).WriteMessage(protocol.NewStartCapture()))
	require.Eventually(t, func() bool { return rt.IsCapturing() }, time.Second, 10*time.Millisecond)

	rt.Enqueue([]byte("1;2;3"))
	time.Sleep(200 * time.Millisecond)

	data, err := os.ReadFile(filepath.Join(segDir, "out.csv"))
	require.NoError(t, err)
	require.Contains(t, string(data), "a;b;c")
	require.Contains(t, string(data), "1;2;3")
	require.Equal(t, 1, dev.preCaptureN)
}

func TestQuitStopsRuntime(t *testing.T) {
	rt, _, port := newTestRuntime(t)
	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	conn := dialAgent(t, port)
	require.NoError(t, protocol.NewWriter(conn).WriteMessage(protocol.NewQuit()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after QUIT")
	}
}

func dialAgent(t *testing.T, port int) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", "127.0.0.1:"+itoa(port))
		return err == nil
	}, time.Second, 10*time.Millisecond)
	return conn
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

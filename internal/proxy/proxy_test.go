package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fraicap/fraicap/internal/protocol"
)

// fakeAgent is a minimal control-channel server standing in for a real
// agent, for proxy reconnect/poll/data tests.
type fakeAgent struct {
	ln net.Listener
}

func startFakeAgent(t *testing.T) (*fakeAgent, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeAgent{ln: ln}, ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeAgent) acceptOnce(t *testing.T, handler func(conn net.Conn)) {
	t.Helper()
	go func() {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		handler(conn)
	}()
}

func TestProxyReceivesStateAndData(t *testing.T) {
	agent, port := startFakeAgent(t)
	defer agent.ln.Close()

	agent.acceptOnce(t, func(conn net.Conn) {
		defer conn.Close()
		writer := protocol.NewWriter(conn)
		reader := protocol.NewReader(conn)
		writer.WriteMessage(protocol.NewAgentState(protocol.AgentStandBy))
		writer.WriteMessage(protocol.NewHwState(protocol.HwNominal))
		writer.WriteMessage(protocol.NewData("button:single"))
		for {
			if _, err := reader.ReadMessage(); err != nil {
				return
			}
		}
	})

	p := New("atmega", "127.0.0.1:"+portString(port))
	go p.Run()
	defer p.Stop()

	require.Eventually(t, func() bool { return p.AgentStatus() == protocol.AgentStandBy }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.HwStatus() == protocol.HwNominal }, time.Second, 10*time.Millisecond)

	v, ok := p.RecvData()
	require.True(t, ok)
	require.Equal(t, "button:single", v)
}

func TestProxyReconnectsAfterDisconnect(t *testing.T) {
	agent, port := startFakeAgent(t)
	defer agent.ln.Close()

	connected := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := agent.ln.Accept()
			if err != nil {
				return
			}
			connected <- struct{}{}
			conn.Close()
		}
	}()

	p := New("gps", "127.0.0.1:"+portString(port))
	go p.Run()
	defer p.Stop()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("first connect did not happen")
	}
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("proxy did not reconnect after disconnect")
	}
}

func TestProxyNotRespondingAfterMissedPolls(t *testing.T) {
	agent, port := startFakeAgent(t)
	defer agent.ln.Close()

	agent.acceptOnce(t, func(conn net.Conn) {
		defer conn.Close()
		writer := protocol.NewWriter(conn)
		writer.WriteMessage(protocol.NewAgentState(protocol.AgentStandBy))
		// Never reply to subsequent QUERY_AGENT_STATE polls.
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	p := New("imu", "127.0.0.1:"+portString(port))
	go p.Run()
	defer p.Stop()

	require.Eventually(t, func() bool { return p.AgentStatus() == protocol.AgentStandBy }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.AgentStatus() == protocol.AgentNotResponding }, 5*time.Second, 50*time.Millisecond)
}

func portString(port int) string {
	b := []byte{}
	n := port
	if n == 0 {
		return "0"
	}
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

// Package proxy is the coordinator-side representation of one remote
// agent: a reconnecting TCP client, an inbound demultiplexer caching the
// agent's last-known status, an unbounded data queue for DATA messages,
// and a 1s state poller — grounded on spec.md §4.3 and the original
// `messaging.AgentInterface`/`AgentProxies`.
package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/protocol"
)

const (
	dialRetryInterval = time.Second
	pollInterval      = time.Second
	missedPollsStale  = 2
)

// AgentProxy is one coordinator-side proxy for a single agent.
type AgentProxy struct {
	Name string
	Addr string

	mu               sync.Mutex
	agentStatus      protocol.AgentStatus
	hwStatus         protocol.HwStatus
	missedAgentPolls int
	missedHwPolls    int
	brokenPipeLogged bool

	dataMu sync.Mutex
	dataCV *sync.Cond
	data   []any

	connMu sync.Mutex
	conn   net.Conn
	writer *protocol.Writer

	quit     chan struct{}
	quitOnce sync.Once
}

// New builds a proxy for the agent named name, reachable at addr
// (typically 127.0.0.1:<local_port>).
func New(name, addr string) *AgentProxy {
	p := &AgentProxy{
		Name:        name,
		Addr:        addr,
		agentStatus: protocol.AgentStarting,
		hwStatus:    protocol.HwNotConnected,
		quit:        make(chan struct{}),
	}
	p.dataCV = sync.NewCond(&p.dataMu)
	return p
}

// Run dials the agent, reconnecting with a 1s backoff on any failure or
// disconnect, until Stop is called. Run is meant to be launched in its
// own goroutine.
func (p *AgentProxy) Run() {
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		conn, err := net.Dial("tcp", p.Addr)
		if err != nil {
			time.Sleep(dialRetryInterval)
			continue
		}
		p.connMu.Lock()
		p.conn = conn
		p.writer = protocol.NewWriter(conn)
		p.connMu.Unlock()
		p.mu.Lock()
		p.brokenPipeLogged = false
		p.mu.Unlock()
		monitoring.Logf("proxy %s: connected to %s", p.Name, p.Addr)

		go p.pollLoop(conn)
		p.receiveLoop(conn)

		p.connMu.Lock()
		p.conn = nil
		p.writer = nil
		p.connMu.Unlock()

		select {
		case <-p.quit:
			return
		default:
			time.Sleep(dialRetryInterval)
		}
	}
}

// Stop ends the reconnect loop. Safe to call more than once.
func (p *AgentProxy) Stop() {
	p.quitOnce.Do(func() { close(p.quit) })
	p.connMu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.connMu.Unlock()
	p.wakeDataWaiters()
}

func (p *AgentProxy) receiveLoop(conn net.Conn) {
	reader := protocol.NewReader(conn)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			return
		}
		p.handle(msg)
	}
}

func (p *AgentProxy) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeAgentState:
		if s, ok := msg.ArgString(); ok {
			p.mu.Lock()
			p.agentStatus = protocol.AgentStatus(s)
			p.missedAgentPolls = 0
			p.mu.Unlock()
		}
	case protocol.TypeHwState:
		if s, ok := msg.ArgString(); ok {
			p.mu.Lock()
			p.hwStatus = protocol.HwStatus(s)
			p.missedHwPolls = 0
			p.mu.Unlock()
		}
	case protocol.TypeData:
		p.pushData(msg.Arg)
	}
}

// pollLoop implements spec.md §4.3's state poller: alternate
// QUERY_AGENT_STATE / QUERY_HW_STATE every 1s. After two consecutive
// unanswered polls the agent status is marked NOT_RESPONDING and the hw
// status NOT_CONNECTED.
func (p *AgentProxy) pollLoop(conn net.Conn) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	queryHw := false
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}
		p.connMu.Lock()
		stillCurrent := p.conn == conn
		p.connMu.Unlock()
		if !stillCurrent {
			return
		}
		if queryHw {
			p.markPollSent(false)
			p.Send(protocol.NewQueryHwState())
		} else {
			p.markPollSent(true)
			p.Send(protocol.NewQueryAgentState())
		}
		queryHw = !queryHw
	}
}

func (p *AgentProxy) markPollSent(agent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if agent {
		p.missedAgentPolls++
		if p.missedAgentPolls >= missedPollsStale {
			p.agentStatus = protocol.AgentNotResponding
		}
	} else {
		p.missedHwPolls++
		if p.missedHwPolls >= missedPollsStale {
			p.hwStatus = protocol.HwNotConnected
		}
	}
}

// Send is best-effort: a broken pipe is dropped and logged at most once
// per reconnect epoch (the next successful Run() dial resets the flag).
func (p *AgentProxy) Send(msg protocol.Message) {
	p.connMu.Lock()
	w := p.writer
	p.connMu.Unlock()
	if w == nil {
		return
	}
	if err := w.WriteMessage(msg); err != nil {
		p.mu.Lock()
		already := p.brokenPipeLogged
		p.brokenPipeLogged = true
		p.mu.Unlock()
		if !already {
			monitoring.Logf("proxy %s: send: %v (dropping until reconnect)", p.Name, err)
		}
	}
}

func (p *AgentProxy) pushData(v any) {
	p.dataMu.Lock()
	p.data = append(p.data, v)
	p.dataCV.Signal()
	p.dataMu.Unlock()
}

// RecvData blocks until a DATA payload is available or stop closes,
// returning ok=false in the latter case.
func (p *AgentProxy) RecvData() (any, bool) {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	for len(p.data) == 0 {
		select {
		case <-p.quit:
			return nil, false
		default:
		}
		p.dataCV.Wait()
	}
	v := p.data[0]
	p.data = p.data[1:]
	return v, true
}

// TryRecvData returns immediately with ok=false if no DATA is queued.
func (p *AgentProxy) TryRecvData() (any, bool) {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	if len(p.data) == 0 {
		return nil, false
	}
	v := p.data[0]
	p.data = p.data[1:]
	return v, true
}

func (p *AgentProxy) AgentStatus() protocol.AgentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agentStatus
}

func (p *AgentProxy) HwStatus() protocol.HwStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hwStatus
}

// Connected reports whether the proxy currently holds a live connection.
func (p *AgentProxy) Connected() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn != nil
}

// wakeDataWaiters is called by Stop after closing p.quit: a consumer
// parked in RecvData's Cond.Wait needs this broadcast to wake, see quit
// closed and return.
func (p *AgentProxy) wakeDataWaiters() {
	p.dataMu.Lock()
	p.dataCV.Broadcast()
	p.dataMu.Unlock()
}

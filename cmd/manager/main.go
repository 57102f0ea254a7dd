// Command manager is the FRAICAP capture coordinator bootstrap binary:
// it loads the two configuration documents, opens the segment catalog,
// spawns one OS process per enabled device agent, dials each agent's
// proxy, and runs the capture state machine until told to quit.
// Grounded on manager.py.initialize/run and the teacher's cmd/radar.go
// flag/signal-handling idiom.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fraicap/fraicap/internal/catalog"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/coordinator"
	"github.com/fraicap/fraicap/internal/monitoring"
	"github.com/fraicap/fraicap/internal/proxy"
	"github.com/fraicap/fraicap/internal/version"
)

var versionFlag = flag.Bool("version", false, "print version information and exit")

// proxyConnectTimeout bounds how long the bootstrap waits for every
// enabled agent's proxy to report connected before starting the FSM
// anyway (non-critical agents may legitimately never show up).
const proxyConnectTimeout = 15 * time.Second

func main() {
	flag.Parse()
	if *versionFlag {
		fmt.Printf("fraicap-manager %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	managerConfigPath := "manager.yaml"
	agentsConfigPath := "agents.yaml"
	if args := flag.Args(); len(args) > 0 {
		managerConfigPath = args[0]
		if len(args) > 1 {
			agentsConfigPath = args[1]
		}
	}

	cfg, err := config.LoadManagerConfig(managerConfigPath)
	if err != nil {
		monitoring.Logf("manager: %v", err)
		os.Exit(1)
	}
	agentsCfg, err := config.LoadAgentsConfig(agentsConfigPath)
	if err != nil {
		monitoring.Logf("manager: %v", err)
		os.Exit(1)
	}

	cat, err := catalog.Open(cfg.SQLite.GetDBFile())
	if err != nil {
		monitoring.Logf("manager: open catalog: %v", err)
		os.Exit(1)
	}
	defer cat.Close()

	sysID, err := cat.SystemID()
	if err != nil {
		monitoring.Logf("manager: read sys_id: %v", err)
		os.Exit(1)
	}

	mgr := coordinator.New(cfg, agentsCfg, cat, sysID)

	var proxies []*proxy.AgentProxy
	for _, name := range config.Names() {
		if !cfg.UseAgents.Enabled(name) {
			continue
		}
		addr := fmt.Sprintf("127.0.0.1:%d", agentsCfg.For(name).GetLocalPort())
		p := proxy.New(name, addr)
		mgr.AddProxy(name, p)
		proxies = append(proxies, p)
	}

	mgr.SpawnAgents()

	var wg sync.WaitGroup
	for _, p := range proxies {
		wg.Add(1)
		go func(p *proxy.AgentProxy) {
			defer wg.Done()
			p.Run()
		}(p)
	}

	waitForProxies(proxies, proxyConnectTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go readKeyboard(ctx, mgr)

	go func() {
		<-ctx.Done()
		mgr.Stop()
	}()

	mgr.Run()
	for _, p := range proxies {
		p.Stop()
	}
	wg.Wait()
}

// waitForProxies blocks until every proxy reports connected or timeout
// elapses; a still-disconnected non-critical agent just never reaches
// STAND_BY, which spec.md §4.4 tolerates.
func waitForProxies(proxies []*proxy.AgentProxy, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allConnected := true
		for _, p := range proxies {
			if !p.Connected() {
				allConnected = false
				break
			}
		}
		if allConnected {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// readKeyboard implements spec.md §6's keyboard controls: 's' toggle
// session, 'f' force-start, 'q' quit.
func readKeyboard(ctx context.Context, mgr *coordinator.Manager) {
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b, err := reader.ReadByte()
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		switch b {
		case 's', 'f', 'q':
			mgr.Enqueue(b)
		}
	}
}

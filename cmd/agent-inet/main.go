// Command agent-inet is the free-standing connectivity device process:
// a periodic reachability sweep of two configured hosts. Grounded on
// agents/agent_inet.py.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/devices/inet"
	"github.com/fraicap/fraicap/internal/monitoring"
)

const agentName = "inet"

func main() {
	flag.Parse()
	agentsConfigPath := "agents.yaml"
	if args := flag.Args(); len(args) > 0 {
		agentsConfigPath = args[0]
	}

	agentsCfg, err := config.LoadAgentsConfig(agentsConfigPath)
	if err != nil {
		monitoring.Logf("%s: %v", agentName, err)
		os.Exit(1)
	}

	dev := inet.New(nil)
	rt := agentrt.New(agentName, dev, agentsCfg.For(agentName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		rt.Stop()
	}()

	if err := rt.Run(); err != nil {
		monitoring.Logf("%s: %v", agentName, err)
		os.Exit(1)
	}
}

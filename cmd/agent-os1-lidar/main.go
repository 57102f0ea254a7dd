// Command agent-os1-lidar is the free-standing LiDAR device process:
// it owns UDP port 7502, decodes the vendor azimuth-block packets, and
// answers the coordinator's control protocol via internal/agentrt.
// Grounded on agents/agent_os1_lidar.py and spec.md Design Notes §9
// ("each agent should still be a free-standing binary").
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	lidar "github.com/fraicap/fraicap/internal/devices/lidar"
	"github.com/fraicap/fraicap/internal/monitoring"
)

const agentName = "os1_lidar"

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

	dev := lidar.New(nil, lidar.HTTPIntrinsicsFetcher{})
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

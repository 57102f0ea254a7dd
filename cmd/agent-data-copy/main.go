// Command agent-data-copy is the free-standing replication device
// process: it waits for the coordinator to hand it the catalog DB path,
// then mirrors completed segment directories onto the first detected
// USB-mounted filesystem. Grounded on agents/agent_data_copy.py.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fraicap/fraicap/internal/agentrt"
	"github.com/fraicap/fraicap/internal/config"
	"github.com/fraicap/fraicap/internal/devices/datacopy"
	"github.com/fraicap/fraicap/internal/monitoring"
)

const agentName = "data_copy"

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

	dev := datacopy.New(nil)
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

// Command agentcheck validates the agents config by spawning each configured
// agent and running the protocol handshake against it. Exit status is
// non-zero when any agent fails, so it works as a deploy-time smoke check.
//
// Usage:
//
//	agentcheck [agent ...]
//
// With no arguments every configured agent is checked.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/acp2/gateway/internal/agent/acp"
	"github.com/acp2/gateway/internal/agent/credentials"
	"github.com/acp2/gateway/internal/agent/registry"
	"github.com/acp2/gateway/internal/common/config"
	"github.com/acp2/gateway/internal/common/logger"
)

const checkTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "warn",
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	reg, err := registry.NewRegistry(cfg.AgentsConfig, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load agents config: %v\n", err)
		os.Exit(1)
	}

	var targets []registry.AgentConfig
	if len(os.Args) > 1 {
		for _, name := range os.Args[1:] {
			agent, err := reg.Get(name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Unknown agent %q in %s\n", name, cfg.AgentsConfig)
				os.Exit(1)
			}
			targets = append(targets, agent)
		}
	} else {
		targets = reg.List()
	}

	if keys := credentials.NewEnvProvider("ACP2_").Available(); len(keys) > 0 {
		fmt.Printf("API keys visible to agents: %v\n", keys)
	}

	failed := 0
	for _, agent := range targets {
		if err := checkAgent(agent, cfg.WorkDir, log); err != nil {
			fmt.Printf("FAIL  %-12s %v\n", agent.Name, err)
			failed++
			continue
		}
		fmt.Printf("ok    %-12s %v\n", agent.Name, agent.Command)
	}

	fmt.Printf("%d agents checked, %d failed\n", len(targets), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// checkAgent spawns the agent, runs the initialize handshake and opens a
// throwaway session, then shuts the process down.
func checkAgent(agent registry.AgentConfig, workDir string, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	conn, err := acp.NewConnection(agent.Command, agent.APIKey, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Start(); err != nil {
		return fmt.Errorf("spawn failed: %w", err)
	}
	if err := conn.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if _, err := conn.StartSession(ctx, workDir, nil); err != nil {
		return fmt.Errorf("session/new failed: %w", err)
	}
	return nil
}

// Package registry loads and serves the configured agent definitions.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/acp2/gateway/internal/agent/credentials"
	"github.com/acp2/gateway/internal/common/errors"
	"github.com/acp2/gateway/internal/common/logger"
	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// AgentConfig describes one agent entry from the agents config file.
type AgentConfig struct {
	Name        string   `json:"name"`
	Command     []string `json:"command"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	// APIKey is injected into the agent process environment. Never logged.
	APIKey string `json:"api_key,omitempty"`
	// APIKeyEnv names an environment variable to resolve the API key from,
	// so the config file does not have to carry the secret itself.
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// Registry holds the set of configured agents, keyed by name.
type Registry struct {
	mu     sync.RWMutex
	path   string
	agents map[string]AgentConfig
	creds  credentials.Provider
	logger *logger.Logger
}

// NewRegistry creates a registry backed by the JSON config file at path and
// performs an initial load. A missing or invalid file is a startup failure.
func NewRegistry(path string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		agents: make(map[string]AgentConfig),
		creds:  credentials.NewEnvProvider("ACP2_"),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the config file and replaces the agent set atomically.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read agents config %s: %w", r.path, err)
	}

	var raw map[string]AgentConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse agents config %s: %w", r.path, err)
	}

	agents := make(map[string]AgentConfig, len(raw))
	for name, cfg := range raw {
		cfg.Name = name
		if len(cfg.Command) == 0 {
			return fmt.Errorf("agent %q has an empty command", name)
		}
		if cfg.APIKey == "" && cfg.APIKeyEnv != "" {
			cred, err := r.creds.Lookup(cfg.APIKeyEnv)
			if err != nil {
				r.logger.Warn("Agent API key not resolvable",
					zap.String("agent", name),
					zap.String("env", cfg.APIKeyEnv))
			} else {
				cfg.APIKey = cred.Value
			}
		}
		agents[name] = cfg
	}

	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()

	r.logger.Info("Loaded agent registry",
		zap.String("path", r.path),
		zap.Int("agents", len(agents)))
	return nil
}

// List returns all configured agents sorted by name.
func (r *Registry) List() []AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentConfig, 0, len(r.agents))
	for _, cfg := range r.agents {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the configuration for the named agent.
func (r *Registry) Get(name string) (AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.agents[name]
	if !ok {
		return AgentConfig{}, errors.NotFound("agent", name)
	}
	return cfg, nil
}

// ManifestFor builds the public manifest for the named agent.
func (r *Registry) ManifestFor(name string) (v1.AgentManifest, error) {
	cfg, err := r.Get(name)
	if err != nil {
		return v1.AgentManifest{}, err
	}

	description := cfg.Description
	if description == "" {
		description = fmt.Sprintf("ACP agent '%s' exposed over the run API.", cfg.Name)
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}

	return v1.AgentManifest{
		Name:        cfg.Name,
		Description: description,
		Version:     version,
		Capabilities: v1.ManifestCapabilities{
			Modes:                []v1.RunMode{v1.RunModeSync, v1.RunModeStream},
			SupportsStreaming:    true,
			SupportsCancellation: true,
		},
	}, nil
}

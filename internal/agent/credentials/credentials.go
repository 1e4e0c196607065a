// Package credentials resolves agent API keys so secrets never have to be
// written into the agents config file.
package credentials

import (
	"fmt"
	"os"
)

// knownKeyNames are environment variables commonly holding provider API keys.
var knownKeyNames = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"MISTRAL_API_KEY",
	"GITHUB_TOKEN",
}

// Credential is one resolved secret.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves credentials by key.
type Provider interface {
	Name() string
	Lookup(key string) (Credential, error)
}

// EnvProvider resolves credentials from the process environment. When a
// prefix is set, the prefixed variable wins over the bare one, so deployments
// can scope keys to the gateway without clobbering the ambient environment.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "environment"
}

// Lookup resolves key from the environment, preferring the prefixed variant.
func (p *EnvProvider) Lookup(key string) (Credential, error) {
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}
	if value := os.Getenv(key); value != "" {
		return Credential{Key: key, Value: value, Source: "environment"}, nil
	}
	return Credential{}, fmt.Errorf("credential not found: %s", key)
}

// Available reports which well-known API key variables are present in the
// environment, without exposing their values.
func (p *EnvProvider) Available() []string {
	present := make([]string, 0, len(knownKeyNames))
	for _, key := range knownKeyNames {
		if _, err := p.Lookup(key); err == nil {
			present = append(present, key)
		}
	}
	return present
}

// Package profile resolves an agent's effective execution settings from its
// named profile and the referenced env and MCP bundles.
package profile

import (
	"errors"
	"log"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/store"
)

// Resolved is the effective per-agent execution configuration.
type Resolved struct {
	Env              map[string]string
	MCPServers       []map[string]any
	SystemPromptMode string
	Model            string
	UseMCP           bool
}

// Resolver loads profiles from the store. Missing profiles or bundles degrade
// to empty settings with a warning rather than blocking execution.
type Resolver struct {
	store  *store.Store
	logger *log.Logger
}

// NewResolver returns a resolver backed by the store.
func NewResolver(s *store.Store, logger *log.Logger) *Resolver {
	return &Resolver{store: s, logger: logger}
}

// Resolve computes the agent's effective settings. The profile's model wins
// over the agent's own when both are set. MCP is enabled when either the
// agent or the profile default asks for it.
func (r *Resolver) Resolve(agent *domain.Agent) (*Resolved, error) {
	res := &Resolved{
		Env:              map[string]string{},
		SystemPromptMode: "default",
		Model:            agent.Model,
		UseMCP:           agent.UseMCP,
	}

	name := agent.ProfileName
	if name == "" {
		name = "default"
	}
	p, err := r.store.GetProfile(name)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Printf("ProfileResolver: profile %q not found for agent %s, using bare settings", name, agent.ID)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	if p.SystemPromptMode != "" {
		res.SystemPromptMode = p.SystemPromptMode
	}
	if p.Model != "" {
		res.Model = p.Model
	}
	res.UseMCP = agent.UseMCP || p.UseMCPDefault

	if p.EnvRef != "" {
		env, err := r.store.GetProfileEnv(p.EnvRef)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Printf("ProfileResolver: env bundle %q not found for profile %q", p.EnvRef, p.Name)
		} else if err != nil {
			return nil, err
		} else {
			res.Env = env
		}
	}

	if res.UseMCP && p.MCPRef != "" {
		servers, err := r.store.GetProfileMCP(p.MCPRef)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Printf("ProfileResolver: mcp bundle %q not found for profile %q", p.MCPRef, p.Name)
		} else if err != nil {
			return nil, err
		} else {
			res.MCPServers = servers
		}
	}

	return res, nil
}

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/mcpagent/internal/mcp"
)

// ContextProvider supplies extra system context for a request.
type ContextProvider interface {
	GetContext(ctx context.Context, userMessage string) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is concatenated with blank lines.
type CompositeContextProvider struct {
	providers []ContextProvider
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(providers ...ContextProvider) *CompositeContextProvider {
	c := &CompositeContextProvider{}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, userMessage string) (string, error) {
	var parts []string
	for _, p := range c.providers {
		content, err := p.GetContext(ctx, userMessage)
		if err != nil {
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// StaticProvider is a ContextProvider that returns fixed text, such as
// operator guidance from the configuration.
type StaticProvider string

// GetContext returns the text with surrounding space trimmed.
func (p StaticProvider) GetContext(context.Context, string) (string, error) {
	return strings.TrimSpace(string(p)), nil
}

// SessionSource reports the active MCP session, if any.
// *mcp.Manager implements it.
type SessionSource interface {
	Session() (mcp.Session, bool)
}

// SessionProvider is a ContextProvider that tells the model which MCP
// server its tools come from. With no active session it returns an
// empty string.
type SessionProvider struct {
	sessions SessionSource
}

// NewSessionProvider creates a session awareness context provider.
func NewSessionProvider(sessions SessionSource) *SessionProvider {
	return &SessionProvider{sessions: sessions}
}

// GetContext describes the active session.
func (p *SessionProvider) GetContext(context.Context, string) (string, error) {
	s, ok := p.sessions.Session()
	if !ok {
		return "", nil
	}
	name := s.Server.Name
	if name == "" {
		name = "unnamed"
	}
	if s.Server.Version != "" {
		name += " " + s.Server.Version
	}
	return fmt.Sprintf("[Tools: provided by MCP server %s over %s. "+
		"Tool results are authoritative; report tool errors instead of guessing.]",
		name, s.Transport), nil
}

// Package config handles mcpagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in mcp.transport.
const (
	TransportStream = "stream"
	TransportStdio  = "stdio"
)

// Default values applied by ApplyDefaults.
const (
	DefaultServerName       = "slack"
	DefaultServerURL        = "http://localhost:3001"
	DefaultSSEPath          = "/sse"
	DefaultMessagePath      = "/message"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultMaxTokens        = 4096
	DefaultHealthInterval   = 60 * time.Second
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/mcpagent/config.yaml, /etc/mcpagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpagent", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpagent configuration.
type Config struct {
	MCP       MCPConfig    `yaml:"mcp"`
	LLM       LLMConfig    `yaml:"llm"`
	Agent     AgentConfig  `yaml:"agent"`
	Debug     DebugConfig  `yaml:"debug"`
	Health    HealthConfig `yaml:"health"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// MCPConfig describes the MCP server connection.
type MCPConfig struct {
	// Name labels the server in logs, metrics, and tool listings.
	Name string `yaml:"name"`

	// Transport selects the channel: "stream" (SSE + POST) or "stdio".
	Transport string `yaml:"transport" validate:"required,oneof=stream stdio"`

	// URL is the server base URL for the stream transport.
	URL string `yaml:"url" validate:"required_if=Transport stream"`
	// SSEPath is the event stream path (default /sse).
	SSEPath string `yaml:"sse_path"`
	// MessagePath is the POST path used when the server only emits the
	// sessionId marker (default /message).
	MessagePath string `yaml:"message_path"`
	// BearerToken is sent as "Authorization: Bearer" on stream requests.
	BearerToken string `yaml:"bearer_token"`
	// Headers are extra HTTP headers sent on stream requests.
	Headers map[string]string `yaml:"headers"`
	// UserAgent replaces the mcpagent User-Agent on stream requests.
	UserAgent string `yaml:"user_agent"`
	// InsecureSkipVerify disables TLS certificate checks for the stream
	// transport. For development servers with self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Command is the executable for the stdio transport.
	Command string `yaml:"command" validate:"required_if=Transport stdio"`
	// Args are passed to Command.
	Args []string `yaml:"args"`
	// Env are extra KEY=VALUE variables for the subprocess.
	Env []string `yaml:"env"`

	// HandshakeTimeout bounds session establishment (default 10s).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`
	// CallTimeout bounds each JSON-RPC call (default 30s).
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`

	// IncludeTools, when non-empty, limits the registry to these tools.
	IncludeTools []string `yaml:"include_tools"`
	// ExcludeTools hides tools from the registry.
	ExcludeTools []string `yaml:"exclude_tools"`

	// RateLimit caps tools/call requests per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	// RateBurst is the limiter burst size (default 1 when limited).
	RateBurst int `yaml:"rate_burst" validate:"gte=0"`
}

// LLMConfig selects and configures the language model provider.
type LLMConfig struct {
	Provider     string `yaml:"provider" validate:"omitempty,oneof=anthropic openai ollama scripted"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens" validate:"gte=0"`
	SystemPrompt string `yaml:"system_prompt"`
}

// AgentConfig bounds the conversational loop.
type AgentConfig struct {
	// MaxTurns limits LLM round trips per request. 0 means unbounded.
	MaxTurns int `yaml:"max_turns" validate:"gte=0"`

	// Context is standing guidance added to the system context of every
	// request, after the note describing the MCP session.
	Context string `yaml:"context"`
}

// DebugConfig defines the optional debug HTTP listener.
type DebugConfig struct {
	// Listen is a host:port. Empty disables the listener.
	Listen string `yaml:"listen"`
}

// HealthConfig controls the background MCP ping watcher.
type HealthConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
}

// Load reads configuration from a YAML file. A .env file next to the
// config file, and one in the working directory, are loaded into the
// environment first so ${VAR} references can resolve secrets kept
// there. Defaults are applied and the result is validated.
func Load(path string) (*Config, error) {
	if _, err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration pointing at a local stream
// server and the scripted LLM provider.
func Default() *Config {
	cfg := &Config{
		MCP: MCPConfig{
			Transport: TransportStream,
			URL:       DefaultServerURL,
		},
		LLM: LLMConfig{
			Provider: "scripted",
		},
		Agent: AgentConfig{MaxTurns: 10},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.MCP.Name == "" {
		c.MCP.Name = DefaultServerName
	}
	if c.MCP.Transport == "" {
		c.MCP.Transport = TransportStream
	}
	c.MCP.Transport = strings.ToLower(c.MCP.Transport)
	if c.MCP.SSEPath == "" {
		c.MCP.SSEPath = DefaultSSEPath
	}
	if c.MCP.MessagePath == "" {
		c.MCP.MessagePath = DefaultMessagePath
	}
	if c.MCP.HandshakeTimeout == 0 {
		c.MCP.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MCP.CallTimeout == 0 {
		c.MCP.CallTimeout = DefaultCallTimeout
	}
	if c.MCP.RateLimit > 0 && c.MCP.RateBurst == 0 {
		c.MCP.RateBurst = 1
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "scripted"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}
	if c.Health.PollInterval == 0 {
		c.Health.PollInterval = DefaultHealthInterval
	}
}

// validate is shared; validator caches struct metadata per instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. The returned error lists every
// failing field, one per line.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var vErr validator.ValidationErrors
	if !errors.As(err, &vErr) {
		return err
	}
	lines := make([]string, 0, len(vErr))
	for _, fe := range vErr {
		lines = append(lines, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config:\n\t%s", strings.Join(lines, "\n\t"))
}

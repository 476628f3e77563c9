// Package defaults provides embedded copies of the default
// configuration files written by the mcpagent init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// DotEnv is the example .env file holding credentials.
//
//go:embed env.example
var DotEnv []byte

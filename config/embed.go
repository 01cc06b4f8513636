// Package config provides the embedded default configuration for agentcomm.
package config

import (
	_ "embed"
)

// DefaultConfigYAML is the commented starter configuration written by
// "agentcomm config init".
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte

// Package config handles configuration loading for nebula-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path
// ends in .toml, with environment variable expansion. Every tunable has a
// default; Load applies them before decoding so a file only needs the
// required fields.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from NEBULA_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/nebula/gateway.yaml
//  3. ~/.config/nebula/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	mistral:
//	  api_key: "${MISTRAL_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	workers:
//	  backoff_base: "1s"
//	mistral:
//	  timeout: "60s"
//	bridge:
//	  dedupe_ttl: "10m"
//
// # Minimal Example
//
//	database:
//	  path: "/var/lib/nebula/gateway.db"
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  username: "nebula"
//	  password: "${NEBULA_MATRIX_PASSWORD}"
//
//	mistral:
//	  api_key: "${MISTRAL_API_KEY}"
//
// # Plans
//
// The plans section overrides or adds tiers on top of the built-in
// free, premium and premium_plus tiers. A limit of -1 means unlimited:
//
//	plans:
//	  premium:
//	    daily_images: 50
//	    daily_tokens: 500000
//	    model: "mistral-large-latest"
//
// # Validation
//
// Validate returns the first problem found, naming the offending field.
package config

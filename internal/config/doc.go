// Package config loads and validates runtime configuration for tokensync and
// tokenserver.
//
// Values come from command-line flags, TS_* environment variables, an optional
// config.yaml and built-in defaults, in that order of precedence.
package config

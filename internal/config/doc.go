// Package config provides configuration loading and validation for the
// meeting transcriber. Configuration is YAML, layered over Default(), with a
// few environment overrides for deployment secrets.
package config

// Package config loads process configuration from YAML, dotenv files and
// environment overrides.
package config

// Package config loads the ClaudeBrain runtime configuration from a JSON file,
// an optional .env file and environment variable overrides.
package config

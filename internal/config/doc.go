// Package config loads agntd settings from an optional YAML/JSON file, a
// local .env file and AGNT_ prefixed environment variables, in increasing
// order of precedence.
package config

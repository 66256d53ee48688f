// Package config loads the mcptunnel policy file. YAML and TOML are both
// accepted, chosen by file extension, and ${VAR} references are expanded from
// the environment before decoding.
package config

// Package config provides configuration loading and validation for the live
// subtitle capture client and server.
// It reads YAML on top of built-in defaults and applies LIVESUB_* environment
// overrides, optionally loaded from a .env file.
package config

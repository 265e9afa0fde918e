// Package config handles configuration loading for ria-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RIA_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/ria/gateway.yaml
//  3. ~/.config/ria/gateway.yaml
//
// A .env file in the working directory is loaded before the configuration
// file is read, so its variables are visible to expansion.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token_secret: "${RIA_TOKEN_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  timeout: "15m"
//	  sweep_interval: "1m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  max_concurrency: 64
//
//	database:
//	  driver: "sqlite"          # or sqlite3 (cgo)
//	  path: "./ria.db"
//
//	flow:
//	  path: "./flows/main.yaml"
//	  script_timeout: "2s"
//
//	models:
//	  context_lines: 20
//	  max_query_length: 8000
//	  request_timeout: "60s"
//	  normal_turnaround: "5s"
//	  slow_factor: 3
//
//	archive:
//	  dir: "./archive"
//	  redis_url: "redis://localhost:6379/0"   # optional mirror
package config

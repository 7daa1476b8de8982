// Package config handles configuration loading for fleet-commander.
//
// # Overview
//
// Configuration is optional: with no file every value has a default and a
// single agent is supervised. A file may be YAML or, when its name ends in
// .toml, TOML.
//
// # Configuration File
//
// Locations (in order):
//
//  1. Path from the --config flag
//  2. Path from COMMANDER_CONFIG environment variable
//
// # Environment
//
// The variables understood by earlier commander releases override values
// from the file:
//
//	COMMANDER_FLEET_ID     fleet id, default "fleet-local"
//	COMMANDER_IPV6_PREFIX  base address for per-agent IPv6 binds
//	COMMANDER_BASE_PORT    port of agent 0, default 20000
//	COMMANDER_JWT_SECRET   control API signing secret
//
// File values can also reference the environment:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// # Agent Layout
//
// Agent i is named "<fleet.id>-<i>" and listens on base_port + i*100. The
// status API defaults to base_port - 1.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	worker:
//	  stop_timeout: "10s"
//	  backoff_unit: "1s"
package config

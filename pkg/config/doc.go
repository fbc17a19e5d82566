// Package config loads Storyboard configuration.
//
// Values are layered: built-in defaults, then an optional YAML (.yaml,
// .yml) or CUE (.cue) file, then STORYBOARD_* environment variables, then
// whatever the CLI flags set. Files are checked against a closed CUE schema
// first, so unknown keys and malformed durations are reported with their
// location instead of being silently dropped.
//
// Example file:
//
//	server:
//	  addr: ":3002"
//	  max_upload_bytes: 67108864
//	database:
//	  path: /var/lib/storyboard/storyboard.db
//	  file_mode: "0644"
//	  swap_timeout: 30s
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// Environment variables use the section prefixes SERVER_, DB_, LOG_,
// TRACING_ and METRICS_, e.g. STORYBOARD_DB_PATH or STORYBOARD_LOG_LEVEL.
package config

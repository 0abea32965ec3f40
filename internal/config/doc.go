// Package config loads runtime configuration for backupctl and the
// credentials server.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file selected with -c or -config. Files ending in
//     .yaml or .yml are read as YAML, anything else as JSON.
//  3. Command-line flags, which override earlier values.
//
// Intervals use timex.Duration in files, so they can be strings like "1h"
// or integer nanoseconds:
//
//	{
//	  "database_dsn": "gophbackup.db",
//	  "object_store": "s3",
//	  "s3_bucket": "backups",
//	  "refresh_interval": "30m"
//	}
package config

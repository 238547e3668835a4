package relay

import (
	"flag"
	"fmt"
	"io"
)

// Parse reads the relay configuration from args, falling back to the
// DOCSYNC_* environment variables for unset flags.
func Parse(args []string) (*Config, error) {
	flagSet := flag.NewFlagSet("docsync-relay", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var (
		addr     = flagSet.String("addr", getEnv("DOCSYNC_ADDR", "localhost:8000"), "Address to listen on")
		dsn      = flagSet.String("postgres-dsn", getEnv("DOCSYNC_POSTGRES_DSN", ""), "PostgreSQL DSN; documents are kept in memory when empty")
		secret   = flagSet.String("secret", getEnv("DOCSYNC_SECRET", ""), "HS256 secret used to verify tokens; empty disables authentication")
		logLevel = flagSet.String("log-level", getEnv("DOCSYNC_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
		logPath  = flagSet.String("log-file", getEnv("DOCSYNC_LOG_FILE", ""), "Append logs to this file instead of stderr")
		pretty   = flagSet.Bool("pretty", false, "Human readable logs")
	)

	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf(`%w

Usage: docsync-relay [flags]

Flags:
  -addr          Address to listen on (DOCSYNC_ADDR, default localhost:8000)
  -postgres-dsn  PostgreSQL DSN (DOCSYNC_POSTGRES_DSN)
  -secret        Token signing secret (DOCSYNC_SECRET)
  -log-level     debug, info, warn or error (DOCSYNC_LOG_LEVEL)
  -log-file      Log file path (DOCSYNC_LOG_FILE)
  -pretty        Human readable logs`, err)
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}

	config := &Config{
		Addr:        *addr,
		PostgresDSN: *dsn,
		LogLevel:    *logLevel,
		LogPath:     *logPath,
		Pretty:      *pretty,
	}
	if *secret != "" {
		config.Secret = []byte(*secret)
	}
	return config, nil
}

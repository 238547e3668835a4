package relay

import (
	"context"
	"fmt"

	"github.com/collabdoc/docsync/pkg/logger"
)

// Main parses args, opens the store and serves until ctx is done.
func Main(ctx context.Context, args []string) error {
	config, err := Parse(args)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	logData, err := logger.NewBuild().
		FromPath(config.LogPath).
		Level(config.LogLevel).
		Pretty(config.Pretty).
		Make()
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer logData.Close()
	log := logData.Leveled()

	app, err := Open(ctx, config, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

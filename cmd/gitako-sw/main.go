package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wurt83ow/gitako-sw/pkg/appcontext"
	"github.com/wurt83ow/gitako-sw/pkg/config"
	"github.com/wurt83ow/gitako-sw/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "gitako-sw",
	Short:         "Offline cache and sync worker for the Gitako farm app",
	Long:          "Intercepts requests to the Gitako farm server, caches what it can and queues\nsubmissions made offline until the server is reachable again.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.BindFlags(rootCmd.PersistentFlags())
}

// newApp loads the configuration for cmd and builds the application.
func newApp(cmd *cobra.Command) (*appcontext.App, error) {
	opts, err := config.NewConfig(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.NewLogger(opts.LogLevel, opts.LogFile)
	if err != nil {
		return nil, err
	}
	app, err := appcontext.New(cmd.Context(), opts, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return app, nil
}

func closeApp(app *appcontext.App) {
	if err := app.Close(); err != nil {
		app.Log.Warnf("Failed to close stores: %v", err)
	}
	_ = app.Log.Sync()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

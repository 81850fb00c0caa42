package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/wurt83ow/gitako-sw/pkg/events"
	"github.com/wurt83ow/gitako-sw/pkg/server"
	"github.com/wurt83ow/gitako-sw/pkg/worker"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker and its local HTTP endpoint",
	Long:  "Installs and activates the worker, then serves the cache router, the /__sw/ control API and /metrics until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		ctx := cmd.Context()
		worker.Register(app.Bus, app)

		srv := &http.Server{
			Addr:              app.Options.ListenAddr,
			Handler:           server.NewRouter(app),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := app.Bus.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			if err := app.Bus.Dispatch(gctx, events.Event{Type: events.Install}); err != nil {
				app.Log.Errorf("Install failed: %v", err)
			}
			if !app.Lifecycle.Claimed() {
				if err := app.Bus.Dispatch(gctx, events.Event{Type: events.Activate}); err != nil {
					app.Log.Errorf("Activation failed: %v", err)
				}
			}
			return nil
		})
		g.Go(func() error {
			app.Log.Infof("Listening on %s, proxying %s", srv.Addr, app.Options.ServerURL)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

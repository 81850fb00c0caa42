package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wurt83ow/gitako-sw/pkg/appcontext"
	"github.com/wurt83ow/gitako-sw/pkg/events"
	"github.com/wurt83ow/gitako-sw/pkg/worker"
)

func init() {
	rootCmd.AddCommand(syncCmd, installCmd, activateCmd, cachesCmd, statusCmd)
}

// dispatch runs one event through a freshly started bus.
func dispatch(ctx context.Context, app *appcontext.App, e events.Event) error {
	worker.Register(app.Bus, app)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- app.Bus.Run(ctx) }()

	err := app.Bus.Dispatch(ctx, e)
	cancel()
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
		err = errors.Join(err, runErr)
	}
	return err
}

var syncCmd = &cobra.Command{
	Use:   "sync <tag>",
	Short: "Fire a background-sync event (sync-forms, sync-activities, sync-inventory)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		if _, ok := worker.SyncTags[args[0]]; !ok {
			return fmt.Errorf("unknown sync tag %q", args[0])
		}
		return dispatch(cmd.Context(), app, events.Event{Type: events.Sync, Tag: args[0]})
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Pre-populate the static cache from the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		if err := app.Lifecycle.Install(cmd.Context()); err != nil {
			return err
		}
		if err := app.Lifecycle.PopulationError(); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Installed without cache: %v\n", err)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed, %s populated\n", app.Generations.Static)
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Install, then drop every cache generation but the current ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		if err := dispatch(cmd.Context(), app, events.Event{Type: events.Install}); err != nil {
			return err
		}
		if !app.Lifecycle.Claimed() {
			if err := app.Lifecycle.Activate(cmd.Context()); err != nil {
				return err
			}
		}
		names, err := app.Caches.Keys(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Activated, caches: %s\n", strings.Join(names, ", "))
		return nil
	},
}

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "List cache generations and their entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		ctx := cmd.Context()
		names, err := app.Caches.Keys(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			c, err := app.Caches.Open(ctx, name)
			if err != nil {
				return err
			}
			urls, err := c.Keys(ctx)
			if err != nil {
				return err
			}
			live := ""
			if app.Generations.Live(name) {
				live = " (live)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s: %d entries\n", name, live, len(urls))
			for _, u := range urls {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", u)
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, cache and last sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		st, err := app.Status(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server:    %s\n", app.Options.ServerURL)
		fmt.Fprintf(out, "Storage:   %t\n", st.Storage)
		for c, n := range st.Pending {
			fmt.Fprintf(out, "Pending:   %s %d\n", c, n)
		}
		if st.LastSync.IsZero() {
			fmt.Fprintln(out, "Last sync: never")
		} else {
			fmt.Fprintf(out, "Last sync: %s (%d synced, %d failed)\n", st.LastSync.Format("2006-01-02 15:04:05"), st.LastSynced, st.LastFailed)
		}
		fmt.Fprintf(out, "Caches:    %s\n", strings.Join(st.Caches, ", "))
		return nil
	},
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wurt83ow/gitako-sw/pkg/models"
)

func init() {
	rootCmd.AddCommand(saveCmd, unsyncedCmd, drainCmd, submitCmd)
	submitCmd.Flags().Bool("offline", false, "queue the form without trying the server")
}

func parseCollection(name string) (models.Collection, error) {
	c, ok := models.ParseCollection(name)
	if !ok {
		return "", fmt.Errorf("unknown collection %q", name)
	}
	return c, nil
}

var saveCmd = &cobra.Command{
	Use:   "save <collection> <json>",
	Short: "Queue a record for the next sync",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := parseCollection(args[0])
		if err != nil {
			return err
		}
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		id, err := app.Queue.Save(cmd.Context(), c, []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s item %d\n", c, id)
		return nil
	},
}

var unsyncedCmd = &cobra.Command{
	Use:   "unsynced <collection>",
	Short: "List queued records of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := parseCollection(args[0])
		if err != nil {
			return err
		}
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		records, err := app.Queue.Unsynced(cmd.Context(), c)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", r.ID, r.UID, r.Timestamp.Format("2006-01-02 15:04:05"), r.Payload)
		}
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain [collection]",
	Short: "Send queued records to the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		if len(args) == 0 {
			report := app.Services.DrainAll(cmd.Context())
			for _, cr := range report.Collections {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s synced %d, failed %d\n", cr.Collection, cr.Synced, cr.Failed)
			}
			return nil
		}

		c, err := parseCollection(args[0])
		if err != nil {
			return err
		}
		cr := app.Services.DrainCollection(cmd.Context(), c)
		if cr.Err != nil {
			return cr.Err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s synced %d, failed %d\n", cr.Collection, cr.Synced, cr.Failed)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <formType> <json>",
	Short: "Submit a form, queueing it if the server cannot be reached",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		if offline, _ := cmd.Flags().GetBool("offline"); offline {
			app.Services.SetOnline(false)
		}
		res, err := app.Services.Submit(cmd.Context(), args[0], json.RawMessage(args[1]))
		if err != nil {
			return err
		}
		if res.Offline {
			fmt.Fprintf(cmd.OutOrStdout(), "Saved offline as %d. Will sync when connected.\n", res.ID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted: %s\n", res.Data)
		return nil
	},
}

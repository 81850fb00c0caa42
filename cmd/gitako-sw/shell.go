package main

import (
	"github.com/spf13/cobra"
	"github.com/wurt83ow/gitako-sw/pkg/client"
)

func init() {
	rootCmd.AddCommand(shellCmd)
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell over the offline queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(app)

		sh, err := client.NewShell(app)
		if err != nil {
			return err
		}
		defer sh.Close()
		return sh.Run(cmd.Context())
	},
}

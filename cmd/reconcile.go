package main

import (
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "List approved milestones with no recorded payment",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		ms, err := env.Engine.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ms)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

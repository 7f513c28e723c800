package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/grant-review/internal/engine"
	"github.com/sells-group/grant-review/internal/model"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative overrides and audit history",
}

var (
	overrideEntity string
	overrideTo     string
)

var adminOverrideCmd = &cobra.Command{
	Use:   "override <id>",
	Short: "Force a grant or milestone into a status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		ev, err := env.Engine.OverrideStatus(cmd.Context(), engine.Override{
			Entity: model.EntityType(overrideEntity),
			ID:     args[0],
			To:     overrideTo,
			Actor:  actorFlag,
			Reason: reasonFlag,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ev)
	},
}

var historyEntity string

var adminHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the status history of a grant, milestone or poll",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.Engine.History(cmd.Context(), model.EntityType(historyEntity), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), events)
	},
}

func init() {
	of := adminOverrideCmd.Flags()
	of.StringVar(&overrideEntity, "entity", string(model.EntityGrant), "grant or milestone")
	of.StringVar(&overrideTo, "to", "", "target status")
	of.StringVar(&actorFlag, "actor", "", "admin applying the override")
	of.StringVar(&reasonFlag, "reason", "", "why the override is needed")

	adminHistoryCmd.Flags().StringVar(&historyEntity, "entity", string(model.EntityGrant), "grant, milestone or poll")

	adminCmd.AddCommand(adminOverrideCmd, adminHistoryCmd)
	rootCmd.AddCommand(adminCmd)
}

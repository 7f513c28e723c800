package main

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sells-group/grant-review/internal/engine"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/store"
)

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Submit, evaluate and decide grants",
}

var (
	grantTitle          string
	grantDescription    string
	grantApplicant      string
	grantAmount         string
	grantCurrency       string
	grantSchedule       string
	grantResubmissionOf string
)

var grantsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a grant application",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newGrantFromFlags()
		if err != nil {
			return err
		}
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		g, err := env.Engine.SubmitGrant(cmd.Context(), n)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), g)
	},
}

func newGrantFromFlags() (engine.NewGrant, error) {
	amount, err := decimal.NewFromString(grantAmount)
	if err != nil {
		return engine.NewGrant{}, eris.Wrapf(err, "parse amount %q", grantAmount)
	}
	n := engine.NewGrant{
		Title:           grantTitle,
		Description:     grantDescription,
		Applicant:       grantApplicant,
		RequestedAmount: amount,
		Currency:        grantCurrency,
		ResubmissionOf:  grantResubmissionOf,
	}
	if grantSchedule != "" {
		if n.Schedule, err = model.LoadSchedule(grantSchedule); err != nil {
			return engine.NewGrant{}, err
		}
	}
	return n, nil
}

var (
	listStatus    string
	listApplicant string
	listLimit     int
)

var grantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List grants",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		grants, err := env.Engine.ListGrants(cmd.Context(), model.GrantFilter{
			Status:    model.GrantStatus(listStatus),
			Applicant: listApplicant,
			Limit:     listLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), grants)
	},
}

var grantsShowCmd = &cobra.Command{
	Use:   "show <grant-id>",
	Short: "Show a grant with its evaluations, milestones and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		g, err := env.Engine.GetGrant(ctx, args[0])
		if err != nil {
			return err
		}
		evals, err := env.Engine.ListEvaluations(ctx, g.ID)
		if err != nil {
			return err
		}
		ms, err := env.Engine.ListMilestones(ctx, store.MilestoneFilter{GrantID: g.ID})
		if err != nil {
			return err
		}
		history, err := env.Engine.History(ctx, model.EntityGrant, g.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"grant":       g,
			"evaluations": evals,
			"milestones":  ms,
			"history":     history,
		})
	},
}

var grantsEvaluateCmd = &cobra.Command{
	Use:   "evaluate <grant-id>",
	Short: "Run the scorer panel and finalize the evaluation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		g, res, err := env.Engine.EvaluateGrant(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"grant": g, "result": res})
	},
}

var (
	decideAction string
	actorFlag    string
	reasonFlag   string
)

var grantsDecideCmd = &cobra.Command{
	Use:   "decide <grant-id>",
	Short: "Approve or reject a grant under review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		g, ms, err := env.Engine.DecideGrant(cmd.Context(), args[0], engine.GrantDecision{
			Action: engine.GrantAction(decideAction),
			Actor:  actorFlag,
			Reason: reasonFlag,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"grant": g, "milestones": ms})
	},
}

var grantsCancelCmd = &cobra.Command{
	Use:   "cancel <grant-id>",
	Short: "Cancel a grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		g, err := env.Engine.CancelGrant(cmd.Context(), args[0], actorFlag, reasonFlag)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), g)
	},
}

func init() {
	f := grantsCreateCmd.Flags()
	f.StringVar(&grantTitle, "title", "", "grant title")
	f.StringVar(&grantDescription, "description", "", "proposal text")
	f.StringVar(&grantApplicant, "applicant", "", "applicant id")
	f.StringVar(&grantAmount, "amount", "", "requested amount")
	f.StringVar(&grantCurrency, "currency", "USD", "currency code")
	f.StringVar(&grantSchedule, "schedule", "", "funding schedule YAML file")
	f.StringVar(&grantResubmissionOf, "resubmission-of", "", "rejected grant this application replaces")
	_ = grantsCreateCmd.MarkFlagRequired("title")
	_ = grantsCreateCmd.MarkFlagRequired("applicant")
	_ = grantsCreateCmd.MarkFlagRequired("amount")

	grantsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	grantsListCmd.Flags().StringVar(&listApplicant, "applicant", "", "filter by applicant")
	grantsListCmd.Flags().IntVar(&listLimit, "limit", 100, "max grants to list")

	grantsDecideCmd.Flags().StringVar(&decideAction, "action", "", "approve or reject")
	_ = grantsDecideCmd.MarkFlagRequired("action")

	for _, c := range []*cobra.Command{grantsDecideCmd, grantsCancelCmd} {
		c.Flags().StringVar(&actorFlag, "actor", "", "admin making the decision")
		c.Flags().StringVar(&reasonFlag, "reason", "", "reason recorded in the audit log")
	}

	grantsCmd.AddCommand(grantsCreateCmd, grantsListCmd, grantsShowCmd, grantsEvaluateCmd, grantsDecideCmd, grantsCancelCmd)
	rootCmd.AddCommand(grantsCmd)
}

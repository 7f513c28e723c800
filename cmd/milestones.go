package main

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/engine"
	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/payment"
)

var milestonesCmd = &cobra.Command{
	Use:   "milestones",
	Short: "Track milestone submissions, decisions and payouts",
}

var (
	proofURL   string
	proofNotes string
)

var milestonesSubmitCmd = &cobra.Command{
	Use:   "submit <milestone-id>",
	Short: "Submit proof of work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := env.Engine.SubmitMilestone(cmd.Context(), args[0], proofURL, proofNotes)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var (
	reviewAgent          string
	reviewRecommendation string
	reviewScore          float64
	reviewConfidence     float64
	reviewDeliverables   bool
)

var milestonesReviewCmd = &cobra.Command{
	Use:   "review <milestone-id>",
	Short: "Record an agent review of the current submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		r := model.AgentMilestoneReview{
			MilestoneID:     args[0],
			AgentName:       model.AgentName(reviewAgent),
			Recommendation:  model.Recommendation(reviewRecommendation),
			Confidence:      reviewConfidence,
			DeliverablesMet: reviewDeliverables,
		}
		if cmd.Flags().Changed("score") {
			r.ReviewScore = &reviewScore
		}
		m, err := env.Engine.RecordMilestoneReview(cmd.Context(), r)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var (
	milestoneDecision string
	decisionFeedback  string
	authorizePayment  bool
)

var milestonesDecideCmd = &cobra.Command{
	Use:   "decide <milestone-id>",
	Short: "Approve, reject or request a revision of a submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		m, d, err := env.Engine.DecideMilestone(cmd.Context(), args[0], engine.MilestoneRuling{
			Decision:         model.Decision(milestoneDecision),
			AdminID:          actorFlag,
			Feedback:         decisionFeedback,
			AuthorizePayment: authorizePayment,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"milestone": m, "decision": d})
	},
}

var milestonesResumeCmd = &cobra.Command{
	Use:   "resume <milestone-id>",
	Short: "Start work on a requested revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := env.Engine.ResumeMilestone(cmd.Context(), args[0], actorFlag)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var milestonesReopenCmd = &cobra.Command{
	Use:   "reopen <milestone-id>",
	Short: "Give a rejected milestone another submission cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := env.Engine.ReopenMilestone(cmd.Context(), args[0], actorFlag, reasonFlag)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var milestonesAuthorizeCmd = &cobra.Command{
	Use:   "authorize <milestone-id>",
	Short: "Authorize payment of an approved milestone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := env.Engine.AuthorizePayment(cmd.Context(), args[0], actorFlag)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var (
	updateTitle       string
	updateDescription string
	updateAmount      string
)

var milestonesUpdateCmd = &cobra.Command{
	Use:   "update <milestone-id>",
	Short: "Edit a milestone before work is submitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch model.MilestonePatch
		flags := cmd.Flags()
		if flags.Changed("title") {
			patch.Title = &updateTitle
		}
		if flags.Changed("description") {
			patch.Description = &updateDescription
		}
		if flags.Changed("amount") {
			amount, err := decimal.NewFromString(updateAmount)
			if err != nil {
				return eris.Wrapf(err, "parse amount %q", updateAmount)
			}
			patch.Amount = &amount
		}

		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := env.Engine.UpdateMilestoneFields(cmd.Context(), args[0], patch)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var (
	payTxHash string
	payAsync  bool
)

var milestonesPayCmd = &cobra.Command{
	Use:   "pay <milestone-id>",
	Short: "Release a milestone payout",
	Long: "Submits the payout to the gateway and records the transaction. With --tx-hash, records a payment made elsewhere. " +
		"With --async, starts the durable release workflow on the Temporal worker instead.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if payAsync {
			c, err := dialTemporal()
			if err != nil {
				return err
			}
			defer c.Close()

			runID, err := payment.StartRelease(ctx, c, cfg.Temporal.TaskQueue, args[0])
			if err != nil {
				return err
			}
			zap.L().Info("payment release started",
				zap.String("milestone_id", args[0]),
				zap.String("workflow_id", payment.WorkflowID(args[0])),
				zap.String("run_id", runID),
			)
			return nil
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		var m *model.Milestone
		if payTxHash != "" {
			m, err = env.Engine.RecordPayment(ctx, args[0], payTxHash)
		} else {
			m, err = env.Engine.ReleasePayment(ctx, args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

func init() {
	milestonesSubmitCmd.Flags().StringVar(&proofURL, "proof-url", "", "link to the deliverable")
	milestonesSubmitCmd.Flags().StringVar(&proofNotes, "notes", "", "submission notes")

	rf := milestonesReviewCmd.Flags()
	rf.StringVar(&reviewAgent, "agent", "", "reviewing agent")
	rf.StringVar(&reviewRecommendation, "recommendation", "", "approve, reject or revise")
	rf.Float64Var(&reviewScore, "score", 0, "review score in [0,1]")
	rf.Float64Var(&reviewConfidence, "confidence", 0, "confidence in [0,1]")
	rf.BoolVar(&reviewDeliverables, "deliverables-met", false, "deliverables were met")

	df := milestonesDecideCmd.Flags()
	df.StringVar(&milestoneDecision, "decision", "", "approved, rejected or revision_requested")
	df.StringVar(&decisionFeedback, "feedback", "", "feedback to the applicant")
	df.BoolVar(&authorizePayment, "authorize-payment", false, "authorize payment with an approval")
	_ = milestonesDecideCmd.MarkFlagRequired("decision")

	for _, c := range []*cobra.Command{milestonesDecideCmd, milestonesResumeCmd, milestonesReopenCmd, milestonesAuthorizeCmd} {
		c.Flags().StringVar(&actorFlag, "actor", "", "admin or applicant acting")
	}
	milestonesReopenCmd.Flags().StringVar(&reasonFlag, "reason", "", "reason recorded in the audit log")

	uf := milestonesUpdateCmd.Flags()
	uf.StringVar(&updateTitle, "title", "", "new title")
	uf.StringVar(&updateDescription, "description", "", "new description")
	uf.StringVar(&updateAmount, "amount", "", "new amount")

	milestonesPayCmd.Flags().StringVar(&payTxHash, "tx-hash", "", "record an existing transaction instead of submitting")
	milestonesPayCmd.Flags().BoolVar(&payAsync, "async", false, "start the durable release workflow")

	milestonesCmd.AddCommand(milestonesSubmitCmd, milestonesReviewCmd, milestonesDecideCmd, milestonesResumeCmd,
		milestonesReopenCmd, milestonesAuthorizeCmd, milestonesUpdateCmd, milestonesPayCmd)
	rootCmd.AddCommand(milestonesCmd)
}

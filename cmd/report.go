package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/report"
)

var (
	reportOut       string
	reportStatus    string
	reportApplicant string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export grants, milestones and unsettled payouts to xlsx",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		filter := model.GrantFilter{
			Status:    model.GrantStatus(reportStatus),
			Applicant: reportApplicant,
		}
		if err := report.Write(cmd.Context(), env.Store, filter, reportOut); err != nil {
			return err
		}
		zap.L().Info("report written", zap.String("path", reportOut))
		return nil
	},
}

func init() {
	f := reportCmd.Flags()
	f.StringVarP(&reportOut, "out", "o", "grants.xlsx", "output path")
	f.StringVar(&reportStatus, "status", "", "only grants in this status")
	f.StringVar(&reportApplicant, "applicant", "", "only grants from this applicant")
	rootCmd.AddCommand(reportCmd)
}

package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/grant-review/internal/payment"
)

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the payment release worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		submitter := buildSubmitter(cfg)
		if submitter == nil {
			return eris.New("payment.gateway_url is required to run the worker")
		}

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := payment.NewWorker(c, cfg.Temporal.TaskQueue, &payment.Activities{
			Ledger:    env.Engine.Ledger(),
			Submitter: submitter,
		})

		zap.L().Info("payment worker listening",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("namespace", cfg.Temporal.Namespace),
		)
		return w.Run(worker.InterruptCh())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

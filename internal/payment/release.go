package payment

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// Activity names registered on the worker.
const (
	PrepareActivityName = "payment.prepare"
	SubmitActivityName  = "payment.submit"
	RecordActivityName  = "payment.record"
)

// Ledger is the milestone side of a payout.
type Ledger interface {
	// PreparePayment checks the milestone is payable and builds the request.
	PreparePayment(ctx context.Context, milestoneID string) (*Request, error)
	// RecordPayment settles the milestone with a transaction hash.
	RecordPayment(ctx context.Context, milestoneID, txHash string) error
}

// ReleaseInput starts a release.
type ReleaseInput struct {
	MilestoneID string `json:"milestone_id"`
}

// ReleaseResult is a completed release.
type ReleaseResult struct {
	MilestoneID string `json:"milestone_id"`
	TxHash      string `json:"tx_hash"`
}

// RecordInput is the argument of the record activity.
type RecordInput struct {
	MilestoneID string `json:"milestone_id"`
	TxHash      string `json:"tx_hash"`
}

// ReleaseWorkflow prepares, submits and records one milestone payout.
//
// Submit runs exactly once: if it fails or times out the workflow fails and
// the milestone is left authorized but unpaid, which reconciliation reports.
// Recording retries until the hash is stored.
func ReleaseWorkflow(ctx workflow.Context, in ReleaseInput) (*ReleaseResult, error) {
	logger := workflow.GetLogger(ctx)

	retried := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    10,
		},
	})
	once := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var req Request
	if err := workflow.ExecuteActivity(retried, PrepareActivityName, in.MilestoneID).Get(ctx, &req); err != nil {
		return nil, err
	}

	var txHash string
	if err := workflow.ExecuteActivity(once, SubmitActivityName, req).Get(ctx, &txHash); err != nil {
		logger.Error("payment submit failed, milestone needs reconciliation", "milestone_id", in.MilestoneID, "error", err)
		return nil, err
	}

	rec := RecordInput{MilestoneID: in.MilestoneID, TxHash: txHash}
	if err := workflow.ExecuteActivity(retried, RecordActivityName, rec).Get(ctx, nil); err != nil {
		logger.Error("payment record failed", "milestone_id", in.MilestoneID, "tx_hash", txHash, "error", err)
		return nil, err
	}
	return &ReleaseResult{MilestoneID: in.MilestoneID, TxHash: txHash}, nil
}

// Activities binds the workflow to a ledger and a submitter.
type Activities struct {
	Ledger    Ledger
	Submitter Submitter
}

// Prepare is the prepare activity. Precondition failures are not retried.
func (a *Activities) Prepare(ctx context.Context, milestoneID string) (*Request, error) {
	req, err := a.Ledger.PreparePayment(ctx, milestoneID)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "prepare", err)
	}
	return req, nil
}

// Submit is the submit activity.
func (a *Activities) Submit(ctx context.Context, req Request) (string, error) {
	txHash, err := a.Submitter.Submit(ctx, req)
	if err != nil {
		return "", eris.Wrapf(err, "payment: submit milestone %s", req.MilestoneID)
	}
	zap.L().Info("payment submitted",
		zap.String("milestone_id", req.MilestoneID),
		zap.String("tx_hash", txHash),
		zap.String("amount", req.Amount.String()),
	)
	return txHash, nil
}

// Record is the record activity.
func (a *Activities) Record(ctx context.Context, in RecordInput) error {
	if err := a.Ledger.RecordPayment(ctx, in.MilestoneID, in.TxHash); err != nil {
		zap.L().Warn("record payment failed", zap.String("milestone_id", in.MilestoneID), zap.Error(err))
		return eris.Wrapf(err, "payment: record milestone %s", in.MilestoneID)
	}
	return nil
}

// Register adds the workflow and activities to w.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflow(ReleaseWorkflow)
	w.RegisterActivityWithOptions(acts.Prepare, activity.RegisterOptions{Name: PrepareActivityName})
	w.RegisterActivityWithOptions(acts.Submit, activity.RegisterOptions{Name: SubmitActivityName})
	w.RegisterActivityWithOptions(acts.Record, activity.RegisterOptions{Name: RecordActivityName})
}

// NewWorker creates a worker on taskQueue with the release workflow
// registered.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, acts)
	return w
}

// WorkflowID is the release workflow ID for a milestone. One release per
// milestone can run at a time.
func WorkflowID(milestoneID string) string {
	return "payment-release-" + milestoneID
}

// StartRelease starts the release workflow for a milestone and returns the
// run ID.
func StartRelease(ctx context.Context, c client.Client, taskQueue, milestoneID string) (string, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(milestoneID),
		TaskQueue: taskQueue,
	}, ReleaseWorkflow, ReleaseInput{MilestoneID: milestoneID})
	if err != nil {
		return "", eris.Wrapf(err, "payment: start release for milestone %s", milestoneID)
	}
	return run.GetRunID(), nil
}

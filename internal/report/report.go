// Package report exports grants and milestones to an xlsx workbook.
package report

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/grant-review/internal/model"
	"github.com/sells-group/grant-review/internal/store"
	"github.com/sells-group/grant-review/internal/workflow"
)

// Sheet names in the workbook.
const (
	SheetGrants         = "Grants"
	SheetMilestones     = "Milestones"
	SheetReconciliation = "Reconciliation"
)

// Source is the read side the report needs.
type Source interface {
	ListGrants(ctx context.Context, filter model.GrantFilter) ([]model.Grant, error)
	ListMilestones(ctx context.Context, filter store.MilestoneFilter) ([]model.Milestone, error)
}

var (
	grantHeader = []string{"ID", "Title", "Applicant", "Status", "Requested", "Currency",
		"Score", "Verdict", "Consensus", "Created", "Decided"}
	milestoneHeader = []string{"ID", "Grant ID", "Number", "Title", "Amount", "Status",
		"Cycle", "Payment Authorized", "Tx Hash", "Paid"}
	reconcileHeader = []string{"Milestone ID", "Grant ID", "Number", "Amount", "Approved At"}
)

// Build assembles the workbook. The grant filter limits which grants, and
// so which milestones, are included.
func Build(ctx context.Context, src Source, filter model.GrantFilter) (*xlsx.File, error) {
	grants, err := src.ListGrants(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "report: list grants")
	}

	f := xlsx.NewFile()
	gs, err := addSheet(f, SheetGrants, grantHeader)
	if err != nil {
		return nil, err
	}
	ms, err := addSheet(f, SheetMilestones, milestoneHeader)
	if err != nil {
		return nil, err
	}
	rs, err := addSheet(f, SheetReconciliation, reconcileHeader)
	if err != nil {
		return nil, err
	}

	for _, g := range grants {
		addRow(gs,
			g.ID, g.Title, g.Applicant, string(g.Status), g.RequestedAmount.StringFixed(2), g.Currency,
			optFloat(g.OverallScore), string(g.Verdict), strconv.FormatBool(g.ConsensusReached),
			g.CreatedAt.UTC().Format(time.RFC3339), optTime(g.DecidedAt),
		)

		milestones, err := src.ListMilestones(ctx, store.MilestoneFilter{GrantID: g.ID})
		if err != nil {
			return nil, eris.Wrapf(err, "report: list milestones for grant %s", g.ID)
		}
		for _, m := range milestones {
			addRow(ms,
				m.ID, m.GrantID, strconv.Itoa(m.Number), m.Title, m.Amount.StringFixed(2), string(m.Status),
				strconv.Itoa(m.SubmissionCycle), strconv.FormatBool(m.PaymentAuthorized), m.PaymentTxHash, optTime(m.PaidAt),
			)
			if workflow.NeedsReconciliation(&m) {
				addRow(rs, m.ID, m.GrantID, strconv.Itoa(m.Number), m.Amount.StringFixed(2), m.UpdatedAt.UTC().Format(time.RFC3339))
			}
		}
	}
	return f, nil
}

// Write builds the workbook and saves it to path.
func Write(ctx context.Context, src Source, filter model.GrantFilter, path string) error {
	f, err := Build(ctx, src, filter)
	if err != nil {
		return err
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func addSheet(f *xlsx.File, name string, header []string) (*xlsx.Sheet, error) {
	sheet, err := f.AddSheet(name)
	if err != nil {
		return nil, eris.Wrapf(err, "report: add sheet %s", name)
	}
	addRow(sheet, header...)
	return sheet, nil
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func optTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

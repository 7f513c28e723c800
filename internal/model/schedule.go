package model

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// scheduleFile is the on-disk layout of a funding schedule.
type scheduleFile struct {
	Milestones []struct {
		Title       string `yaml:"title"`
		Description string `yaml:"description"`
		Amount      string `yaml:"amount"`
	} `yaml:"milestones"`
}

// LoadSchedule reads a funding schedule from a YAML file.
func LoadSchedule(path string) ([]MilestoneSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read schedule %s", path)
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes a YAML funding schedule. Amounts are strings so
// they survive without float rounding.
func ParseSchedule(data []byte) ([]MilestoneSpec, error) {
	var f scheduleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "model: parse schedule")
	}

	specs := make([]MilestoneSpec, 0, len(f.Milestones))
	for i, m := range f.Milestones {
		amt, err := decimal.NewFromString(m.Amount)
		if err != nil {
			return nil, eris.Wrapf(err, "model: milestone %d amount %q", i+1, m.Amount)
		}
		specs = append(specs, MilestoneSpec{
			Title:       m.Title,
			Description: m.Description,
			Amount:      amt,
		})
	}
	return specs, nil
}

// ScheduleTotal sums the amounts of a funding schedule.
func ScheduleTotal(specs []MilestoneSpec) decimal.Decimal {
	total := decimal.Zero
	for _, s := range specs {
		total = total.Add(s.Amount)
	}
	return total
}

package consensus

import "github.com/sells-group/grant-review/internal/model"

// AggregateReviews summarizes agent reviews of a milestone submission. Every
// review counts equally. AvgScore covers only reviews that carried a score
// and stays nil when none did.
func AggregateReviews(reviews []model.AgentMilestoneReview) model.ReviewStats {
	var stats model.ReviewStats
	var sum float64
	for _, r := range reviews {
		stats.Total++
		switch r.Recommendation {
		case model.RecommendApprove:
			stats.Approvals++
		case model.RecommendReject:
			stats.Rejections++
		case model.RecommendRevise:
			stats.Revisions++
		}
		if r.ReviewScore != nil {
			stats.Scored++
			sum += *r.ReviewScore
		}
	}
	if stats.Scored > 0 {
		avg := sum / float64(stats.Scored)
		stats.AvgScore = &avg
	}
	return stats
}

// ForCycle keeps the reviews belonging to one submission cycle.
func ForCycle(reviews []model.AgentMilestoneReview, cycle int) []model.AgentMilestoneReview {
	out := make([]model.AgentMilestoneReview, 0, len(reviews))
	for _, r := range reviews {
		if r.Cycle == cycle {
			out = append(out, r)
		}
	}
	return out
}

// Majority returns the recommendation held by a strict plurality of
// reviews. ok is false on a tie or when there are no reviews.
func Majority(stats model.ReviewStats) (rec model.Recommendation, ok bool) {
	counts := []struct {
		rec model.Recommendation
		n   int
	}{
		{model.RecommendApprove, stats.Approvals},
		{model.RecommendReject, stats.Rejections},
		{model.RecommendRevise, stats.Revisions},
	}
	best, tied := -1, false
	for i, c := range counts {
		if c.n == 0 {
			continue
		}
		switch {
		case best < 0 || c.n > counts[best].n:
			best, tied = i, false
		case c.n == counts[best].n:
			tied = true
		}
	}
	if best < 0 || tied {
		return "", false
	}
	return counts[best].rec, true
}

// IsOverride reports whether an admin decision contradicts the agents'
// majority recommendation.
func IsOverride(decision model.Decision, stats model.ReviewStats) bool {
	rec, ok := Majority(stats)
	if !ok {
		return false
	}
	return recommendationFor(decision) != rec
}

func recommendationFor(d model.Decision) model.Recommendation {
	switch d {
	case model.DecisionApproved:
		return model.RecommendApprove
	case model.DecisionRejected:
		return model.RecommendReject
	default:
		return model.RecommendRevise
	}
}

package voting

import "math"

// Band buckets a sentiment score.
type Band string

const (
	BandStrongSupport    Band = "strong_support"
	BandSupport          Band = "support"
	BandNeutral          Band = "neutral"
	BandOpposition       Band = "opposition"
	BandStrongOpposition Band = "strong_opposition"
)

const (
	dampeningConfidence  = 0.5
	fullParticipationAt  = 0.2
	reliabilityConfShare = 0.6
	reliabilityPartShare = 0.4
)

// Sentiment is the community score reported for a poll.
type Sentiment struct {
	Score       float64 `json:"score"`
	Band        Band    `json:"band"`
	Reliability float64 `json:"reliability"`
	Dampened    bool    `json:"dampened"`
}

// Score turns a weighted average into a sentiment. Below confidence 0.5
// the score is multiplied by the confidence, pulling it toward zero.
func Score(weightedAverage, confidence, participationRate float64) Sentiment {
	s := Sentiment{Score: weightedAverage}
	if confidence < dampeningConfidence {
		s.Score = weightedAverage * confidence
		s.Dampened = true
	}
	s.Band = BandFor(s.Score)
	s.Reliability = reliabilityConfShare*confidence +
		reliabilityPartShare*math.Min(participationRate/fullParticipationAt, 1)
	return s
}

// BandFor places a score in its band. Upper bounds are exclusive except
// that 100 and above is strong support.
func BandFor(score float64) Band {
	switch {
	case score >= 80:
		return BandStrongSupport
	case score >= 60:
		return BandSupport
	case score >= 40:
		return BandNeutral
	case score >= 20:
		return BandOpposition
	default:
		return BandStrongOpposition
	}
}

// Assessment is the overall reading of a poll.
type Assessment string

const (
	AssessmentInvalid Assessment = "invalid"
	AssessmentApprove Assessment = "approve"
	AssessmentReject  Assessment = "reject"
	AssessmentPending Assessment = "pending"
)

// Assess derives the poll assessment. Without quorum the poll is invalid
// whatever the sentiment.
func Assess(q QuorumResult, s Sentiment) Assessment {
	if !q.Met {
		return AssessmentInvalid
	}
	switch s.Band {
	case BandStrongSupport, BandSupport:
		return AssessmentApprove
	case BandOpposition, BandStrongOpposition:
		return AssessmentReject
	default:
		return AssessmentPending
	}
}

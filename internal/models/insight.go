package models

import "github.com/shopspring/decimal"

type Completeness string

const (
	CompletenessFull    Completeness = "full"
	CompletenessPartial Completeness = "partial"
	CompletenessMinimal Completeness = "minimal"
)

// FallbackFormOnly marks an insight whose empirical probabilities ignore head-to-head.
const FallbackFormOnly = "form_only"

type FormSummary struct {
	ParticipantID string  `json:"participant_id"`
	Games         int     `json:"games"`
	Wins          int     `json:"wins"`
	Draws         int     `json:"draws"`
	Losses        int     `json:"losses"`
	AvgFor        float64 `json:"avg_for"`
	AvgAgainst    float64 `json:"avg_against"`
	// Margins and Totals are per game, most recent first, limited to the form window.
	Margins []int `json:"margins"`
	Totals  []int `json:"totals"`
}

func (f FormSummary) WinRate() float64 {
	if f.Games == 0 {
		return 0
	}
	return float64(f.Wins) / float64(f.Games)
}

func (f FormSummary) LossRate() float64 {
	if f.Games == 0 {
		return 0
	}
	return float64(f.Losses) / float64(f.Games)
}

// HeadToHead aggregates past meetings from the current event's home perspective.
type HeadToHead struct {
	Games    int   `json:"games"`
	HomeWins int   `json:"home_wins"`
	AwayWins int   `json:"away_wins"`
	Draws    int   `json:"draws"`
	Margins  []int `json:"margins"`
	Totals   []int `json:"totals"`
}

type Evidence struct {
	Kind     string  `json:"kind"`
	SourceID string  `json:"source_id,omitempty"`
	Detail   string  `json:"detail"`
	Value    float64 `json:"value"`
}

// Candidate is a priced market selection with a computed edge.
type Candidate struct {
	Market     string           `json:"market"`
	Selection  string           `json:"selection"`
	Point      *decimal.Decimal `json:"point,omitempty"`
	Price      decimal.Decimal  `json:"price"`
	SourceID   string           `json:"source_id"`
	Implied    float64          `json:"implied"`
	Empirical  float64          `json:"empirical"`
	Edge       float64          `json:"edge"`
	Confidence float64          `json:"confidence"`
	Evidence   []Evidence       `json:"evidence"`
}

type Insight struct {
	EventID      string                 `json:"event_id"`
	RecentForm   map[string]FormSummary `json:"recent_form"`
	HeadToHead   *HeadToHead            `json:"head_to_head,omitempty"`
	Lines        []Line                 `json:"lines,omitempty"`
	News         []NewsItem             `json:"news,omitempty"`
	Completeness Completeness           `json:"data_completeness"`
	Fallback     string                 `json:"fallback,omitempty"`
	Candidates   []Candidate            `json:"candidates,omitempty"`
	// Degraded lists sources whose payload could not be used.
	Degraded []Failure `json:"degraded,omitempty"`
}

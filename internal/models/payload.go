package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the typed, validated body of a SourceResult.
type Payload interface {
	Kind() SourceKind
}

const (
	MarketMoneyline = "moneyline"
	MarketSpread    = "spread"
	MarketTotal     = "total"

	SelectionHome  = "home"
	SelectionAway  = "away"
	SelectionDraw  = "draw"
	SelectionOver  = "over"
	SelectionUnder = "under"
)

type SchedulePayload struct {
	Events []Event `json:"events"`
}

func (SchedulePayload) Kind() SourceKind { return SourceKindSchedule }

// GameResult is one past game from a participant's point of view.
type GameResult struct {
	Date          time.Time `json:"date"`
	Opponent      string    `json:"opponent"`
	PointsFor     int       `json:"points_for"`
	PointsAgainst int       `json:"points_against"`
	IsHome        bool      `json:"is_home"`
}

func (g GameResult) Margin() int { return g.PointsFor - g.PointsAgainst }

func (g GameResult) Total() int { return g.PointsFor + g.PointsAgainst }

// FormPayload holds recent games per side, most recent first.
type FormPayload struct {
	Home []GameResult `json:"home"`
	Away []GameResult `json:"away"`
}

func (FormPayload) Kind() SourceKind { return SourceKindForm }

type H2HGame struct {
	Date      time.Time `json:"date"`
	HomeID    string    `json:"home_id"`
	AwayID    string    `json:"away_id"`
	HomeScore int       `json:"home_score"`
	AwayScore int       `json:"away_score"`
}

type H2HPayload struct {
	Games []H2HGame `json:"games"`
}

func (H2HPayload) Kind() SourceKind { return SourceKindH2H }

// Line is one priced selection. Price is decimal odds; Point is the handicap or total
// for spread and total markets.
type Line struct {
	Market    string           `json:"market"`
	Selection string           `json:"selection"`
	Point     *decimal.Decimal `json:"point,omitempty"`
	Price     decimal.Decimal  `json:"price"`
	Bookmaker string           `json:"bookmaker,omitempty"`
	SourceID  string           `json:"source_id,omitempty"`
}

// Key identifies the market slot a line prices, independent of bookmaker.
func (l Line) Key() string {
	k := l.Market + "|" + l.Selection
	if l.Point != nil {
		k += "|" + l.Point.String()
	}
	return k
}

type LinesPayload struct {
	Lines []Line `json:"lines"`
}

func (LinesPayload) Kind() SourceKind { return SourceKindLines }

type NewsItem struct {
	ParticipantID string    `json:"participant_id"`
	Headline      string    `json:"headline"`
	Tags          []string  `json:"tags"`
	PublishedAt   time.Time `json:"published_at"`
}

func (n NewsItem) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type NewsPayload struct {
	Items []NewsItem `json:"items"`
}

func (NewsPayload) Kind() SourceKind { return SourceKindNews }

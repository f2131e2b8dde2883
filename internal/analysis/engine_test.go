package analysis

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
	"sportsedge/internal/ranker"
)

var testEvent = models.Event{
	ID:   "e1",
	Home: models.Participant{ID: "h", Name: "Hawks"},
	Away: models.Participant{ID: "a", Name: "Aces"},
}

func games(n, pf, pa int) []models.GameResult {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.GameResult, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.GameResult{
			Date:          base.AddDate(0, 0, -i),
			Opponent:      "x",
			PointsFor:     pf,
			PointsAgainst: pa,
		})
	}
	return out
}

func formResult() models.SourceResult {
	return models.SourceResult{
		SourceID: "stats",
		Kind:     models.SourceKindForm,
		EventID:  "e1",
		Status:   models.StatusOk,
		Payload:  models.FormPayload{Home: games(5, 110, 100), Away: games(5, 95, 100)},
	}
}

func linesResult(id string, lines ...models.Line) models.SourceResult {
	return models.SourceResult{
		SourceID: id,
		Kind:     models.SourceKindLines,
		EventID:  "e1",
		Status:   models.StatusOk,
		Payload:  models.LinesPayload{Lines: lines},
	}
}

func moneyline(selection, price string) models.Line {
	return models.Line{Market: models.MarketMoneyline, Selection: selection, Price: decimal.RequireFromString(price)}
}

func h2hFailed() models.SourceResult {
	return models.SourceResult{
		SourceID: "h2h",
		Kind:     models.SourceKindH2H,
		EventID:  "e1",
		Status:   models.StatusFailed,
		Err:      errs.New(errs.KindSourceTimeout, "fetch", nil),
	}
}

func engine() *Engine {
	return &Engine{FormWindow: 10, H2HWeight: 0.3, EdgeScale: 0.15, MinFormGames: 3, InjuryPenalty: 0.85}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCombine_FormOnlyFallbackIsPartial(t *testing.T) {
	ins := engine().Combine(testEvent, []models.SourceResult{
		formResult(),
		h2hFailed(),
		linesResult("odds", moneyline("home", "2.0"), moneyline("away", "1.5")),
	})
	if ins.Completeness != models.CompletenessPartial || ins.Fallback != models.FallbackFormOnly {
		t.Fatalf("completeness=%s fallback=%q", ins.Completeness, ins.Fallback)
	}
	if len(ins.Candidates) != 1 {
		t.Fatalf("candidates=%d want=1", len(ins.Candidates))
	}
	c := ins.Candidates[0]
	if c.Selection != models.SelectionHome || !approx(c.Edge, 0.5) || !approx(c.Confidence, 0.4) {
		t.Fatalf("candidate=%+v want home edge=0.5 confidence=0.4", c)
	}
}

func TestCombine_FullBlendsHeadToHead(t *testing.T) {
	h2h := models.SourceResult{
		SourceID: "h2h",
		Kind:     models.SourceKindH2H,
		Status:   models.StatusOk,
		Payload: models.H2HPayload{Games: []models.H2HGame{
			{Date: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), HomeID: "h", AwayID: "a", HomeScore: 100, AwayScore: 90},
			{Date: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), HomeID: "a", AwayID: "h", HomeScore: 95, AwayScore: 90},
		}},
	}
	ins := engine().Combine(testEvent, []models.SourceResult{formResult(), h2h, linesResult("odds", moneyline("home", "2.0"))})
	if ins.Completeness != models.CompletenessFull || ins.Fallback != "" {
		t.Fatalf("completeness=%s fallback=%q", ins.Completeness, ins.Fallback)
	}
	if ins.HeadToHead == nil || ins.HeadToHead.HomeWins != 1 || ins.HeadToHead.AwayWins != 1 {
		t.Fatalf("h2h=%+v", ins.HeadToHead)
	}
	c := ins.Candidates[0]
	if !approx(c.Empirical, 0.85) || !approx(c.Confidence, 0.5) {
		t.Fatalf("empirical=%v confidence=%v want=0.85,0.5", c.Empirical, c.Confidence)
	}
}

func TestCombine_MinimalWithoutLines(t *testing.T) {
	ins := engine().Combine(testEvent, []models.SourceResult{formResult(), h2hFailed()})
	if ins.Completeness != models.CompletenessMinimal || len(ins.Candidates) != 0 {
		t.Fatalf("completeness=%s candidates=%d", ins.Completeness, len(ins.Candidates))
	}
	if recs := (&ranker.Ranker{K: 3}).Rank(ins); len(recs) != 0 {
		t.Fatalf("recs=%d want=0", len(recs))
	}
}

func TestCombine_LineShopping(t *testing.T) {
	ins := engine().Combine(testEvent, []models.SourceResult{
		formResult(),
		linesResult("book-b", moneyline("home", "2.10")),
		linesResult("book-a", moneyline("home", "2.10")),
		linesResult("book-c", moneyline("home", "1.95")),
	})
	if len(ins.Lines) != 1 {
		t.Fatalf("lines=%d want=1", len(ins.Lines))
	}
	if ins.Lines[0].SourceID != "book-a" || !ins.Lines[0].Price.Equal(decimal.RequireFromString("2.1")) {
		t.Fatalf("best line=%+v want book-a at 2.10", ins.Lines[0])
	}
}

func TestCombine_InjuryNewsScalesConfidence(t *testing.T) {
	news := models.SourceResult{
		SourceID: "wire",
		Kind:     models.SourceKindNews,
		Status:   models.StatusOk,
		Payload: models.NewsPayload{Items: []models.NewsItem{
			{ParticipantID: "h", Headline: "Hawks guard out", Tags: []string{"injury"}},
			{ParticipantID: "zz", Headline: "unrelated", Tags: []string{"injury"}},
		}},
	}
	ins := engine().Combine(testEvent, []models.SourceResult{formResult(), news, linesResult("odds", moneyline("home", "2.0"))})
	c := ins.Candidates[0]
	if !approx(c.Confidence, 0.34) {
		t.Fatalf("confidence=%v want=0.34", c.Confidence)
	}
	if len(ins.News) != 1 {
		t.Fatalf("news=%d want=1", len(ins.News))
	}
}

func TestCombine_SameNewsFromTwoSourcesCountsOnce(t *testing.T) {
	published := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	wire := func(id, headline string, at time.Time) models.SourceResult {
		return models.SourceResult{
			SourceID: id,
			Kind:     models.SourceKindNews,
			Status:   models.StatusOk,
			Payload: models.NewsPayload{Items: []models.NewsItem{
				{ParticipantID: "h", Headline: headline, Tags: []string{"injury"}, PublishedAt: at},
			}},
		}
	}
	ins := engine().Combine(testEvent, []models.SourceResult{
		formResult(),
		wire("wire", "Hawks guard out", published),
		wire("wire2", "hawks  guard OUT", published.Add(3*time.Hour)),
		linesResult("odds", moneyline("home", "2.0")),
	})
	c := ins.Candidates[0]
	if !approx(c.Confidence, 0.34) {
		t.Fatalf("confidence=%v want=0.34", c.Confidence)
	}
	if len(ins.News) != 1 {
		t.Fatalf("news=%d want=1", len(ins.News))
	}
	if ins.News[0].Headline != "Hawks guard out" {
		t.Fatalf("kept=%q want the lower source id's item", ins.News[0].Headline)
	}

	ins = engine().Combine(testEvent, []models.SourceResult{
		formResult(),
		wire("wire", "Hawks guard out", published),
		wire("wire2", "Hawks guard out", published.Add(24*time.Hour)),
		linesResult("odds", moneyline("home", "2.0")),
	})
	if len(ins.News) != 2 {
		t.Fatalf("news=%d want=2 for different days", len(ins.News))
	}
}

func TestCombine_DeterministicAcrossInputOrder(t *testing.T) {
	results := []models.SourceResult{
		formResult(),
		linesResult("odds", moneyline("home", "2.0"),
			models.Line{Market: models.MarketTotal, Selection: models.SelectionUnder, Point: ptr(decimal.RequireFromString("205.5")), Price: decimal.RequireFromString("1.9")}),
		linesResult("odds2", moneyline("home", "1.8")),
	}
	reversed := []models.SourceResult{results[2], results[1], results[0]}
	e := engine()
	a := e.Combine(testEvent, results)
	b := e.Combine(testEvent, reversed)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("combine not deterministic:\n%+v\n%+v", a, b)
	}
	r := &ranker.Ranker{K: 5}
	if !reflect.DeepEqual(r.Rank(a), r.Rank(b)) {
		t.Fatalf("rank not deterministic")
	}
}

func TestCombine_KindMismatchIsDegraded(t *testing.T) {
	bad := models.SourceResult{SourceID: "odds", Kind: models.SourceKindLines, Status: models.StatusOk, Payload: models.NewsPayload{}}
	ins := engine().Combine(testEvent, []models.SourceResult{formResult(), bad})
	if len(ins.Degraded) != 1 || ins.Degraded[0].SourceID != "odds" {
		t.Fatalf("degraded=%+v", ins.Degraded)
	}
	if ins.Completeness != models.CompletenessMinimal {
		t.Fatalf("completeness=%s want minimal", ins.Completeness)
	}
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

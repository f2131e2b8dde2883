package ranker

import (
	"testing"

	"github.com/shopspring/decimal"

	"sportsedge/internal/models"
)

func cand(market, selection string, confidence float64, price string) models.Candidate {
	return models.Candidate{
		Market:     market,
		Selection:  selection,
		Price:      decimal.RequireFromString(price),
		Edge:       0.05,
		Confidence: confidence,
	}
}

func TestRank_DenseRanksAndTieBreak(t *testing.T) {
	ins := models.Insight{
		EventID:      "e1",
		Completeness: models.CompletenessFull,
		Candidates: []models.Candidate{
			cand(models.MarketTotal, models.SelectionOver, 0.6, "1.9"),
			cand(models.MarketMoneyline, models.SelectionHome, 0.6, "2.0"),
			cand(models.MarketSpread, models.SelectionAway, 0.8, "1.95"),
			cand(models.MarketMoneyline, models.SelectionAway, 0.1, "3.0"),
		},
	}
	r := &Ranker{K: 5, MinConfidence: 0.2}
	got := r.Rank(ins)
	if len(got) != 3 {
		t.Fatalf("recs=%d want=3 (not padded to K)", len(got))
	}
	want := []string{"spread/away", "moneyline/home", "total/over"}
	for i, rec := range got {
		if rec.Rank != i+1 {
			t.Fatalf("rank=%d want=%d", rec.Rank, i+1)
		}
		if key := rec.Market + "/" + rec.Selection; key != want[i] {
			t.Fatalf("pos=%d got=%s want=%s", i, key, want[i])
		}
		if i > 0 && rec.Confidence > got[i-1].Confidence {
			t.Fatalf("confidence increased at rank %d", rec.Rank)
		}
	}
}

func TestRank_TruncatesToK(t *testing.T) {
	ins := models.Insight{EventID: "e1", Completeness: models.CompletenessPartial}
	for _, c := range []float64{0.31, 0.5, 0.32, 0.45, 0.33, 0.34} {
		ins.Candidates = append(ins.Candidates, cand(models.MarketMoneyline, models.SelectionHome, c, "2.0"))
	}
	got := (&Ranker{K: 2}).Rank(ins)
	if len(got) != 2 || got[0].Confidence != 0.5 || got[1].Confidence != 0.45 || got[1].Rank != 2 {
		t.Fatalf("recs=%+v", got)
	}
}

func TestRank_MinimalYieldsNothing(t *testing.T) {
	ins := models.Insight{
		EventID:      "e1",
		Completeness: models.CompletenessMinimal,
		Candidates:   []models.Candidate{cand(models.MarketMoneyline, models.SelectionHome, 0.9, "2.0")},
	}
	if got := (&Ranker{K: 3}).Rank(ins); len(got) != 0 {
		t.Fatalf("recs=%d want=0", len(got))
	}
}

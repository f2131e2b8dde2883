package ranker

import (
	"sort"

	"sportsedge/internal/config"
	"sportsedge/internal/models"
)

var defaultPriority = []string{models.MarketMoneyline, models.MarketSpread, models.MarketTotal}

// Ranker selects the top K candidates of an insight. Ordering is confidence
// descending, then market priority, selection, point ascending and price descending,
// so identical inputs always rank identically.
type Ranker struct {
	K              int
	MinConfidence  float64
	MarketPriority []string
}

func New(cfg config.RankerConfig) *Ranker {
	return &Ranker{
		K:              cfg.TopK,
		MinConfidence:  cfg.MinConfidence,
		MarketPriority: cfg.MarketPriority,
	}
}

func (r *Ranker) Rank(ins models.Insight) []models.Recommendation {
	if ins.Completeness == models.CompletenessMinimal || len(ins.Candidates) == 0 || r.K <= 0 {
		return nil
	}
	prio := r.priorities()

	kept := make([]models.Candidate, 0, len(ins.Candidates))
	for _, c := range ins.Candidates {
		if c.Edge <= 0 || c.Confidence < r.MinConfidence {
			continue
		}
		if _, known := prio[c.Market]; !known {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return less(kept[i], kept[j], prio)
	})
	if len(kept) > r.K {
		kept = kept[:r.K]
	}

	out := make([]models.Recommendation, 0, len(kept))
	for i, c := range kept {
		out = append(out, models.Recommendation{
			EventID:    ins.EventID,
			Market:     c.Market,
			Selection:  c.Selection,
			Line:       c.Point,
			Price:      c.Price,
			Confidence: c.Confidence,
			Edge:       c.Edge,
			Rationale:  c.Evidence,
			Rank:       i + 1,
		})
	}
	return out
}

func less(a, b models.Candidate, prio map[string]int) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if pa, pb := prio[a.Market], prio[b.Market]; pa != pb {
		return pa < pb
	}
	if a.Selection != b.Selection {
		return a.Selection < b.Selection
	}
	switch {
	case a.Point == nil && b.Point != nil:
		return true
	case a.Point != nil && b.Point == nil:
		return false
	case a.Point != nil && b.Point != nil && !a.Point.Equal(*b.Point):
		return a.Point.LessThan(*b.Point)
	}
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	return a.SourceID < b.SourceID
}

func (r *Ranker) priorities() map[string]int {
	list := r.MarketPriority
	if len(list) == 0 {
		list = defaultPriority
	}
	out := make(map[string]int, len(list))
	for i, m := range list {
		if _, dup := out[m]; !dup {
			out[m] = i
		}
	}
	return out
}

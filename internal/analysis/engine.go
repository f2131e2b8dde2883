package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
	"sportsedge/internal/models"
)

// Engine combines the collected results of one event into an Insight. Combine is
// a pure function of its inputs.
type Engine struct {
	FormWindow    int
	H2HWeight     float64
	EdgeScale     float64
	MinFormGames  int
	InjuryPenalty float64
}

func New(cfg config.AnalysisConfig) *Engine {
	return &Engine{
		FormWindow:    cfg.FormWindow,
		H2HWeight:     cfg.H2HWeight,
		EdgeScale:     cfg.EdgeScale,
		MinFormGames:  cfg.MinFormGames,
		InjuryPenalty: cfg.InjuryPenalty,
	}
}

const (
	partialFactor = 0.8
	newsFloor     = 0.5
)

type merged struct {
	home, away []models.GameResult
	formSrc    []string
	h2h        []models.H2HGame
	h2hSrc     []string
	lines      map[string]models.Line
	news       []models.NewsItem
	newsSrc    []string
	degraded   []models.Failure
}

func (e *Engine) Combine(ev models.Event, results []models.SourceResult) models.Insight {
	m := e.merge(ev, results)

	ins := models.Insight{
		EventID:    ev.ID,
		RecentForm: map[string]models.FormSummary{},
		News:       m.news,
		Degraded:   m.degraded,
	}
	home := e.summarize(ev.Home.ID, m.home)
	away := e.summarize(ev.Away.ID, m.away)
	if home.Games > 0 {
		ins.RecentForm[ev.Home.ID] = home
	}
	if away.Games > 0 {
		ins.RecentForm[ev.Away.ID] = away
	}
	if len(m.h2h) > 0 {
		ins.HeadToHead = headToHead(ev, m.h2h)
	}
	ins.Lines = sortedLines(m.lines)

	minGames := e.minFormGames()
	hasForm := home.Games >= minGames && away.Games >= minGames
	hasH2H := ins.HeadToHead != nil
	hasLines := len(ins.Lines) > 0
	switch {
	case hasLines && hasForm && hasH2H:
		ins.Completeness = models.CompletenessFull
	case hasLines && hasForm:
		ins.Completeness = models.CompletenessPartial
	default:
		ins.Completeness = models.CompletenessMinimal
	}
	if hasForm && !hasH2H {
		ins.Fallback = models.FallbackFormOnly
	}
	if ins.Completeness == models.CompletenessMinimal {
		return ins
	}

	for _, line := range ins.Lines {
		c, ok := e.candidate(ev, line, home, away, ins.HeadToHead, ins.Completeness, m)
		if ok {
			ins.Candidates = append(ins.Candidates, c)
		}
	}
	return ins
}

// merge folds usable payloads together in source id order so the outcome does not
// depend on the order results arrived in.
func (e *Engine) merge(ev models.Event, results []models.SourceResult) merged {
	sorted := append([]models.SourceResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	m := merged{lines: map[string]models.Line{}}
	seenGame := map[string]bool{}
	seenH2H := map[string]bool{}
	seenNews := map[string]bool{}
	for _, r := range sorted {
		if !r.Usable() {
			continue
		}
		if r.Kind != "" && r.Payload.Kind() != r.Kind {
			m.degraded = append(m.degraded, models.Failure{
				Stage:    models.StageAnalyze,
				EventID:  ev.ID,
				SourceID: r.SourceID,
				Kind:     string(errs.KindSourceParse),
				Message:  fmt.Sprintf("expected %s payload, got %s", r.Kind, r.Payload.Kind()),
			})
			continue
		}
		switch p := r.Payload.(type) {
		case models.FormPayload:
			m.formSrc = append(m.formSrc, r.SourceID)
			for _, g := range p.Home {
				if k := "h|" + gameKey(g); !seenGame[k] {
					seenGame[k] = true
					m.home = append(m.home, g)
				}
			}
			for _, g := range p.Away {
				if k := "a|" + gameKey(g); !seenGame[k] {
					seenGame[k] = true
					m.away = append(m.away, g)
				}
			}
		case models.H2HPayload:
			m.h2hSrc = append(m.h2hSrc, r.SourceID)
			for _, g := range p.Games {
				k := g.Date.Format("2006-01-02") + "|" + g.HomeID + "|" + g.AwayID
				if seenH2H[k] || !involves(ev, g) {
					continue
				}
				seenH2H[k] = true
				m.h2h = append(m.h2h, g)
			}
		case models.LinesPayload:
			for _, l := range p.Lines {
				l.SourceID = r.SourceID
				key := l.Key()
				best, ok := m.lines[key]
				// Line shopping: highest price wins, ties go to the lower source id.
				if !ok || l.Price.GreaterThan(best.Price) {
					m.lines[key] = l
				}
			}
		case models.NewsPayload:
			for _, it := range p.Items {
				if ev.Side(it.ParticipantID) == "" {
					continue
				}
				// The same report from two wires counts once.
				k := newsKey(it)
				if seenNews[k] {
					continue
				}
				seenNews[k] = true
				m.news = append(m.news, it)
				m.newsSrc = append(m.newsSrc, r.SourceID)
			}
		}
	}
	return m
}

func newsKey(it models.NewsItem) string {
	headline := strings.Join(strings.Fields(strings.ToLower(it.Headline)), " ")
	return it.ParticipantID + "|" + headline + "|" + it.PublishedAt.UTC().Format("2006-01-02")
}

func (e *Engine) candidate(ev models.Event, line models.Line, home, away models.FormSummary, h2h *models.HeadToHead, comp models.Completeness, m merged) (models.Candidate, bool) {
	price := line.Price.InexactFloat64()
	if price <= 1 {
		return models.Candidate{}, false
	}
	implied := 1 / price
	pForm, formNote, ok := formProbability(line, home, away)
	if !ok {
		return models.Candidate{}, false
	}

	evidence := []models.Evidence{
		{Kind: "line", SourceID: line.SourceID, Detail: fmt.Sprintf("price %s implies %.3f", line.Price.String(), implied), Value: implied},
		{Kind: "form", SourceID: first(m.formSrc), Detail: formNote, Value: pForm},
	}
	empirical := pForm
	if h2h != nil {
		if pH2H, note, ok := h2hProbability(line, h2h); ok {
			w := e.h2hWeight()
			empirical = (1-w)*pForm + w*pH2H
			evidence = append(evidence, models.Evidence{Kind: "h2h", SourceID: first(m.h2hSrc), Detail: note, Value: pH2H})
		}
	}
	edge := empirical - implied
	if edge <= 0 {
		return models.Candidate{}, false
	}

	confidence := clamp01(edge/e.edgeScale()) * e.sampleFactor(home, away)
	if comp == models.CompletenessPartial {
		confidence *= partialFactor
	}
	if backed := backedParticipant(ev, line.Selection); backed != "" {
		n := 0
		for i, it := range m.news {
			if it.ParticipantID != backed || !(it.HasTag("injury") || it.HasTag("suspension")) {
				continue
			}
			n++
			evidence = append(evidence, models.Evidence{Kind: "news", SourceID: m.newsSrc[i], Detail: it.Headline, Value: e.injuryPenalty()})
		}
		if n > 0 {
			confidence *= math.Max(newsFloor, math.Pow(e.injuryPenalty(), float64(n)))
		}
	}

	return models.Candidate{
		Market:     line.Market,
		Selection:  line.Selection,
		Point:      line.Point,
		Price:      line.Price,
		SourceID:   line.SourceID,
		Implied:    round4(implied),
		Empirical:  round4(empirical),
		Edge:       round4(edge),
		Confidence: round4(confidence),
		Evidence:   evidence,
	}, true
}

// formProbability estimates the selection's chance from both sides' recent games.
func formProbability(line models.Line, home, away models.FormSummary) (float64, string, bool) {
	switch line.Market {
	case models.MarketMoneyline:
		switch line.Selection {
		case models.SelectionHome:
			return (home.WinRate() + away.LossRate()) / 2, "home win rate vs away loss rate", true
		case models.SelectionAway:
			return (away.WinRate() + home.LossRate()) / 2, "away win rate vs home loss rate", true
		case models.SelectionDraw:
			return (rate(home.Draws, home.Games) + rate(away.Draws, away.Games)) / 2, "draw rate", true
		}
	case models.MarketSpread:
		pt := pointOf(line)
		switch line.Selection {
		case models.SelectionHome:
			p := (fraction(home.Margins, func(m int) bool { return float64(m)+pt > 0 }) +
				fraction(away.Margins, func(m int) bool { return float64(-m)+pt > 0 })) / 2
			return p, fmt.Sprintf("home covers %+.1f", pt), true
		case models.SelectionAway:
			p := (fraction(away.Margins, func(m int) bool { return float64(m)+pt > 0 }) +
				fraction(home.Margins, func(m int) bool { return float64(-m)+pt > 0 })) / 2
			return p, fmt.Sprintf("away covers %+.1f", pt), true
		}
	case models.MarketTotal:
		pt := pointOf(line)
		totals := append(append([]int(nil), home.Totals...), away.Totals...)
		switch line.Selection {
		case models.SelectionOver:
			return fraction(totals, func(t int) bool { return float64(t) > pt }), fmt.Sprintf("totals over %.1f", pt), true
		case models.SelectionUnder:
			return fraction(totals, func(t int) bool { return float64(t) < pt }), fmt.Sprintf("totals under %.1f", pt), true
		}
	}
	return 0, "", false
}

func h2hProbability(line models.Line, h *models.HeadToHead) (float64, string, bool) {
	if h.Games == 0 {
		return 0, "", false
	}
	note := fmt.Sprintf("%d meetings", h.Games)
	switch line.Market {
	case models.MarketMoneyline:
		switch line.Selection {
		case models.SelectionHome:
			return rate(h.HomeWins, h.Games), note, true
		case models.SelectionAway:
			return rate(h.AwayWins, h.Games), note, true
		case models.SelectionDraw:
			return rate(h.Draws, h.Games), note, true
		}
	case models.MarketSpread:
		pt := pointOf(line)
		switch line.Selection {
		case models.SelectionHome:
			return fraction(h.Margins, func(m int) bool { return float64(m)+pt > 0 }), note, true
		case models.SelectionAway:
			return fraction(h.Margins, func(m int) bool { return float64(-m)+pt > 0 }), note, true
		}
	case models.MarketTotal:
		pt := pointOf(line)
		switch line.Selection {
		case models.SelectionOver:
			return fraction(h.Totals, func(t int) bool { return float64(t) > pt }), note, true
		case models.SelectionUnder:
			return fraction(h.Totals, func(t int) bool { return float64(t) < pt }), note, true
		}
	}
	return 0, "", false
}

func (e *Engine) summarize(participantID string, games []models.GameResult) models.FormSummary {
	sorted := append([]models.GameResult(nil), games...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.After(sorted[j].Date) })
	if w := e.formWindow(); len(sorted) > w {
		sorted = sorted[:w]
	}
	s := models.FormSummary{ParticipantID: participantID, Games: len(sorted)}
	var pf, pa int
	for _, g := range sorted {
		switch {
		case g.Margin() > 0:
			s.Wins++
		case g.Margin() < 0:
			s.Losses++
		default:
			s.Draws++
		}
		pf += g.PointsFor
		pa += g.PointsAgainst
		s.Margins = append(s.Margins, g.Margin())
		s.Totals = append(s.Totals, g.Total())
	}
	if s.Games > 0 {
		s.AvgFor = round4(float64(pf) / float64(s.Games))
		s.AvgAgainst = round4(float64(pa) / float64(s.Games))
	}
	return s
}

func headToHead(ev models.Event, games []models.H2HGame) *models.HeadToHead {
	h := &models.HeadToHead{}
	for _, g := range games {
		margin := g.HomeScore - g.AwayScore
		if g.HomeID != ev.Home.ID {
			margin = -margin
		}
		h.Games++
		switch {
		case margin > 0:
			h.HomeWins++
		case margin < 0:
			h.AwayWins++
		default:
			h.Draws++
		}
		h.Margins = append(h.Margins, margin)
		h.Totals = append(h.Totals, g.HomeScore+g.AwayScore)
	}
	return h
}

func (e *Engine) sampleFactor(home, away models.FormSummary) float64 {
	games := home.Games
	if away.Games < games {
		games = away.Games
	}
	return math.Min(1, float64(games)/float64(e.formWindow()))
}

func (e *Engine) formWindow() int {
	if e.FormWindow <= 0 {
		return 10
	}
	return e.FormWindow
}

func (e *Engine) minFormGames() int {
	if e.MinFormGames <= 0 {
		return 1
	}
	return e.MinFormGames
}

func (e *Engine) h2hWeight() float64 {
	if e.H2HWeight < 0 || e.H2HWeight > 1 {
		return 0.3
	}
	return e.H2HWeight
}

func (e *Engine) edgeScale() float64 {
	if e.EdgeScale <= 0 {
		return 0.15
	}
	return e.EdgeScale
}

func (e *Engine) injuryPenalty() float64 {
	if e.InjuryPenalty <= 0 || e.InjuryPenalty > 1 {
		return 1
	}
	return e.InjuryPenalty
}

func backedParticipant(ev models.Event, selection string) string {
	switch selection {
	case models.SelectionHome:
		return ev.Home.ID
	case models.SelectionAway:
		return ev.Away.ID
	default:
		return ""
	}
}

func involves(ev models.Event, g models.H2HGame) bool {
	return (g.HomeID == ev.Home.ID && g.AwayID == ev.Away.ID) || (g.HomeID == ev.Away.ID && g.AwayID == ev.Home.ID)
}

func gameKey(g models.GameResult) string {
	return g.Date.Format("2006-01-02") + "|" + g.Opponent
}

func sortedLines(in map[string]models.Line) []models.Line {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.Line, 0, len(keys))
	for _, k := range keys {
		out = append(out, in[k])
	}
	return out
}

func pointOf(l models.Line) float64 {
	if l.Point == nil {
		return 0
	}
	return l.Point.InexactFloat64()
}

func fraction(vals []int, pred func(int) bool) float64 {
	if len(vals) == 0 {
		return 0
	}
	n := 0
	for _, v := range vals {
		if pred(v) {
			n++
		}
	}
	return float64(n) / float64(len(vals))
}

func rate(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}

func first(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

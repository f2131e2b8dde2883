package delivery

import (
	"bytes"
	"fmt"
	"text/template"

	"sportsedge/internal/models"
)

var funcs = template.FuncMap{
	"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v*100) },
}

var eventTmpl = template.Must(template.New("event").Funcs(funcs).Parse(
	`**{{.Label}}** ({{.League}}, {{.Start}})
{{range .Picks}}{{.Rank}}. {{.Market}} {{.Selection}}{{if .Line}} {{.Line}}{{end}} @ {{.Price}} | confidence {{pct .Confidence}} | edge {{pct .Edge}}
{{end}}data: {{.Completeness}}{{if .Fallback}} ({{.Fallback}}){{end}}
`))

var summaryTmpl = template.Must(template.New("summary").Funcs(funcs).Parse(
	`**Daily picks {{.Date}}**
events: {{.Events}} | with picks: {{.WithPicks}} | recommendations: {{.Recommendations}}
{{if .Failures}}failures:
{{range .Failures}}- {{.Stage}} {{.Kind}}{{if .SourceID}} source={{.SourceID}}{{end}}{{if gt .Count 1}} x{{.Count}} ({{.Events}} events){{else if .EventID}} event={{.EventID}}{{end}}{{if .Message}}: {{.Message}}{{end}}
{{end}}{{if .More}}+{{.More}} more
{{end}}{{else}}no failures
{{end}}`))

const (
	maxFailureGroups  = 15
	maxFailureMessage = 160
)

type pickView struct {
	Rank       int
	Market     string
	Selection  string
	Line       string
	Price      string
	Confidence float64
	Edge       float64
}

type eventView struct {
	Label        string
	League       string
	Start        string
	Picks        []pickView
	Completeness models.Completeness
	Fallback     string
}

// failureGroup is every failure sharing a stage, source and kind. Message and
// EventID come from the first one.
type failureGroup struct {
	Stage    string
	Kind     string
	SourceID string
	EventID  string
	Message  string
	Count    int
	Events   int
}

type summaryView struct {
	Date            string
	Events          int
	WithPicks       int
	Recommendations int
	Failures        []failureGroup
	More            int
}

// groupFailures keeps first-seen order and at most limit groups; the rest are counted.
func groupFailures(failures []models.Failure, limit int) ([]failureGroup, int) {
	var groups []*failureGroup
	index := map[string]*failureGroup{}
	events := map[string]map[string]struct{}{}
	for _, f := range failures {
		key := f.Stage + "|" + f.SourceID + "|" + f.Kind
		g, ok := index[key]
		if !ok {
			g = &failureGroup{
				Stage:    f.Stage,
				Kind:     f.Kind,
				SourceID: f.SourceID,
				EventID:  f.EventID,
				Message:  clip(f.Message, maxFailureMessage),
			}
			index[key] = g
			events[key] = map[string]struct{}{}
			groups = append(groups, g)
		}
		g.Count++
		if f.EventID != "" {
			events[key][f.EventID] = struct{}{}
		}
		g.Events = len(events[key])
	}
	out := make([]failureGroup, 0, len(groups))
	for i, g := range groups {
		if limit > 0 && i >= limit {
			return out, len(groups) - limit
		}
		out = append(out, *g)
	}
	return out, 0
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// RenderEvent formats one event's recommendations.
func RenderEvent(er models.EventReport) (string, error) {
	v := eventView{
		Label:        er.Event.Label(),
		League:       er.Event.League,
		Start:        er.Event.StartTime.UTC().Format("15:04 MST"),
		Completeness: er.Insight.Completeness,
		Fallback:     er.Insight.Fallback,
	}
	for _, r := range er.Recommendations {
		p := pickView{
			Rank:       r.Rank,
			Market:     r.Market,
			Selection:  r.Selection,
			Price:      r.Price.StringFixed(2),
			Confidence: r.Confidence,
			Edge:       r.Edge,
		}
		if r.Line != nil {
			p.Line = r.Line.String()
		}
		v.Picks = append(v.Picks, p)
	}
	var buf bytes.Buffer
	if err := eventTmpl.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderSummary lists counts and the failures recorded on the report, grouped by
// stage, source and kind, so readers can tell missing data from failed fetches.
func RenderSummary(rep *models.Report) (string, error) {
	v := summaryView{Date: rep.Date, Events: len(rep.Events)}
	for _, e := range rep.Events {
		if len(e.Recommendations) > 0 {
			v.WithPicks++
		}
		v.Recommendations += len(e.Recommendations)
	}
	failures := make([]models.Failure, 0, len(rep.SourceFailures)+len(rep.DeliveryFailures))
	failures = append(failures, rep.SourceFailures...)
	failures = append(failures, rep.DeliveryFailures...)
	v.Failures, v.More = groupFailures(failures, maxFailureGroups)
	var buf bytes.Buffer
	if err := summaryTmpl.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

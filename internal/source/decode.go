package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
)

var validSelections = map[string]map[string]bool{
	models.MarketMoneyline: {models.SelectionHome: true, models.SelectionAway: true, models.SelectionDraw: true},
	models.MarketSpread:    {models.SelectionHome: true, models.SelectionAway: true},
	models.MarketTotal:     {models.SelectionOver: true, models.SelectionUnder: true},
}

// Decode validates envelope data against the schema of kind. partial reports that
// some of the payload was dropped or missing; the returned payload is still usable.
func Decode(kind models.SourceKind, data json.RawMessage) (payload models.Payload, partial bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, parseErr(kind, "empty data")
	}
	switch kind {
	case models.SourceKindSchedule:
		return decodeSchedule(trimmed)
	case models.SourceKindForm:
		return decodeForm(trimmed)
	case models.SourceKindH2H:
		return decodeH2H(trimmed)
	case models.SourceKindLines:
		return decodeLines(trimmed)
	case models.SourceKindNews:
		return decodeNews(trimmed)
	default:
		return nil, false, parseErr(kind, "unknown source kind")
	}
}

func decodeSchedule(data []byte) (models.Payload, bool, error) {
	var raw models.SchedulePayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, parseErr(models.SourceKindSchedule, err.Error())
	}
	out := models.SchedulePayload{Events: make([]models.Event, 0, len(raw.Events))}
	seen := map[string]bool{}
	for _, ev := range raw.Events {
		ev.ID = strings.TrimSpace(ev.ID)
		if ev.ID == "" || ev.Home.ID == "" || ev.Away.ID == "" || ev.Home.ID == ev.Away.ID || seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out.Events = append(out.Events, ev)
	}
	if len(raw.Events) > 0 && len(out.Events) == 0 {
		return nil, false, parseErr(models.SourceKindSchedule, "no valid events")
	}
	return out, len(out.Events) < len(raw.Events), nil
}

func decodeForm(data []byte) (models.Payload, bool, error) {
	var raw models.FormPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, parseErr(models.SourceKindForm, err.Error())
	}
	home, droppedHome := validGames(raw.Home)
	away, droppedAway := validGames(raw.Away)
	if len(home) == 0 && len(away) == 0 {
		return nil, false, parseErr(models.SourceKindForm, "no games for either side")
	}
	partial := droppedHome || droppedAway || len(home) == 0 || len(away) == 0
	return models.FormPayload{Home: home, Away: away}, partial, nil
}

func validGames(in []models.GameResult) ([]models.GameResult, bool) {
	out := make([]models.GameResult, 0, len(in))
	for _, g := range in {
		if g.PointsFor < 0 || g.PointsAgainst < 0 {
			continue
		}
		out = append(out, g)
	}
	return out, len(out) < len(in)
}

func decodeH2H(data []byte) (models.Payload, bool, error) {
	var raw models.H2HPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, parseErr(models.SourceKindH2H, err.Error())
	}
	out := models.H2HPayload{Games: make([]models.H2HGame, 0, len(raw.Games))}
	for _, g := range raw.Games {
		if g.HomeID == "" || g.AwayID == "" || g.HomeScore < 0 || g.AwayScore < 0 {
			continue
		}
		out.Games = append(out.Games, g)
	}
	if len(raw.Games) > 0 && len(out.Games) == 0 {
		return nil, false, parseErr(models.SourceKindH2H, "no valid games")
	}
	return out, len(out.Games) < len(raw.Games), nil
}

func decodeLines(data []byte) (models.Payload, bool, error) {
	var raw struct {
		Bookmaker string        `json:"bookmaker"`
		Lines     []models.Line `json:"lines"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, parseErr(models.SourceKindLines, err.Error())
	}
	one := decimal.NewFromInt(1)
	out := models.LinesPayload{Lines: make([]models.Line, 0, len(raw.Lines))}
	for _, l := range raw.Lines {
		l.Market = strings.ToLower(strings.TrimSpace(l.Market))
		l.Selection = strings.ToLower(strings.TrimSpace(l.Selection))
		sels, ok := validSelections[l.Market]
		if !ok || !sels[l.Selection] {
			continue
		}
		if !l.Price.GreaterThan(one) {
			continue
		}
		needsPoint := l.Market == models.MarketSpread || l.Market == models.MarketTotal
		if needsPoint && l.Point == nil {
			continue
		}
		if !needsPoint {
			l.Point = nil
		}
		if l.Bookmaker == "" {
			l.Bookmaker = raw.Bookmaker
		}
		out.Lines = append(out.Lines, l)
	}
	if len(raw.Lines) > 0 && len(out.Lines) == 0 {
		return nil, false, parseErr(models.SourceKindLines, "no valid lines")
	}
	return out, len(out.Lines) < len(raw.Lines), nil
}

func decodeNews(data []byte) (models.Payload, bool, error) {
	var raw models.NewsPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, parseErr(models.SourceKindNews, err.Error())
	}
	out := models.NewsPayload{Items: make([]models.NewsItem, 0, len(raw.Items))}
	for _, it := range raw.Items {
		if strings.TrimSpace(it.ParticipantID) == "" {
			continue
		}
		for i, tag := range it.Tags {
			it.Tags[i] = strings.ToLower(strings.TrimSpace(tag))
		}
		out.Items = append(out.Items, it)
	}
	return out, len(out.Items) < len(raw.Items), nil
}

func parseErr(kind models.SourceKind, msg string) error {
	return errs.New(errs.KindSourceParse, "source.decode", fmt.Errorf("%s: %s", kind, msg))
}

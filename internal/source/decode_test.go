package source

import (
	"encoding/json"
	"testing"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
)

func TestDecode_LinesDropsInvalidAsPartial(t *testing.T) {
	data := json.RawMessage(`{"bookmaker":"b1","lines":[
		{"market":"moneyline","selection":"home","price":"1.90"},
		{"market":"Total","selection":"over","point":"210.5","price":1.95},
		{"market":"total","selection":"over","price":1.95},
		{"market":"moneyline","selection":"home","price":"0.9"},
		{"market":"props","selection":"yes","price":3}
	]}`)
	p, partial, err := Decode(models.SourceKindLines, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	lines := p.(models.LinesPayload).Lines
	if len(lines) != 2 || !partial {
		t.Fatalf("lines=%d partial=%v want=2,true", len(lines), partial)
	}
	if lines[1].Market != models.MarketTotal || lines[1].Point == nil || lines[1].Point.String() != "210.5" {
		t.Fatalf("line=%+v", lines[1])
	}
	if lines[0].Bookmaker != "b1" {
		t.Fatalf("bookmaker=%q want=b1", lines[0].Bookmaker)
	}
}

func TestDecode_SchemaMismatchIsParseError(t *testing.T) {
	cases := []struct {
		kind models.SourceKind
		data string
	}{
		{models.SourceKindForm, `{"home":"not-a-list"}`},
		{models.SourceKindForm, `{"home":[],"away":[]}`},
		{models.SourceKindLines, `{"lines":[{"market":"moneyline","selection":"home","price":1}]}`},
		{models.SourceKindSchedule, `null`},
		{models.SourceKindH2H, ``},
	}
	for _, tc := range cases {
		_, _, err := Decode(tc.kind, json.RawMessage(tc.data))
		if !errs.Is(err, errs.KindSourceParse) {
			t.Fatalf("kind=%s data=%q err=%v want source_parse", tc.kind, tc.data, err)
		}
	}
}

func TestDecode_FormOneSideIsPartial(t *testing.T) {
	data := json.RawMessage(`{"home":[{"opponent":"x","points_for":100,"points_against":90}],"away":[]}`)
	p, partial, err := Decode(models.SourceKindForm, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !partial || len(p.(models.FormPayload).Home) != 1 {
		t.Fatalf("partial=%v payload=%+v", partial, p)
	}
}

func TestDecode_ScheduleSkipsBrokenEvents(t *testing.T) {
	data := json.RawMessage(`{"events":[
		{"id":"e1","sport":"basketball","league":"nba","home":{"id":"h","name":"H"},"away":{"id":"a","name":"A"}},
		{"id":"e2","home":{"id":"h"},"away":{"id":"h"}},
		{"id":"e1","home":{"id":"h"},"away":{"id":"a"}}
	]}`)
	p, partial, err := Decode(models.SourceKindSchedule, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evs := p.(models.SchedulePayload).Events; len(evs) != 1 || !partial {
		t.Fatalf("events=%+v partial=%v", evs, partial)
	}
}

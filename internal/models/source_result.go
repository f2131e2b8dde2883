package models

import "time"

type SourceKind string

const (
	SourceKindSchedule SourceKind = "schedule"
	SourceKindForm     SourceKind = "form"
	SourceKindH2H      SourceKind = "h2h"
	SourceKindLines    SourceKind = "lines"
	SourceKindNews     SourceKind = "news"
)

type ResultStatus string

const (
	StatusOk        ResultStatus = "ok"
	StatusPartialOk ResultStatus = "partial_ok"
	StatusFailed    ResultStatus = "failed"
)

// SourceResult is the outcome of one (event, source) fetch. Err is set iff Status is
// not StatusOk; a PartialOk result carries both a payload and the reason it is partial.
type SourceResult struct {
	SourceID  string
	Kind      SourceKind
	EventID   string
	Status    ResultStatus
	Payload   Payload
	FetchedAt time.Time
	Err       error
	Attempts  int
}

func (r SourceResult) Usable() bool {
	return (r.Status == StatusOk || r.Status == StatusPartialOk) && r.Payload != nil
}

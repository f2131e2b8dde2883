package models

import "time"

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is one game on the schedule. It is immutable for the duration of a run.
type Event struct {
	ID        string      `json:"id"`
	Sport     string      `json:"sport"`
	League    string      `json:"league"`
	StartTime time.Time   `json:"start_time"`
	Home      Participant `json:"home"`
	Away      Participant `json:"away"`
}

func (e Event) Participants() []Participant {
	return []Participant{e.Home, e.Away}
}

// Side returns "home", "away" or "" for a participant id.
func (e Event) Side(participantID string) string {
	switch participantID {
	case e.Home.ID:
		return SelectionHome
	case e.Away.ID:
		return SelectionAway
	default:
		return ""
	}
}

func (e Event) Label() string {
	return e.Away.Name + " @ " + e.Home.Name
}

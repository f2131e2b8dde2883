package report

import (
	"fmt"

	"sportsedge/internal/models"
)

var transitions = map[models.ReportState][]models.ReportState{
	models.ReportCollecting: {models.ReportAnalyzing, models.ReportFailed},
	models.ReportAnalyzing:  {models.ReportRanking, models.ReportFailed},
	models.ReportRanking:    {models.ReportDelivering, models.ReportFailed},
	models.ReportDelivering: {models.ReportCompleted, models.ReportCompletedWithPartialFailures, models.ReportFailed},
}

// CanTransition reports whether a report may move from one generation state to another.
// Terminal states have no outgoing transitions.
func CanTransition(from, to models.ReportState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to models.ReportState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("report state %s -> %s not allowed", from, to)
	}
	return nil
}

// finalState picks the terminal state once every delivery task is terminal.
func finalState(rep *models.Report, tasks []models.DeliveryTask) models.ReportState {
	if len(rep.SourceFailures) > 0 || len(rep.DeliveryFailures) > 0 {
		return models.ReportCompletedWithPartialFailures
	}
	for _, t := range tasks {
		if t.State != models.TaskDone {
			return models.ReportCompletedWithPartialFailures
		}
	}
	return models.ReportCompleted
}

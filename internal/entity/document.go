package entity

import "time"

type DocumentStatus string

const (
	DocumentProcessing          DocumentStatus = "processing"
	DocumentCompleted           DocumentStatus = "completed"
	DocumentCompletedWithErrors DocumentStatus = "completed_with_errors"
)

// Document is the row for a group of sibling pages. Its status only ever moves
// forward from processing, driven by AggregateDocument.
type Document struct {
	GroupID   string         `json:"group_id"`
	Status    DocumentStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DocumentAggregate is derived from the sibling pages; it is never stored.
type DocumentAggregate struct {
	GroupID   string         `json:"group_id"`
	Pages     int            `json:"pages"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	InFlight  int            `json:"in_flight"`
	Status    DocumentStatus `json:"status"`
}

// Ready reports whether every page reached a terminal state.
func (a DocumentAggregate) Ready() bool {
	return a.Pages > 0 && a.InFlight == 0
}

func AggregateDocument(groupID string, pages []*Job) DocumentAggregate {
	agg := DocumentAggregate{GroupID: groupID, Pages: len(pages), Status: DocumentProcessing}
	for _, p := range pages {
		switch p.Status {
		case StatusCompleted:
			agg.Completed++
		case StatusFailed:
			agg.Failed++
		default:
			agg.InFlight++
		}
	}
	if agg.Ready() {
		if agg.Failed == 0 {
			agg.Status = DocumentCompleted
		} else {
			agg.Status = DocumentCompletedWithErrors
		}
	}
	return agg
}

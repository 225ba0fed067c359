package model

import "time"

type EventName string

const (
	INSERT EventName = "INSERT"
	MODIFY EventName = "MODIFY"
	REMOVE EventName = "REMOVE"
)

const EVENT_SOURCE = "streamflow:store"

// ChangeEvent is produced once per record mutation. SequenceNumber increases
// monotonically within a partition.
type ChangeEvent struct {
	EventID        string         `json:"eventID"`
	EventName      EventName      `json:"eventName"`
	Table          string         `json:"table"`
	Key            RecordKey      `json:"key"`
	Keys           map[string]any `json:"keys"`
	OldImage       Record         `json:"oldImage,omitempty"`
	NewImage       Record         `json:"newImage,omitempty"`
	SequenceNumber string         `json:"sequenceNumber,omitempty"`
	Partition      int            `json:"partition"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Document renders the event in the stream record shape that filter rules
// and workflow definitions address, e.g. $.dynamodb.NewImage.status.
func (e ChangeEvent) Document() map[string]any {
	body := map[string]any{
		"Keys":                        copyMap(e.Keys),
		"SequenceNumber":              e.SequenceNumber,
		"ApproximateCreationDateTime": e.CreatedAt.Unix(),
	}
	if e.NewImage != nil {
		body["NewImage"] = copyMap(e.NewImage)
	}
	if e.OldImage != nil {
		body["OldImage"] = copyMap(e.OldImage)
	}
	return map[string]any{
		"eventID":     e.EventID,
		"eventName":   string(e.EventName),
		"eventSource": EVENT_SOURCE,
		"table":       e.Table,
		"dynamodb":    body,
	}
}

func (e ChangeEvent) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

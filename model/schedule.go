package model

import "time"

type ActionAfterCompletion string

const (
	ACTION_AFTER_DELETE ActionAfterCompletion = "DELETE"
	ACTION_AFTER_NONE   ActionAfterCompletion = "NONE"
)

type ScheduleTarget struct {
	Workflow string         `json:"workflow"`
	Input    map[string]any `json:"input,omitempty"`
}

// Schedule is a future trigger that starts a workflow. Its arn is stored back
// on the record so later events can replace or cancel it.
type Schedule struct {
	Name                  string                `json:"name"`
	Group                 string                `json:"group"`
	Arn                   string                `json:"arn"`
	Expression            string                `json:"expression"`
	Timezone              string                `json:"timezone,omitempty"`
	Target                ScheduleTarget        `json:"target"`
	ActionAfterCompletion ActionAfterCompletion `json:"actionAfterCompletion,omitempty"`
	FireAt                time.Time             `json:"fireAt"`
	CreatedAt             time.Time             `json:"createdAt"`
	LastFiredAt           *time.Time            `json:"lastFiredAt,omitempty"`
}

func (s Schedule) Id() string {
	return s.Group + "/" + s.Name
}

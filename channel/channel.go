package channel

import (
	"context"
	"fmt"
)

type State string

const (
	IDLE     State = "IDLE"
	STARTING State = "STARTING"
	RUNNING  State = "RUNNING"
	STOPPING State = "STOPPING"
)

type Description struct {
	ChannelId             string `json:"channelId"`
	State                 State  `json:"state"`
	PipelinesRunningCount int    `json:"pipelinesRunningCount"`
}

// Client controls media channels. Start and Stop return the state right
// after the request was accepted; they are idempotent for a channel already
// in or moving to the requested state.
type Client interface {
	Start(ctx context.Context, channelId string) (*Description, error)
	Stop(ctx context.Context, channelId string) (*Description, error)
	Describe(ctx context.Context, channelId string) (*Description, error)
}

type NotFoundError struct {
	ChannelId string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("channel %s not found", e.ChannelId)
}

// ConflictError is returned when a channel cannot accept a request in its
// current state, e.g. start while stopping. It clears once the transition
// completes.
type ConflictError struct {
	ChannelId string
	State     State
	Request   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("cannot %s channel %s in state %s", e.Request, e.ChannelId, e.State)
}

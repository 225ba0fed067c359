package adapter

import (
	"context"
	"errors"

	"github.com/mohitkumar/streamflow/channel"
	"github.com/mohitkumar/streamflow/model"
)

var _ Adapter = new(ChannelAdapter)

type ChannelAdapter struct {
	client channel.Client
}

func NewChannelAdapter(client channel.Client) *ChannelAdapter {
	return &ChannelAdapter{client: client}
}

func (c *ChannelAdapter) Name() string {
	return "channel"
}

func (c *ChannelAdapter) Actions() map[string]Action {
	return map[string]Action{
		"startChannel":    {Fn: c.call(c.client.Start), Semantics: AT_LEAST_ONCE},
		"stopChannel":     {Fn: c.call(c.client.Stop), Semantics: AT_LEAST_ONCE},
		"describeChannel": {Fn: c.call(c.client.Describe), Semantics: AT_LEAST_ONCE},
	}
}

func (c *ChannelAdapter) call(fn func(ctx context.Context, channelId string) (*channel.Description, error)) ActionFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		id, err := stringParam(params, "channelId")
		if err != nil {
			return nil, err
		}
		desc, err := fn(ctx, id)
		if err != nil {
			var nf channel.NotFoundError
			if errors.As(err, &nf) {
				return nil, Permanent("NotFoundException", "%v", err)
			}
			var ce channel.ConflictError
			if errors.As(err, &ce) {
				return nil, Retryable("ConflictException", "%v", err)
			}
			return nil, Retryable(model.ERROR_TASK_FAILED, "%v", err)
		}
		return desc, nil
	}
}

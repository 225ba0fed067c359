package adapter

import (
	"context"
	"encoding/json"

	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/notify"
)

var _ Adapter = new(NotificationAdapter)

type NotificationAdapter struct {
	publisher notify.Publisher
}

func NewNotificationAdapter(publisher notify.Publisher) *NotificationAdapter {
	return &NotificationAdapter{publisher: publisher}
}

func (n *NotificationAdapter) Name() string {
	return "notification"
}

// publish is at-most-once: a retried call after a lost acknowledgement
// would notify twice.
func (n *NotificationAdapter) Actions() map[string]Action {
	return map[string]Action{
		"publish": {Fn: n.publish, Semantics: AT_MOST_ONCE},
	}
}

func (n *NotificationAdapter) publish(ctx context.Context, params map[string]any) (any, error) {
	topic, err := stringParam(params, "topic")
	if err != nil {
		return nil, err
	}
	message, err := messageParam(params)
	if err != nil {
		return nil, err
	}
	id, err := n.publisher.Publish(ctx, topic, optionalString(params, "subject"), message)
	if err != nil {
		return nil, Retryable(model.ERROR_TASK_FAILED, "publishing to %s: %v", topic, err)
	}
	return map[string]any{"messageId": id}, nil
}

// messageParam accepts a string or an object, which is published as JSON.
func messageParam(params map[string]any) (string, error) {
	switch v := params["message"].(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return "", Permanent(model.ERROR_INVALID_INPUT, "message: %v", err)
		}
		return string(b), nil
	default:
		return stringParam(params, "message")
	}
}

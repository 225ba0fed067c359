package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/util"
	"go.uber.org/zap"
)

var _ Client = new(HttpClient)

// HttpClient talks to a channel control endpoint serving
// GET /channels/{id} and POST /channels/{id}/start|stop. Server errors and
// transport failures are retried with exponential backoff.
type HttpClient struct {
	endpoint string
	client   *http.Client
	policy   model.RetryPolicy
}

func NewHttpClient(endpoint string, timeout time.Duration) *HttpClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HttpClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		policy: model.RetryPolicy{
			IntervalSeconds: 0.5,
			BackoffRate:     2,
			MaxAttempts:     4,
			MaxDelaySeconds: 5,
			JitterStrategy:  model.JITTER_FULL,
		},
	}
}

// SetRetryPolicy replaces the policy applied to failed calls.
func (c *HttpClient) SetRetryPolicy(policy model.RetryPolicy) {
	c.policy = policy
}

func (c *HttpClient) Start(ctx context.Context, channelId string) (*Description, error) {
	return c.call(ctx, http.MethodPost, channelId, "start")
}

func (c *HttpClient) Stop(ctx context.Context, channelId string) (*Description, error) {
	return c.call(ctx, http.MethodPost, channelId, "stop")
}

func (c *HttpClient) Describe(ctx context.Context, channelId string) (*Description, error) {
	return c.call(ctx, http.MethodGet, channelId, "")
}

func (c *HttpClient) call(ctx context.Context, method string, channelId string, op string) (*Description, error) {
	target := c.endpoint + "/channels/" + url.PathEscape(channelId)
	if len(op) != 0 {
		target += "/" + op
	}
	var desc *Description
	err := util.Retry(ctx, c.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return util.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			logger.Warn("channel endpoint unreachable", zap.String("url", target), zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return util.Permanent(NotFoundError{ChannelId: channelId})
		case resp.StatusCode == http.StatusConflict:
			return util.Permanent(ConflictError{ChannelId: channelId, Request: op, State: stateFromBody(body)})
		case resp.StatusCode >= 500:
			return fmt.Errorf("channel endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		case resp.StatusCode >= 300:
			return util.Permanent(fmt.Errorf("channel endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		var d Description
		if err := json.Unmarshal(body, &d); err != nil {
			return util.Permanent(fmt.Errorf("invalid channel description: %w", err))
		}
		desc = &d
		return nil
	})
	if err != nil {
		return nil, unwrapPermanent(err)
	}
	return desc, nil
}

func stateFromBody(body []byte) State {
	var d Description
	if err := json.Unmarshal(body, &d); err != nil {
		return ""
	}
	return d.State
}

func unwrapPermanent(err error) error {
	var nf NotFoundError
	if errors.As(err, &nf) {
		return nf
	}
	var ce ConflictError
	if errors.As(err, &ce) {
		return ce
	}
	return err
}

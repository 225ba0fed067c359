package media

import (
	"context"
	"time"

	"github.com/mohitkumar/streamflow/adapter"
	"github.com/mohitkumar/streamflow/health"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"go.uber.org/zap"
)

// RegisterFunctions adds validateMediaRecord and checkStreamHealth. Call it
// before the function adapter is registered so the workflows can name them
// as function:<name>.
func RegisterFunctions(fa *adapter.FunctionAdapter, checker *health.Checker) {
	fa.RegisterFunc("validateMediaRecord", validateFunc)
	fa.RegisterFunc("checkStreamHealth", func(ctx context.Context, payload map[string]any) (any, error) {
		manifestUrl, _ := payload["manifestUrl"].(string)
		res := checker.Check(ctx, manifestUrl)
		return map[string]any{"status": string(res.Status), "details": res.Details}, nil
	})
}

// validateFunc takes {record, leadTimeSeconds}. An invalid record is a
// result, not an error.
func validateFunc(ctx context.Context, payload map[string]any) (any, error) {
	image, ok := payload["record"].(map[string]any)
	if !ok {
		return nil, adapter.Permanent(model.ERROR_INVALID_INPUT, "record must be an object, got %T", payload["record"])
	}
	var lead time.Duration
	switch v := payload["leadTimeSeconds"].(type) {
	case float64:
		lead = time.Duration(v * float64(time.Second))
	case int:
		lead = time.Duration(v) * time.Second
	}
	res := ValidateMediaRecord(image, lead)
	if !res.IsValid {
		logger.Warn("media record is invalid", zap.String("mediaChannelId", res.Record.MediaChannelId), zap.String("error", res.ErrorMessage))
	}
	return res.Map(), nil
}

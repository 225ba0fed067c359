package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) RecordStepSuccess(wfName string, flowId string, step string, data map[string]any) {
	lc.logger.Info("success", zap.String("name", wfName), zap.String("id", flowId), zap.String("step", step), zap.Any("data", data))
}

func (lc *LogFileDataCollector) RecordStepFailure(wfName string, flowId string, step string, reason string) {
	lc.logger.Info("failure", zap.String("name", wfName), zap.String("id", flowId), zap.String("step", step), zap.String("reason", reason))
}

func (lc *LogFileDataCollector) RecordFlowFinished(wfName string, flowId string, state string) {
	lc.logger.Info("finished", zap.String("name", wfName), zap.String("id", flowId), zap.String("state", state))
}

func (lc *LogFileDataCollector) Sync() error {
	return lc.logger.Sync()
}

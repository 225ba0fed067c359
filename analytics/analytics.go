package analytics

import "fmt"

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP"

// WorkflowDataCollector receives one record per executed step and one per
// finished flow.
type WorkflowDataCollector interface {
	RecordStepSuccess(wfName string, flowId string, step string, data map[string]any)
	RecordStepFailure(wfName string, flowId string, step string, reason string)
	RecordFlowFinished(wfName string, flowId string, state string)
}

var workflowCollector WorkflowDataCollector = noopCollector{}

func InitDataCollector(config DataCollectorConfig) error {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		c, err := NewLogFileDataCollector(config.FileName)
		if err != nil {
			return err
		}
		workflowCollector = c
	case NOOP_DATA_COLLECTOR, "":
		workflowCollector = noopCollector{}
	default:
		return fmt.Errorf("unknown data collector %s", config.CollectorType)
	}
	return nil
}

func SetCollector(c WorkflowDataCollector) {
	workflowCollector = c
}

func RecordStepSuccess(wfName string, flowId string, step string, data map[string]any) {
	workflowCollector.RecordStepSuccess(wfName, flowId, step, data)
}

func RecordStepFailure(wfName string, flowId string, step string, reason string) {
	workflowCollector.RecordStepFailure(wfName, flowId, step, reason)
}

func RecordFlowFinished(wfName string, flowId string, state string) {
	workflowCollector.RecordFlowFinished(wfName, flowId, state)
}

type noopCollector struct{}

func (noopCollector) RecordStepSuccess(string, string, string, map[string]any) {}
func (noopCollector) RecordStepFailure(string, string, string, string)         {}
func (noopCollector) RecordFlowFinished(string, string, string)                {}

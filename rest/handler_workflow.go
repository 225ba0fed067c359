package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/streamflow/engine"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"go.uber.org/zap"
)

func (s *Server) HandleRunFlow(w http.ResponseWriter, r *http.Request) {
	var runReq model.WorkflowRunRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&runReq); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid run request: "+err.Error())
		return
	}
	executionId, err := s.services.Executions.StartExecution(r.Context(), runReq.Name, runReq.FlowId, runReq.Input)
	if err != nil {
		logger.Error("error running workflow", zap.String("name", runReq.Name), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, "error running workflow: "+err.Error())
		return
	}
	ref, _ := model.ParseExecutionRef(executionId)
	respondOK(w, map[string]any{"executionId": executionId, "flowId": ref.FlowId})
}

type stopRequest struct {
	Cause string `json:"cause"`
}

func (s *Server) HandleStopFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	flowName, flowId := vars["name"], vars["id"]
	var req stopRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondWithError(w, http.StatusBadRequest, "invalid stop request: "+err.Error())
		return
	}
	if len(req.Cause) == 0 {
		req.Cause = "stopped through api"
	}
	ref := model.ExecutionRef{WorkflowName: flowName, FlowId: flowId}
	stopped, err := s.services.Executions.StopExecution(r.Context(), ref.String(), req.Cause)
	if err != nil {
		logger.Error("error stopping workflow", zap.String("name", flowName), zap.String("id", flowId), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondOK(w, map[string]any{"stopped": stopped})
}

func (s *Server) HandleGetFlowExecution(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	flowName, flowId := vars["name"], vars["id"]
	flowContext, err := s.services.Executions.GetFlow(r.Context(), flowName, flowId)
	if err != nil {
		logger.Error("error getting flow execution", zap.String("name", flowName), zap.String("id", flowId), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, engine.ToExecution(flowContext))
}

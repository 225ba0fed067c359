package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
)

func (s *Server) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var fl model.Workflow
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&fl); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid workflow definition: "+err.Error())
		return
	}
	if err := s.services.Metadata.ValidateFlow(fl); err != nil {
		logger.Error("error validating workflow", zap.String("name", fl.Name), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.services.Metadata.SaveWorkflow(r.Context(), fl); err != nil {
		logger.Error("error creating workflow", zap.String("name", fl.Name), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error creating workflow")
		return
	}
	respondOK(w, map[string]any{"created": true})
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	flowName := mux.Vars(r)["name"]
	wf, err := s.services.Metadata.GetWorkflow(r.Context(), flowName)
	if err != nil {
		logger.Info("workflow does not exist", zap.String("name", flowName))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) HandleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	flowName := mux.Vars(r)["name"]
	if err := s.services.Metadata.DeleteWorkflow(r.Context(), flowName); err != nil {
		logger.Error("error deleting workflow", zap.String("name", flowName), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondOK(w, map[string]any{"deleted": true})
}

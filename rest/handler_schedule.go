package rest

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/streamflow/channel"
	"github.com/mohitkumar/streamflow/logger"
	"go.uber.org/zap"
)

func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sch, err := s.services.Schedules.Get(r.Context(), vars["group"], vars["name"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sch)
}

func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deleted, err := s.services.Schedules.Delete(r.Context(), vars["group"], vars["name"])
	if err != nil {
		logger.Error("error deleting schedule", zap.String("group", vars["group"]), zap.String("name", vars["name"]), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondOK(w, map[string]any{"deleted": deleted})
}

func (s *Server) HandleDescribeChannel(w http.ResponseWriter, r *http.Request) {
	s.channelCall(w, r, "describe", s.services.Channels.Describe)
}

func (s *Server) HandleStartChannel(w http.ResponseWriter, r *http.Request) {
	s.channelCall(w, r, "start", s.services.Channels.Start)
}

func (s *Server) HandleStopChannel(w http.ResponseWriter, r *http.Request) {
	s.channelCall(w, r, "stop", s.services.Channels.Stop)
}

type channelFunc func(ctx context.Context, channelId string) (*channel.Description, error)

func (s *Server) channelCall(w http.ResponseWriter, r *http.Request, op string, fn channelFunc) {
	channelId := mux.Vars(r)["id"]
	desc, err := fn(r.Context(), channelId)
	if err != nil {
		logger.Error("channel request failed", zap.String("op", op), zap.String("channel", channelId), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, desc)
}

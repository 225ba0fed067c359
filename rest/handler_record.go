package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"go.uber.org/zap"
)

func recordKey(r *http.Request) model.RecordKey {
	vars := mux.Vars(r)
	return model.RecordKey{PartitionKey: vars["pk"], SortKey: vars["sk"]}
}

// HandlePutRecord writes the whole record. The key comes from the body.
func (s *Server) HandlePutRecord(w http.ResponseWriter, r *http.Request) {
	var rec model.Record
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid record: "+err.Error())
		return
	}
	if _, err := s.services.Records.Schema().KeyOf(rec); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := s.services.Records.Put(r.Context(), rec)
	if err != nil {
		logger.Error("error putting record", zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stored)
}

func (s *Server) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.services.Records.Get(r.Context(), recordKey(r))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

// HandleUpdateRecord applies a partial update; attributes not named in the
// body are preserved.
func (s *Server) HandleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	var update model.RecordUpdate
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid update: "+err.Error())
		return
	}
	key := recordKey(r)
	schema := s.services.Records.Schema()
	for name := range update.Set {
		if schema.IsKeyAttribute(name) {
			respondWithError(w, http.StatusBadRequest, "key attribute "+name+" can not be updated")
			return
		}
	}
	rec, err := s.services.Records.Update(r.Context(), key, update)
	if err != nil {
		logger.Error("error updating record", zap.String("key", key.String()), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (s *Server) HandleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	key := recordKey(r)
	old, err := s.services.Records.Delete(r.Context(), key)
	if err != nil {
		logger.Error("error deleting record", zap.String("key", key.String()), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondOK(w, map[string]any{"deleted": old != nil})
}

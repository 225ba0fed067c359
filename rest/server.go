package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/streamflow/channel"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/metadata"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/persistence"
	"github.com/mohitkumar/streamflow/scheduler"
	"go.uber.org/zap"
)

type ExecutionService interface {
	StartExecution(ctx context.Context, workflow string, name string, input map[string]any) (string, error)
	StopExecution(ctx context.Context, executionId string, cause string) (bool, error)
	GetFlow(ctx context.Context, wfName string, flowId string) (*model.FlowContext, error)
}

type ScheduleService interface {
	Get(ctx context.Context, group string, name string) (*model.Schedule, error)
	Delete(ctx context.Context, group string, name string) (bool, error)
}

// NodeStatus reports what GET /health returns about this node.
type NodeStatus interface {
	LocalPartitions() []int
}

type Services struct {
	Metadata   metadata.MetadataService
	Executions ExecutionService
	Records    persistence.RecordStore
	Schedules  ScheduleService
	Channels   channel.Client
	Node       NodeStatus
}

type Server struct {
	http.Server
	Port     int
	services Services
}

func NewServer(httpPort int, services Services) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		services: services,
		Port:     httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/metadata/workflow", s.HandleCreateFlow).Methods(http.MethodPost)
	router.HandleFunc("/metadata/workflow/{name}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/metadata/workflow/{name}", s.HandleDeleteFlow).Methods(http.MethodDelete)

	router.HandleFunc("/execution", s.HandleRunFlow).Methods(http.MethodPost)
	router.HandleFunc("/execution/{name}/{id}", s.HandleGetFlowExecution).Methods(http.MethodGet)
	router.HandleFunc("/execution/{name}/{id}/stop", s.HandleStopFlow).Methods(http.MethodPost)

	router.HandleFunc("/records", s.HandlePutRecord).Methods(http.MethodPut)
	router.HandleFunc("/records/{pk}", s.HandleGetRecord).Methods(http.MethodGet)
	router.HandleFunc("/records/{pk}/{sk}", s.HandleGetRecord).Methods(http.MethodGet)
	router.HandleFunc("/records/{pk}", s.HandleUpdateRecord).Methods(http.MethodPatch)
	router.HandleFunc("/records/{pk}/{sk}", s.HandleUpdateRecord).Methods(http.MethodPatch)
	router.HandleFunc("/records/{pk}", s.HandleDeleteRecord).Methods(http.MethodDelete)
	router.HandleFunc("/records/{pk}/{sk}", s.HandleDeleteRecord).Methods(http.MethodDelete)

	router.HandleFunc("/schedules/{group}/{name}", s.HandleGetSchedule).Methods(http.MethodGet)
	router.HandleFunc("/schedules/{group}/{name}", s.HandleDeleteSchedule).Methods(http.MethodDelete)

	router.HandleFunc("/channels/{id}", s.HandleDescribeChannel).Methods(http.MethodGet)
	router.HandleFunc("/channels/{id}/start", s.HandleStartChannel).Methods(http.MethodPost)
	router.HandleFunc("/channels/{id}/stop", s.HandleStopChannel).Methods(http.MethodPost)

	router.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "UP"}
	if s.services.Node != nil {
		body["partitions"] = s.services.Node.LocalPartitions()
	}
	respondOK(w, body)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// statusOf maps the typed errors of the services to an HTTP status.
func statusOf(err error) int {
	var notFound persistence.NotFoundError
	var conditionFailed persistence.ConditionFailedError
	var invalidSchedule scheduler.ValidationError
	var noChannel channel.NotFoundError
	var channelConflict channel.ConflictError
	switch {
	case errors.As(err, &notFound), errors.As(err, &noChannel):
		return http.StatusNotFound
	case errors.As(err, &conditionFailed), errors.As(err, &channelConflict):
		return http.StatusConflict
	case errors.As(err, &invalidSchedule):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondWithServiceError(w http.ResponseWriter, err error) {
	respondWithError(w, statusOf(err), err.Error())
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/guseggert/shellui/command"
	"github.com/guseggert/shellui/ledger"
	"github.com/guseggert/shellui/process"
	"github.com/julienschmidt/httprouter"
)

const maxBodyBytes = 1 << 20

func (s *Server) routes() http.Handler {
	r := httprouter.New()
	r.GET("/health", s.health)
	r.GET("/api/config", s.config)

	r.POST("/api/commands/:id/execute", s.execute)
	r.GET("/api/commands/:id/help", s.help)
	r.GET("/api/commands/:id/validate", s.validate)
	r.GET("/api/commands/:id/executions", s.commandExecutions)

	r.GET("/api/executions", s.listExecutions)
	r.GET("/api/executions/:id", s.getExecution)
	r.POST("/api/executions/:id/stop", s.stop)

	r.GET("/api/stats", s.stats)
	r.GET("/api/history", s.history)
	r.DELETE("/api/history/:id", s.deleteHistory)

	r.Handler(http.MethodGet, "/ws", s.router)
	r.GET("/ws/status", s.wsStatus)

	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		s.log.Errorw("panic serving request", "Method", req.Method, "Path", req.URL.Path, "Panic", v)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		s.log.Debugf("error writing response: %s", err)
	}
}

type errorResponse struct {
	Error       string   `json:"error"`
	Errors      []string `json:"errors,omitempty"`
	ExecutionID string   `json:"executionId,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	// Uptime is in seconds.
	Uptime  float64 `json:"uptime"`
	Version string  `json:"version"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startedAt).Seconds(),
		Version:   Version,
	})
}

type ConfigResponse struct {
	Title    string            `json:"title"`
	Commands []command.Command `json:"commands"`
}

func (s *Server) config(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, ConfigResponse{
		Title:    s.catalog.Config().Title,
		Commands: s.catalog.List(),
	})
}

type ExecuteRequest struct {
	Args map[string]any `json:"args,omitempty"`
}

type ExecuteResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	cmd, ok := s.catalog.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Command not found")
		return
	}

	var req ExecuteRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if errs := command.Validate(cmd, command.ApplyDefaults(cmd, req.Args)); len(errs) > 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid arguments", Errors: errs})
		return
	}

	executionID, err := s.coord.Start(r.Context(), cmd, req.Args)
	if err != nil {
		s.log.Errorw("failed to execute command", "CommandID", id, "ExecutionID", executionID, "Error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to execute command", ExecutionID: executionID})
		return
	}
	s.writeJSON(w, http.StatusOK, ExecuteResponse{
		ExecutionID: executionID,
		Status:      "started",
		Message:     "Command execution started",
	})
}

func (s *Server) help(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cmd, ok := s.catalog.Get(params.ByName("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "Command not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Help(r.Context(), cmd))
}

type ValidateResponse struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cmd, ok := s.catalog.Get(params.ByName("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "Command not found")
		return
	}
	args := map[string]any{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}
	errs := command.Validate(cmd, args)
	s.writeJSON(w, http.StatusOK, ValidateResponse{Valid: len(errs) == 0, Errors: errs, Warnings: []string{}})
}

func (s *Server) commandExecutions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.ledger.ListByCommand(params.ByName("id")))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.ledger.List(limit))
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec, ok := s.ledger.Get(params.ByName("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "Execution not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type StopResponse struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"executionId"`
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if err := s.coord.Stop(id); err != nil {
		if errors.Is(err, process.ErrNotRunning) {
			s.writeError(w, http.StatusNotFound, "Execution not running")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, StopResponse{Success: true, ExecutionID: id})
}

type StatsResponse struct {
	ledger.Stats
	Observers int    `json:"observers"`
	Storage   string `json:"storage"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Stats:     s.ledger.Stats(),
		Observers: s.router.Count(),
		Storage:   s.storageName,
	})
}

// HistoryItem is a finished execution as listed in the history.
type HistoryItem struct {
	ID         string     `json:"id"`
	CommandID  string     `json:"commandId"`
	Command    string     `json:"command"`
	Output     string     `json:"output"`
	Error      string     `json:"error,omitempty"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
	// Duration is in whole seconds.
	Duration int64 `json:"duration"`
	ExitCode *int  `json:"exitCode"`
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	records := s.ledger.History()
	items := make([]HistoryItem, 0, len(records))
	for _, rec := range records {
		items = append(items, HistoryItem{
			ID:         rec.ID,
			CommandID:  rec.CommandID,
			Command:    rec.Command,
			Output:     rec.Output,
			Error:      rec.Error,
			Status:     string(rec.Status),
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
			Duration:   int64(rec.Duration().Round(time.Second) / time.Second),
			ExitCode:   rec.ExitCode,
		})
	}
	s.writeJSON(w, http.StatusOK, items)
}

type DeleteResponse struct {
	Success bool `json:"success"`
}

func (s *Server) deleteHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.ledger.Remove(params.ByName("id")) {
		s.writeError(w, http.StatusNotFound, "History item not found")
		return
	}
	s.writeJSON(w, http.StatusOK, DeleteResponse{Success: true})
}

type WSStatusResponse struct {
	ConnectedClients int `json:"connectedClients"`
	ServerPort       int `json:"serverPort"`
}

func (s *Server) wsStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, WSStatusResponse{
		ConnectedClients: s.router.Count(),
		ServerPort:       s.router.ServerPort(),
	})
}

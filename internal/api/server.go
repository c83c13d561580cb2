package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/scanner"
	"postflow/internal/store"
)

type Scanner interface {
	ScanOnce(ctx context.Context) (scanner.Result, error)
}

type InFlight interface {
	InFlight() []int64
	IsInFlight(id int64) bool
}

// SchedulerStats is what /metrics reports per scheduler.
type SchedulerStats interface {
	Name() string
	Active() int64
}

type LockTable interface {
	Len() int
}

// Dirs resolves where an upload's files are kept locally.
type Dirs interface {
	LocalDir(deviceName string, scheduled int64) string
}

type Deps struct {
	Repo     store.Repository
	Scanner  Scanner
	InFlight InFlight
	Dirs     Dirs
	Debug    bool

	Schedulers []SchedulerStats
	Locks      LockTable

	// CORSOrigins enables CORS for browser dashboards when non-empty.
	CORSOrigins []string
}

type Server struct {
	r          *chi.Mux
	repo       store.Repository
	scanner    Scanner
	inFlight   InFlight
	dirs       Dirs
	schedulers []SchedulerStats
	locks      LockTable
	validate   *validator.Validate
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	s := &Server{
		r:          r,
		repo:       d.Repo,
		scanner:    d.Scanner,
		inFlight:   d.InFlight,
		dirs:       d.Dirs,
		schedulers: d.Schedulers,
		locks:      d.Locks,
		validate:   validator.New(),
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/devices", s.createDevice)
		r.Get("/devices/{name}", s.getDevice)
		r.Post("/uploads", s.createUpload)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/attempts", s.listAttempts)
		r.Post("/tasks/{id}/resubmit", s.resubmitTask)
		r.Get("/inflight", s.listInFlight)
		r.Post("/scan", s.scan)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.repo.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "postflow_up 1")
	fmt.Fprintf(w, "postflow_tasks_in_flight %d\n", len(s.inFlight.InFlight()))
	for _, st := range domain.AllStatuses {
		fmt.Fprintf(w, "postflow_tasks{status=%q} %d\n", st, counts[st])
	}
	for _, sc := range s.schedulers {
		fmt.Fprintf(w, "postflow_scheduler_active{scheduler=%q} %d\n", sc.Name(), sc.Active())
	}
	if s.locks != nil {
		fmt.Fprintf(w, "postflow_device_locks %d\n", s.locks.Len())
	}
}

type deviceReq struct {
	DeviceName string `json:"device_name" validate:"required"`
	DeviceID   string `json:"device_id" validate:"required"`
	DevicePath string `json:"device_path" validate:"required"`
	Password   string `json:"password"`
}

type deviceResp struct {
	DeviceName string `json:"device_name"`
	DeviceID   string `json:"device_id"`
	DevicePath string `json:"device_path"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceReq
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.repo.CreateDevice(r.Context(), domain.Device{
		DeviceName: req.DeviceName,
		DeviceID:   req.DeviceID,
		DevicePath: req.DevicePath,
		Password:   req.Password,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d, err := s.repo.GetDevice(r.Context(), req.DeviceName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toDeviceResp(d))
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.repo.GetDevice(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResp(d))
}

func toDeviceResp(d domain.Device) deviceResp {
	return deviceResp{
		DeviceName: d.DeviceName,
		DeviceID:   d.DeviceID,
		DevicePath: d.DevicePath,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

type taskResp struct {
	ID            int64             `json:"id"`
	DeviceName    string            `json:"device_name"`
	DeviceID      string            `json:"device_id"`
	UploadID      int64             `json:"upload_id"`
	ScheduledTime int64             `json:"scheduled_time"`
	Status        domain.TaskStatus `json:"status"`
	InFlight      bool              `json:"in_flight"`
	CreatedAt     int64             `json:"created_at"`
	UpdatedAt     int64             `json:"updated_at"`
}

func toTaskResp(t domain.Task, inFlight bool) taskResp {
	return taskResp{
		ID:            t.ID,
		DeviceName:    t.DeviceName,
		DeviceID:      t.DeviceID,
		UploadID:      t.UploadID,
		ScheduledTime: t.ScheduledTime,
		Status:        t.Status,
		InFlight:      inFlight,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func (s *Server) inFlightSet() map[int64]bool {
	set := make(map[int64]bool)
	for _, id := range s.inFlight.InFlight() {
		set[id] = true
	}
	return set
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status, err := domain.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tasks, err := s.repo.ListByStatus(r.Context(), status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	inFlight := s.inFlightSet()
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResp(t, inFlight[t.ID]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResp(t, s.inFlight.IsInFlight(t.ID)))
}

type attemptResp struct {
	ID         string            `json:"id"`
	Stage      domain.TaskStatus `json:"stage"`
	Attempt    int               `json:"attempt"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	StartedAt  string            `json:"started_at"`
	FinishedAt string            `json:"finished_at"`
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if _, err := s.repo.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	attempts, err := s.repo.ListAttempts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]attemptResp, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResp{
			ID:         a.ID,
			Stage:      a.Stage,
			Attempt:    a.Number,
			Success:    a.Success,
			Error:      a.Error,
			StartedAt:  a.StartedAt.UTC().Format(time.RFC3339),
			FinishedAt: a.FinishedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resubmitTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.repo.Resubmit(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrIllegalTransition), errors.Is(err, store.ErrStatusConflict):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Info().Int64("task_id", id).Msg("task resubmitted")
	writeJSON(w, http.StatusOK, toTaskResp(t, s.inFlight.IsInFlight(t.ID)))
}

func (s *Server) listInFlight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"task_ids": s.inFlight.InFlight()})
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	res, err := s.scanner.ScanOnce(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"scan_id":    res.ScanID,
			"found":      res.Found,
			"dispatched": res.Dispatched,
			"error":      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

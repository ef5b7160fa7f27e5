// Package server exposes the meta service over HTTP: the client API
// (pins, epochs, tables), the compactor worker protocol and a small
// admin surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/singularity-data/hummock/pkg/compaction"
	"github.com/singularity-data/hummock/pkg/compactor"
	"github.com/singularity-data/hummock/pkg/hummock"
	"github.com/singularity-data/hummock/pkg/vacuum"
	"github.com/singularity-data/hummock/pkg/versionmgr"
)

const contentTypeJSON = "application/json"

// Options configures the HTTP server.
type Options struct {
	Port              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server wires the version manager, vacuum trigger and worker registry
// into one HTTP surface.
type Server struct {
	mgr      *versionmgr.Manager
	vac      *vacuum.Trigger
	registry *compactor.Registry
	gatherer prometheus.Gatherer
	opts     Options
	log      *slog.Logger

	httpServer *http.Server
}

func New(mgr *versionmgr.Manager, vac *vacuum.Trigger, registry *compactor.Registry, gatherer prometheus.Gatherer, opts Options, log *slog.Logger) *Server {
	return &Server{
		mgr:      mgr,
		vac:      vac,
		registry: registry,
		gatherer: gatherer,
		opts:     opts,
		log:      log,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()
	s.log.Info("http server started", "addr", s.httpServer.Addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/groups", func(r chi.Router) {
		r.Get("/", s.handleListGroups)
		r.Route("/{groupID}", func(r chi.Router) {
			r.Post("/", s.handleCreateGroup)
			r.Get("/version", s.handleGetVersion)
			r.Post("/pin/version/{contextID}", s.handlePinVersion)
			r.Delete("/pin/version/{contextID}", s.handleUnpinVersion)
			r.Post("/pin/snapshot/{contextID}", s.handlePinSnapshot)
			r.Delete("/pin/snapshot/{contextID}", s.handleUnpinSnapshot)
			r.Post("/tables", s.handleAddTables)
			r.Post("/epoch/{epoch}/commit", s.handleCommitEpoch)
			r.Post("/epoch/{epoch}/abort", s.handleAbortEpoch)
		})
	})

	r.Post("/api/sstable-id", s.handleNewSstableID)

	r.Route("/compactor/{contextID}", func(r chi.Router) {
		r.Post("/task", s.handleGetCompactTask)
		r.Post("/report", s.handleReportCompactTask)
		r.Post("/vacuum-report", s.handleReportVacuumTask)
		r.Delete("/", s.handleReleaseContext)
	})

	r.Post("/admin/compaction/trigger", s.handleManualCompaction)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("error encoding response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses. Recoverable
// protocol violations come back as client errors, not 500s.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, versionmgr.ErrGroupNotFound),
		errors.Is(err, versionmgr.ErrTaskNotFound),
		errors.Is(err, hummock.ErrUncommittedEpochNotFound):
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(err.Error()))
	case errors.Is(err, versionmgr.ErrGroupExists),
		errors.Is(err, hummock.ErrEpochNotNewer):
		s.writeJSON(w, http.StatusConflict, NewErrorResponse(err.Error()))
	case errors.Is(err, compaction.ErrInvalidLevel):
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}

func groupParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "groupID"), 10, 64)
}

func epochParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	gids, err := s.mgr.ListGroups(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(gids))
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	if err := s.mgr.CreateGroup(r.Context(), gid); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewSuccessResponse())
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	v, err := s.mgr.GetCurrentVersion(r.Context(), gid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(v))
}

func (s *Server) handlePinVersion(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	v, err := s.mgr.PinVersion(r.Context(), gid, chi.URLParam(r, "contextID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(v))
}

func (s *Server) handleUnpinVersion(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	if err := s.mgr.UnpinVersion(r.Context(), gid, chi.URLParam(r, "contextID")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handlePinSnapshot(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	epoch, err := s.mgr.PinSnapshot(r.Context(), gid, chi.URLParam(r, "contextID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(map[string]uint64{"epoch": epoch}))
}

func (s *Server) handleUnpinSnapshot(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	if err := s.mgr.UnpinSnapshot(r.Context(), gid, chi.URLParam(r, "contextID")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

type addTablesRequest struct {
	Epoch  uint64                `json:"epoch"`
	Tables []hummock.SstableInfo `json:"tables"`
}

func (s *Server) handleAddTables(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	var req addTablesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad request body"))
		return
	}
	v, err := s.mgr.AddTables(r.Context(), gid, req.Epoch, req.Tables)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(map[string]uint64{"version_id": v.ID}))
}

func (s *Server) handleCommitEpoch(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	epoch, err := epochParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad epoch"))
		return
	}
	v, err := s.mgr.CommitEpoch(r.Context(), gid, epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(map[string]uint64{"version_id": v.ID, "max_committed_epoch": v.MaxCommittedEpoch}))
}

func (s *Server) handleAbortEpoch(w http.ResponseWriter, r *http.Request) {
	gid, err := groupParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad group id"))
		return
	}
	epoch, err := epochParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad epoch"))
		return
	}
	v, err := s.mgr.AbortEpoch(r.Context(), gid, epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(map[string]uint64{"version_id": v.ID}))
}

func (s *Server) handleNewSstableID(w http.ResponseWriter, r *http.Request) {
	id, err := s.mgr.GetNewSstableID(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(map[string]uint64{"id": id}))
}

type getTaskRequest struct {
	GroupID uint64 `json:"group_id"`
}

func (s *Server) handleGetCompactTask(w http.ResponseWriter, r *http.Request) {
	var req getTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad request body"))
		return
	}
	task, err := s.mgr.GetCompactTask(r.Context(), req.GroupID, chi.URLParam(r, "contextID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if task == nil {
		s.writeJSON(w, http.StatusNoContent, NewSuccessResponse())
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(task))
}

type reportTaskRequest struct {
	GroupID uint64                `json:"group_id"`
	TaskID  uint64                `json:"task_id"`
	Success bool                  `json:"success"`
	Outputs []hummock.SstableInfo `json:"outputs,omitempty"`
}

func (s *Server) handleReportCompactTask(w http.ResponseWriter, r *http.Request) {
	var req reportTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad request body"))
		return
	}
	if err := s.mgr.ReportCompactTask(r.Context(), req.GroupID, req.TaskID, req.Success, req.Outputs); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleReportVacuumTask(w http.ResponseWriter, r *http.Request) {
	var task compactor.VacuumTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad request body"))
		return
	}
	if err := s.vac.ReportVacuumTask(r.Context(), chi.URLParam(r, "contextID"), task); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleReleaseContext tears down everything a departed context holds
// and drops its worker registration if it had one.
func (s *Server) handleReleaseContext(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	s.registry.Deregister(contextID)
	if err := s.mgr.ReleaseContext(r.Context(), contextID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

type manualCompactionRequest struct {
	GroupID uint64                  `json:"group_id"`
	Option  compaction.ManualOption `json:"option"`
}

// handleManualCompaction builds a task for the requested range and
// dispatches it to an available worker.
func (s *Server) handleManualCompaction(w http.ResponseWriter, r *http.Request) {
	var req manualCompactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad request body"))
		return
	}
	worker, ok := s.registry.AvailableWorker()
	if !ok {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("no compactor worker registered"))
		return
	}
	task, err := s.mgr.TriggerManualCompaction(r.Context(), req.GroupID, worker.ContextID, req.Option)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if task == nil {
		s.writeJSON(w, http.StatusNoContent, NewSuccessResponse())
		return
	}
	if !s.registry.Send(worker, compactor.Task{Compact: task}) {
		// The claim is already persisted; settle it as failed so the
		// files free up instead of staying stuck on a full queue.
		if rerr := s.mgr.ReportCompactTask(r.Context(), req.GroupID, task.TaskID, false, nil); rerr != nil {
			s.log.Error("failed to settle undeliverable manual task", "task", task.TaskID, "error", rerr)
		}
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("worker queue full"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(task))
}

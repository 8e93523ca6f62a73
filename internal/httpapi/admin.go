package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/conduitapp/conduit/internal/execution"
	"github.com/conduitapp/conduit/internal/queue"
	"github.com/conduitapp/conduit/internal/scheduler"
	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/logger"
)

// AdminHandler exposes the task-administration surface: configurations,
// schedule control, execution history, and stats.
type AdminHandler struct {
	configs   *scheduler.ConfigStore
	scheduler *scheduler.Scheduler
	exec      *execution.Service
	registry  *task.Registry
	broker    scheduler.Enqueuer
	results   *queue.ResultStore
	log       *slog.Logger
}

// NewAdminHandler wires the admin routes.
func NewAdminHandler(configs *scheduler.ConfigStore, sched *scheduler.Scheduler, exec *execution.Service, registry *task.Registry, broker scheduler.Enqueuer, results *queue.ResultStore, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = logger.NewNope()
	}
	return &AdminHandler{
		configs:   configs,
		scheduler: sched,
		exec:      exec,
		registry:  registry,
		broker:    broker,
		results:   results,
		log:       log,
	}
}

// Routes mounts the admin endpoints under /tasks.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/kinds", h.listKinds)
		r.Get("/schedules", h.listSchedules)

		r.Route("/configs", func(r chi.Router) {
			r.Get("/", h.listConfigs)
			r.Post("/", h.createConfig)
			r.Route("/{configID}", func(r chi.Router) {
				r.Get("/", h.getConfig)
				r.Put("/", h.updateConfig)
				r.Delete("/", h.deleteConfig)
				r.Post("/trigger", h.triggerNow)
				r.Post("/pause", h.pauseConfig)
				r.Post("/resume", h.resumeConfig)
				r.Post("/reload", h.reloadConfig)
				r.Get("/executions", h.listConfigExecutions)
				r.Get("/stats", h.configStats)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/recent", h.recentExecutions)
			r.Get("/running", h.runningExecutions)
			r.Get("/failed", h.failedExecutions)
			r.Get("/{invocationID}", h.getExecution)
			r.Get("/{invocationID}/result", h.getResult)
		})

		r.Get("/stats", h.globalStats)
	})
}

func (h *AdminHandler) listKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"kinds":  h.registry.Kinds(),
		"queues": h.registry.Queues(),
	})
}

func (h *AdminHandler) listSchedules(w http.ResponseWriter, r *http.Request) {
	instances, err := h.scheduler.ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if instances == nil {
		instances = []scheduler.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": instances})
}

func (h *AdminHandler) listConfigs(w http.ResponseWriter, r *http.Request) {
	status := scheduler.ConfigStatus(r.URL.Query().Get("status"))
	configs, err := h.configs.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if configs == nil {
		configs = []scheduler.Config{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": configs})
}

type configRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Kind           task.Kind      `json:"kind"`
	ScheduleKind   string         `json:"schedule_kind"`
	ScheduleSpec   string         `json:"schedule_spec,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Priority       int            `json:"priority"`
	Status         string         `json:"status,omitempty"`
}

func (req configRequest) toConfig() scheduler.Config {
	return scheduler.Config{
		Name:           req.Name,
		Description:    req.Description,
		Kind:           req.Kind,
		ScheduleKind:   scheduler.ScheduleKind(req.ScheduleKind),
		ScheduleSpec:   req.ScheduleSpec,
		Params:         req.Params,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
		Status:         scheduler.ConfigStatus(req.Status),
	}
}

// createConfig validates and persists a configuration, then registers its
// schedule when the config is active and non-manual.
func (h *AdminHandler) createConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req configRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cfg := req.toConfig()

	if err := h.registry.Validate(cfg.Kind, cfg.Params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := scheduler.ValidateSpec(cfg.ScheduleKind, cfg.ScheduleSpec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.configs.Create(ctx, cfg)
	if err != nil {
		if errors.Is(err, scheduler.ErrDuplicateName) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if created.Status == scheduler.ConfigActive && created.ScheduleKind != scheduler.ScheduleManual {
		if _, err := h.scheduler.Register(ctx, *created); err != nil {
			// The config exists but its schedule failed; flag it so
			// operators notice instead of silently never firing.
			h.log.ErrorContext(ctx, "failed to register schedule for new config",
				slog.Int64("config_id", created.ID),
				slog.Any("error", err),
			)
			_ = h.configs.UpdateStatus(ctx, created.ID, scheduler.ConfigError)
			created.Status = scheduler.ConfigError
		}
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *AdminHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	scheduleIDs, err := h.scheduler.ListByConfig(r.Context(), cfg.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if scheduleIDs == nil {
		scheduleIDs = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"config":       cfg,
		"schedule_ids": scheduleIDs,
	})
}

// updateConfig rewrites the configuration and reloads its schedules: the
// old instances are unregistered and, when the config stays active, one
// fresh instance is registered from the new definition.
func (h *AdminHandler) updateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	existing, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	var req configRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := req.toConfig()
	cfg.ID = existing.ID
	if cfg.Status == "" {
		cfg.Status = existing.Status
	}

	if err := h.registry.Validate(cfg.Kind, cfg.Params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := scheduler.ValidateSpec(cfg.ScheduleKind, cfg.ScheduleSpec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.configs.Update(ctx, cfg)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrConfigNotFound):
			writeError(w, http.StatusNotFound, "config not found")
		case errors.Is(err, scheduler.ErrDuplicateName):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	h.unregisterAll(ctx, updated.ID)
	if updated.Status == scheduler.ConfigActive && updated.ScheduleKind != scheduler.ScheduleManual {
		if _, err := h.scheduler.Register(ctx, *updated); err != nil {
			h.log.ErrorContext(ctx, "failed to re-register schedule after update",
				slog.Int64("config_id", updated.ID),
				slog.Any("error", err),
			)
			_ = h.configs.UpdateStatus(ctx, updated.ID, scheduler.ConfigError)
			updated.Status = scheduler.ConfigError
		}
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *AdminHandler) deleteConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	h.unregisterAll(ctx, cfg.ID)

	if err := h.configs.Delete(ctx, cfg.ID); err != nil {
		if errors.Is(err, scheduler.ErrConfigNotFound) {
			writeError(w, http.StatusNotFound, "config not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// triggerNow fires one ad-hoc invocation of the configuration.
func (h *AdminHandler) triggerNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	invocationID, err := h.broker.Enqueue(ctx, cfg.Kind, []int64{cfg.ID},
		h.registry.ApplyDefaults(cfg.Kind, cfg.Params), cfg.Labels())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue invocation")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"invocation_id": invocationID,
		"config_id":     cfg.ID,
	})
}

func (h *AdminHandler) pauseConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	h.unregisterAll(ctx, cfg.ID)
	if err := h.configs.UpdateStatus(ctx, cfg.ID, scheduler.ConfigPaused); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": scheduler.ConfigPaused})
}

func (h *AdminHandler) resumeConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	var scheduleID string
	if cfg.ScheduleKind != scheduler.ScheduleManual {
		var err error
		scheduleID, err = h.scheduler.Resume(ctx, *cfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.configs.UpdateStatus(ctx, cfg.ID, scheduler.ConfigActive); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      scheduler.ConfigActive,
		"schedule_id": scheduleID,
	})
}

// reloadConfig drops the live schedule instances and re-registers from the
// persisted configuration, picking up edits made outside the update flow.
func (h *AdminHandler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	h.unregisterAll(ctx, cfg.ID)

	var scheduleID string
	if cfg.Status == scheduler.ConfigActive && cfg.ScheduleKind != scheduler.ScheduleManual {
		var err error
		scheduleID, err = h.scheduler.Register(ctx, *cfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"config_id":   cfg.ID,
		"schedule_id": scheduleID,
	})
}

func (h *AdminHandler) listConfigExecutions(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.exec.ListByConfig(r.Context(), cfg.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeExecutions(w, records)
}

func (h *AdminHandler) recentExecutions(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	limit := queryInt(r, "limit", 100)

	records, err := h.exec.ListRecent(r.Context(), hours, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeExecutions(w, records)
}

func (h *AdminHandler) runningExecutions(w http.ResponseWriter, r *http.Request) {
	records, err := h.exec.ListRunning(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeExecutions(w, records)
}

func (h *AdminHandler) failedExecutions(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	limit := queryInt(r, "limit", 50)

	records, err := h.exec.ListFailed(r.Context(), days, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeExecutions(w, records)
}

func (h *AdminHandler) getExecution(w http.ResponseWriter, r *http.Request) {
	invocationID, err := uuid.Parse(chi.URLParam(r, "invocationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invocation id")
		return
	}

	record, err := h.exec.GetByInvocationID(r.Context(), invocationID)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *AdminHandler) getResult(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusNotFound, "result store disabled")
		return
	}

	invocationID, err := uuid.Parse(chi.URLParam(r, "invocationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invocation id")
		return
	}

	result, err := h.results.Get(r.Context(), invocationID)
	if err != nil {
		if errors.Is(err, queue.ErrResultNotFound) {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) globalStats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)

	stats, err := h.exec.StatsGlobal(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) configStats(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.loadConfig(w, r)
	if !ok {
		return
	}

	days := queryInt(r, "days", 7)
	stats, err := h.exec.StatsByConfig(r.Context(), cfg.ID, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// loadConfig resolves {configID}; on failure it writes the error response
// and reports false.
func (h *AdminHandler) loadConfig(w http.ResponseWriter, r *http.Request) (*scheduler.Config, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "configID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return nil, false
	}

	cfg, err := h.configs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrConfigNotFound) {
			writeError(w, http.StatusNotFound, "config not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return cfg, true
}

// unregisterAll removes every live schedule instance of a configuration.
// Best-effort: a failed unregister is logged and the rest proceed.
func (h *AdminHandler) unregisterAll(ctx context.Context, configID int64) {
	scheduleIDs, err := h.scheduler.ListByConfig(ctx, configID)
	if err != nil {
		h.log.ErrorContext(ctx, "failed to list schedules for config",
			slog.Int64("config_id", configID),
			slog.Any("error", err),
		)
		return
	}

	for _, scheduleID := range scheduleIDs {
		if err := h.scheduler.Unregister(ctx, scheduleID); err != nil && !errors.Is(err, scheduler.ErrScheduleNotFound) {
			h.log.WarnContext(ctx, "failed to unregister schedule",
				slog.String("schedule_id", scheduleID),
				slog.Any("error", err),
			)
		}
	}
}

func writeExecutions(w http.ResponseWriter, records []execution.Record) {
	if records == nil {
		records = []execution.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

package httpapi

import (
	"fmt"
	"net/http"

	"ecobin-dispatch/internal/dispatch"
	"ecobin-dispatch/internal/eventlog"
	"ecobin-dispatch/internal/ingest"
	"ecobin-dispatch/internal/lifecycle"
	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/repository"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Identity headers; authentication happens upstream
const (
	HeaderDriverID = "X-Driver-Id"
	HeaderUserID   = "X-User-Id"
)

// Handler serves the dispatch API
type Handler struct {
	ingest  *ingest.Service
	bins    repository.BinsRepository
	tasks   repository.TasksRepository
	manager *lifecycle.Manager
	logs    *eventlog.Service
	logger  *zap.Logger
}

func NewHandler(
	ingestSvc *ingest.Service,
	bins repository.BinsRepository,
	tasks repository.TasksRepository,
	manager *lifecycle.Manager,
	logs *eventlog.Service,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		ingest:  ingestSvc,
		bins:    bins,
		tasks:   tasks,
		manager: manager,
		logs:    logs,
		logger:  logger,
	}
}

// TaskResponse task plus the outcome of the assignment attempt that came with it
type TaskResponse struct {
	Task       *models.Task     `json:"task"`
	Assignment *dispatch.Result `json:"assignment,omitempty"`
}

// TelemetryResponse committed bin state and the sample it produced
type TelemetryResponse struct {
	Bin    *models.Bin       `json:"bin"`
	Sample *models.BinSample `json:"sample"`
}

func pathID(r *http.Request, kind string) (string, error) {
	id := chi.URLParam(r, "id")
	if err := models.ValidateID(kind, id); err != nil {
		return "", err
	}
	return id, nil
}

// ---- bins ----

func (h *Handler) CreateBin(w http.ResponseWriter, r *http.Request) {
	var req ingest.RegisterBinRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bin, err := h.ingest.RegisterBin(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(bin))
}

func (h *Handler) ListBins(w http.ResponseWriter, r *http.Request) {
	societyID := r.URL.Query().Get("society_id")
	if err := optionalID("society_id", societyID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bins, err := h.bins.ListBins(r.Context(), societyID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if bins == nil {
		bins = []*models.Bin{}
	}
	writeJSON(w, http.StatusOK, Ok(bins))
}

func (h *Handler) GetBin(w http.ResponseWriter, r *http.Request) {
	binID, err := pathID(r, "bin_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bin, err := h.bins.GetBin(r.Context(), binID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(bin))
}

func (h *Handler) PostTelemetry(w http.ResponseWriter, r *http.Request) {
	binID, err := pathID(r, "bin_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var update models.TelemetryUpdate
	if err := readBodyJSON(r, &update); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bin, sample, err := h.ingest.ApplyTelemetry(r.Context(), binID, update)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(TelemetryResponse{Bin: bin, Sample: sample}))
}

// ---- tasks ----

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateTaskRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	task, result, err := h.manager.CreateTask(r.Context(), req, r.Header.Get(HeaderUserID))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(TaskResponse{Task: task, Assignment: result}))
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TaskFilter{
		SocietyID: q.Get("society_id"),
		BinID:     q.Get("bin_id"),
		DriverID:  q.Get("driver_id"),
	}
	var err error
	if err = optionalID("society_id", filter.SocietyID); err == nil {
		if err = optionalID("bin_id", filter.BinID); err == nil {
			err = optionalID("driver_id", filter.DriverID)
		}
	}
	if err == nil {
		filter.Statuses, err = parseStatuses(q.Get("status"))
	}
	if err == nil {
		filter.Limit, err = parseInt(q.Get("limit"), 100)
	}
	if err == nil && filter.Limit < 0 {
		err = fmt.Errorf("%w: limit must not be negative", models.ErrValidation)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	tasks, err := h.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, Ok(tasks))
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "task_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(task))
}

func (h *Handler) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "task_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.tasks.GetTask(r.Context(), taskID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	events, err := h.tasks.ListEvents(r.Context(), repository.EventFilter{TaskID: taskID})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []*models.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, Ok(events))
}

func (h *Handler) AssignTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "task_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	task, result, err := h.manager.Redispatch(r.Context(), taskID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(TaskResponse{Task: task, Assignment: result}))
}

func (h *Handler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "task_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	driverID := r.Header.Get(HeaderDriverID)
	if driverID == "" {
		writeError(w, r, h.logger, fmt.Errorf("%s header is required: %w", HeaderDriverID, models.ErrAuthorization))
		return
	}
	var upd lifecycle.StatusUpdate
	if err := readBodyJSON(r, &upd); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	task, err := h.manager.UpdateStatus(r.Context(), taskID, driverID, upd)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(task))
}

func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "task_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := r.Header.Get(HeaderUserID)
	if actor == "" {
		writeError(w, r, h.logger, fmt.Errorf("%s header is required: %w", HeaderUserID, models.ErrAuthorization))
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	task, err := h.manager.CancelTask(r.Context(), taskID, actor, body.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(task))
}

// ---- drivers ----

func (h *Handler) PostLocation(w http.ResponseWriter, r *http.Request) {
	driverID, err := pathID(r, "driver_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var update models.LocationUpdate
	if err := readBodyJSON(r, &update); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sample, err := h.ingest.RecordLocation(r.Context(), driverID, update)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(sample))
}

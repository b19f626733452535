package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caresync-health/setu/internal/guard"
	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/internal/resolve"
	"github.com/caresync-health/setu/internal/service/mapping"
	"github.com/caresync-health/setu/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	svc                 *mapping.Service
	guard               *guard.Guard
	index               HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Guard, Index, OpenAPISpec.
type HandlersDeps struct {
	Store               storage.Store
	Svc                 *mapping.Service
	Guard               *guard.Guard
	Index               HealthChecker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		svc:                 d.Svc,
		guard:               d.Guard,
		index:               d.Index,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not embedded")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// actorFromRequest identifies the caller for audit attribution. Clients
// may name themselves via X-Actor; anonymous callers are recorded as "api".
func actorFromRequest(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "api"
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Database: dbStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Index = "connected"
		} else {
			resp.Index = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleResolve handles POST /v1/resolve.
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Term) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "term is required")
		return
	}
	if req.K < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "k must be non-negative")
		return
	}

	outcome, err := h.svc.Suggest(r.Context(), resolve.Request{
		Term:    req.Term,
		Context: req.Context,
		K:       req.K,
	}, actorFromRequest(r))
	if errors.Is(err, mapping.ErrGovernancePaused) {
		writeError(w, r, http.StatusConflict, model.ErrCodePaused, "governance is paused; suggestions are refused until an operator resumes")
		return
	}
	if err != nil {
		h.logger.Error("resolve failed", "error", err, "term", req.Term)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "resolve failed")
		return
	}

	writeJSON(w, r, http.StatusOK, outcome)
}

// HandleListReview handles GET /v1/review.
func (h *Handlers) HandleListReview(w http.ResponseWriter, r *http.Request) {
	filter := storage.TaskFilter{
		Status: model.ReviewStatus(r.URL.Query().Get("status")),
		Reason: model.ReviewReason(r.URL.Query().Get("reason")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	tasks, err := h.store.ListReviewTasks(r.Context(), filter)
	if err != nil {
		h.logger.Error("list review tasks failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "list review tasks failed")
		return
	}

	writeList(w, r, tasks, len(tasks), filter.Limit)
}

// HandleGetReview handles GET /v1/review/{id}.
func (h *Handlers) HandleGetReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}

	task, err := h.store.GetReviewTask(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "review task not found")
		return
	}
	if err != nil {
		h.logger.Error("get review task failed", "error", err, "task_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get review task failed")
		return
	}

	writeJSON(w, r, http.StatusOK, task)
}

// HandleStartReview handles POST /v1/review/{id}/start.
func (h *Handlers) HandleStartReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}

	task, err := h.store.StartReviewTask(r.Context(), id)
	h.writeTaskTransition(w, r, id, task, err)
}

// HandleResolveReview handles POST /v1/review/{id}/resolve.
func (h *Handlers) HandleResolveReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}

	var req model.ReviewResolveRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Status != model.ReviewResolved && req.Status != model.ReviewDismissed {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status must be resolved or dismissed")
		return
	}
	resolvedBy := req.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = actorFromRequest(r)
	}

	task, err := h.store.ResolveReviewTask(r.Context(), id, req.Status, resolvedBy, req.Resolution)
	h.writeTaskTransition(w, r, id, task, err)
}

// reviewID parses the {id} path value, writing a 400 on failure.
func (h *Handlers) reviewID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid review task id")
		return uuid.Nil, false
	}
	return id, true
}

// writeTaskTransition maps a lifecycle transition result onto the response.
func (h *Handlers) writeTaskTransition(w http.ResponseWriter, r *http.Request, id uuid.UUID, task model.ReviewTask, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "review task not found")
	case errors.Is(err, storage.ErrTaskTerminal):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "review task already resolved or dismissed")
	case err != nil:
		h.logger.Error("review task transition failed", "error", err, "task_id", id)
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		writeJSON(w, r, http.StatusOK, task)
	}
}

// HandleGovernanceStatus handles GET /v1/governance.
func (h *Handlers) HandleGovernanceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.svc.Status())
}

// HandleGovernancePause handles POST /v1/governance/pause.
func (h *Handlers) HandleGovernancePause(w http.ResponseWriter, r *http.Request) {
	var req model.GovernancePauseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	h.svc.Pause(r.Context(), actorFromRequest(r), req.Reason)
	writeJSON(w, r, http.StatusOK, h.svc.Status())
}

// HandleGovernanceResume handles POST /v1/governance/resume.
func (h *Handlers) HandleGovernanceResume(w http.ResponseWriter, r *http.Request) {
	h.svc.Resume(r.Context(), actorFromRequest(r))
	writeJSON(w, r, http.StatusOK, h.svc.Status())
}

// HandleGovernanceManual handles POST /v1/governance/manual.
func (h *Handlers) HandleGovernanceManual(w http.ResponseWriter, r *http.Request) {
	h.svc.SetManual(r.Context(), actorFromRequest(r))
	writeJSON(w, r, http.StatusOK, h.svc.Status())
}

// HandleGovernanceReset handles POST /v1/governance/reset.
func (h *Handlers) HandleGovernanceReset(w http.ResponseWriter, r *http.Request) {
	h.svc.ResetBlockedWrites(r.Context(), actorFromRequest(r))
	writeJSON(w, r, http.StatusOK, h.svc.Status())
}

// HandleGuardCheck handles POST /v1/guard/check. Callers present a
// resource they intend to write; a blocked verdict has already recorded
// the audit entry, opened a review task, and notified admins by the time
// the response is written.
func (h *Handlers) HandleGuardCheck(w http.ResponseWriter, r *http.Request) {
	if h.guard == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "resource guard is not configured")
		return
	}

	var req model.GuardCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Resource == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "resource is required")
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = actorFromRequest(r)
	}

	err := h.guard.CheckWrite(r.Context(), req.Resource, actor)
	var blocked *guard.BlockedError
	if errors.As(err, &blocked) {
		writeErrorDetails(w, r, http.StatusForbidden, model.ErrCodeWriteBlocked,
			"write to protected resource blocked",
			model.GuardCheckResponse{
				Allowed:  false,
				Resource: blocked.Resource,
				Matched:  blocked.Matched,
			})
		return
	}
	if err != nil {
		h.logger.Error("guard check failed", "error", err, "resource", req.Resource)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "guard check failed")
		return
	}

	writeJSON(w, r, http.StatusOK, model.GuardCheckResponse{
		Allowed:  true,
		Resource: req.Resource,
	})
}

// HandleListAudit handles GET /v1/audit.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	filter := storage.AuditFilter{
		Action: r.URL.Query().Get("action"),
		Status: model.AuditStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	records, err := h.store.ListAudit(r.Context(), filter)
	if err != nil {
		h.logger.Error("list audit failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "list audit failed")
		return
	}

	writeList(w, r, records, len(records), filter.Limit)
}

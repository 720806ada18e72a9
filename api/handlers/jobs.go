package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/job"
	"github.com/BaSui01/researchflow/progress"
	"github.com/BaSui01/researchflow/types"
)

// JobsHandler exposes the job control plane over HTTP.
type JobsHandler struct {
	manager *job.Manager
	hub     *progress.Hub
	logger  *zap.Logger
}

// NewJobsHandler creates the jobs handler.
func NewJobsHandler(manager *job.Manager, hub *progress.Hub, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		manager: manager,
		hub:     hub,
		logger:  logger.With(zap.String("component", "jobs_handler")),
	}
}

// Register attaches all job routes to the mux.
func (h *JobsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/jobs", h.HandleList)
	mux.HandleFunc("GET /api/v1/jobs/stats", h.HandleStats)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /api/v1/jobs/{id}", h.HandleUpdate)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/v1/jobs/{id}/start", h.HandleStart)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", h.HandleRetry)
	mux.HandleFunc("POST /api/v1/jobs/{id}/approval", h.HandleApproval)
	mux.HandleFunc("GET /api/v1/jobs/{id}/progress", h.HandleProgress)
	mux.HandleFunc("GET /api/v1/jobs/{id}/checkpoints", h.HandleCheckpoints)
	mux.HandleFunc("GET /api/v1/jobs/{id}/stream", h.HandleStreamSSE)
	mux.HandleFunc("GET /api/v1/jobs/{id}/stream/ws", h.HandleStreamWS)
}

// createRequest optionally starts the job in the same call.
type createRequest struct {
	Query       string             `json:"query"`
	Constraints types.Constraints  `json:"constraints"`
	Output      types.OutputConfig `json:"output"`
	HIL         types.HILConfig    `json:"hil"`
	Start       bool               `json:"start"`
}

// HandleCreate handles POST /api/v1/jobs.
func (h *JobsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	created, err := h.manager.Create(r.Context(), job.CreateRequest{
		Query:       req.Query,
		Constraints: req.Constraints,
		Output:      req.Output,
		HIL:         req.HIL,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if req.Start {
		if created, err = h.manager.Start(r.Context(), created.ID); err != nil {
			WriteError(w, err, h.logger)
			return
		}
	}
	WriteSuccessStatus(w, http.StatusCreated, created)
}

// HandleList handles GET /api/v1/jobs.
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.ListFilter{
		Stage: types.Stage(q.Get("stage")),
		Query: q.Get("q"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	filter.IncludeDeleted = q.Get("include_deleted") == "true"

	jobs, total, err := h.manager.List(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// HandleGet handles GET /api/v1/jobs/{id}.
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	found, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, found)
}

// HandleUpdate handles PATCH /api/v1/jobs/{id}.
func (h *JobsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req job.UpdateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	updated, err := h.manager.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, updated)
}

// HandleDelete handles DELETE /api/v1/jobs/{id} (soft delete).
func (h *JobsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "deleted"})
}

// HandleStart handles POST /api/v1/jobs/{id}/start.
func (h *JobsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	started, err := h.manager.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		// The conflict snapshot still goes to the client.
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusAccepted, started)
}

// HandleCancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.manager.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusAccepted, cancelled)
}

// HandleRetry handles POST /api/v1/jobs/{id}/retry.
func (h *JobsHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	retried, err := h.manager.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusAccepted, retried)
}

// HandleApproval handles POST /api/v1/jobs/{id}/approval.
func (h *JobsHandler) HandleApproval(w http.ResponseWriter, r *http.Request) {
	var decision types.ApprovalDecision
	if err := DecodeJSONBody(w, r, &decision, h.logger); err != nil {
		return
	}
	resumed, err := h.manager.SubmitApproval(r.Context(), r.PathValue("id"), decision)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusAccepted, resumed)
}

// HandleProgress handles GET /api/v1/jobs/{id}/progress.
func (h *JobsHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// HandleCheckpoints handles GET /api/v1/jobs/{id}/checkpoints.
func (h *JobsHandler) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	records, err := h.manager.History(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"checkpoints": records, "count": len(records)})
}

// HandleStats handles GET /api/v1/jobs/stats.
func (h *JobsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}

// HandleStreamSSE handles GET /api/v1/jobs/{id}/stream.
func (h *JobsHandler) HandleStreamSSE(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	progress.ServeSSE(w, r, h.hub, job, h.logger)
}

// HandleStreamWS handles GET /api/v1/jobs/{id}/stream/ws.
func (h *JobsHandler) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	progress.ServeWS(w, r, h.hub, job, h.logger)
}

package httptransport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/service"
)

// SweepRunner triggers one recovery pass (implementation: service.Sweeper).
type SweepRunner interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

type Handler struct {
	jobSvc  *service.JobService
	sweeper SweepRunner
	log     *zap.Logger
}

// NewHandler wires the job service. sweeper may be nil, in which case
// POST /sweeps answers 503.
func NewHandler(jobSvc *service.JobService, sweeper SweepRunner, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{jobSvc: jobSvc, sweeper: sweeper, log: log}
}

type deleteDocumentResp struct {
	GroupID string `json:"group_id"`
	Deleted int    `json:"deleted"`
}

// SubmitJob godoc
// @Summary Submit an OCR job
// @Description Creates the job (pending), routes it to the fast or heavy lane and hands it off.
// @Description Re-submitting the same job_id and created_at returns the stored job.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body service.SubmitRequest true "job to process"
// @Success 202 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 502 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := h.jobSvc.Submit(r.Context(), req)
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			h.log.Error("[http] submit failed", zap.String("filename", req.Filename), zap.Error(err))
		}
		msg := err.Error()
		if job != nil {
			msg = "job " + job.JobID + ": " + msg
		}
		writeErr(w, code, msg)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// GetJob godoc
// @Summary Get job by id
// @Description Returns the newest record with this job id.
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} entity.Job
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobSvc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobResult godoc
// @Summary Get corrected text of a completed job
// @Tags jobs
// @Produce plain
// @Param id path string true "job id"
// @Success 200 {string} string
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobSvc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "job not found")
		return
	}
	if job.Status != entity.StatusCompleted {
		writeErr(w, http.StatusConflict, "job not completed: "+string(job.Status))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(job.CorrectedText))
}

// GetDocument godoc
// @Summary Get a multi-page document
// @Description Document row, status derived from its pages, and the page records.
// @Tags documents
// @Produce json
// @Param groupID path string true "group id"
// @Success 200 {object} service.DocumentView
// @Failure 404 {object} apiError
// @Router /documents/{groupID} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	view, err := h.jobSvc.GetDocument(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.fail(w, err, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteDocument godoc
// @Summary Delete a multi-page document
// @Description Removes every page record and the stored objects of the group.
// @Tags documents
// @Produce json
// @Param groupID path string true "group id"
// @Success 200 {object} deleteDocumentResp
// @Failure 404 {object} apiError
// @Failure 500 {object} apiError
// @Router /documents/{groupID} [delete]
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	n, err := h.jobSvc.DeleteDocument(r.Context(), groupID)
	if err != nil {
		h.fail(w, err, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, deleteDocumentResp{GroupID: groupID, Deleted: n})
}

// TriggerSweep godoc
// @Summary Run one recovery pass now
// @Tags recovery
// @Produce json
// @Success 200 {object} service.SweepReport
// @Failure 500 {object} apiError
// @Failure 503 {object} apiError
// @Router /sweeps [post]
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeErr(w, http.StatusServiceUnavailable, "recovery sweeper not configured")
		return
	}
	report, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.log.Error("[http] sweep failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, err error, notFound string) {
	code := statusFor(err)
	if code == http.StatusNotFound {
		writeErr(w, code, notFound)
		return
	}
	if code >= http.StatusInternalServerError {
		h.log.Error("[http] request failed", zap.Error(err))
	}
	writeErr(w, code, err.Error())
}

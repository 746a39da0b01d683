package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/scheduler"
)

// JobHandler groups the Jobs CRUD handlers named in section 6.
type JobHandler struct {
	jobs repositories.JobRepository
	sch  *scheduler.Scheduler
	log  *zap.Logger
}

// NewJobHandler constructs a JobHandler.
func NewJobHandler(jobs repositories.JobRepository, sch *scheduler.Scheduler, log *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, sch: sch, log: log.Named("job_handler")}
}

type jobResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	SourcePath   string  `json:"source_path"`
	DestPrefix   string  `json:"dest_prefix"`
	Schedule     string  `json:"schedule"`
	Enabled      bool    `json:"enabled"`
	Encrypted    bool    `json:"encrypted"`
	StorageClass string  `json:"storage_class"`
	KeepLastN    int     `json:"keep_last_n"`
	LastRunAt    *string `json:"last_run_at,omitempty"`
	NextRunAt    *string `json:"next_run_at,omitempty"`
}

func jobToResponse(j *metadata.Job) jobResponse {
	resp := jobResponse{
		ID:           j.ID.String(),
		Name:         j.Name,
		Kind:         string(j.Kind),
		SourcePath:   j.SourcePath,
		DestPrefix:   j.DestPrefix,
		Schedule:     j.Schedule,
		Enabled:      j.Enabled,
		Encrypted:    j.Encrypted,
		StorageClass: j.StorageClass,
		KeepLastN:    j.KeepLastN,
	}
	if j.LastRunAt != nil {
		s := j.LastRunAt.UTC().Format("2006-01-02T15:04:05Z")
		resp.LastRunAt = &s
	}
	if j.NextRunAt != nil {
		s := j.NextRunAt.UTC().Format("2006-01-02T15:04:05Z")
		resp.NextRunAt = &s
	}
	return resp
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context())
	if err != nil {
		h.log.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, items)
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	Ok(w, jobToResponse(job))
}

type createJobRequest struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	SourcePath   string `json:"source_path"`
	DestPrefix   string `json:"dest_prefix"`
	Schedule     string `json:"schedule"`
	Enabled      bool   `json:"enabled"`
	Encrypted    bool   `json:"encrypted"`
	StorageClass string `json:"storage_class"`
	KeepLastN    int    `json:"keep_last_n"`
}

// Create handles POST /api/v1/jobs. Per section 6: "Job create returns
// 201 with the persisted row; duplicate name returns 400."
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.jobs.GetByName(r.Context(), req.Name); err == nil {
		ErrBadRequest(w, "a job named "+req.Name+" already exists")
		return
	} else if !errors.Is(err, repositories.ErrNotFound) {
		h.log.Error("failed to check for existing job name", zap.Error(err))
		ErrInternal(w)
		return
	}

	kind := metadata.JobKind(req.Kind)
	if !kind.Valid() {
		ErrBadRequest(w, "invalid job kind: "+req.Kind)
		return
	}

	job := &metadata.Job{
		Name:         req.Name,
		Kind:         kind,
		SourcePath:   req.SourcePath,
		DestPrefix:   req.DestPrefix,
		Schedule:     req.Schedule,
		Enabled:      req.Enabled,
		Encrypted:    req.Encrypted,
		StorageClass: req.StorageClass,
		KeepLastN:    req.KeepLastN,
	}
	if job.StorageClass == "" {
		job.StorageClass = "HOT"
	}
	if job.KeepLastN <= 0 {
		job.KeepLastN = 7
	}
	if job.Encrypted {
		salt, err := encryption.NewSalt()
		if err != nil {
			h.log.Error("failed to generate encryption salt", zap.Error(err))
			ErrInternal(w)
			return
		}
		job.EncryptionSalt = base64.StdEncoding.EncodeToString(salt)
	}

	if err := h.jobs.Create(r.Context(), job); err != nil {
		h.log.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.sch != nil {
		if err := h.sch.AddJob(job); err != nil {
			h.log.Warn("failed to schedule newly created job", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	Created(w, jobToResponse(job))
}

type updateJobRequest struct {
	Schedule     *string `json:"schedule"`
	Enabled      *bool   `json:"enabled"`
	StorageClass *string `json:"storage_class"`
	KeepLastN    *int    `json:"keep_last_n"`
}

// Update handles PATCH /api/v1/jobs/{id}.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	var req updateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Schedule != nil {
		job.Schedule = *req.Schedule
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.StorageClass != nil {
		job.StorageClass = *req.StorageClass
	}
	if req.KeepLastN != nil {
		job.KeepLastN = *req.KeepLastN
	}

	if err := h.jobs.Update(r.Context(), job); err != nil {
		h.log.Error("failed to update job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.sch != nil {
		if err := h.sch.AddJob(job); err != nil {
			h.log.Warn("failed to reschedule updated job", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	Ok(w, jobToResponse(job))
}

// Delete handles DELETE /api/v1/jobs/{id}.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Delete(r.Context(), job.ID); err != nil {
		h.log.Error("failed to delete job", zap.Error(err))
		ErrInternal(w)
		return
	}
	if h.sch != nil {
		h.sch.RemoveJob(job.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadJob resolves the {id} URL parameter to a *metadata.Job, writing the
// appropriate error response and returning ok=false on failure.
func (h *JobHandler) loadJob(w http.ResponseWriter, r *http.Request) (*metadata.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid job id")
		return nil, false
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.log.Error("failed to load job", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return job, true
}

package api

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/reconcile"
	"github.com/stratavault/stratavault/worker"
)

// RunHandler groups the run lifecycle handlers named in section 6:
// trigger, cancel, verify, and sync, plus log fetch/stream.
type RunHandler struct {
	jobs       repositories.JobRepository
	runs       repositories.BackupRunRepository
	worker     *worker.Worker
	reconciler *reconcile.Reconciler
	passphrase string
	logDir     string
	log        *zap.Logger
}

// NewRunHandler constructs a RunHandler.
func NewRunHandler(
	jobs repositories.JobRepository,
	runs repositories.BackupRunRepository,
	w *worker.Worker,
	reconciler *reconcile.Reconciler,
	passphrase string,
	logDir string,
	log *zap.Logger,
) *RunHandler {
	return &RunHandler{
		jobs:       jobs,
		runs:       runs,
		worker:     w,
		reconciler: reconciler,
		passphrase: passphrase,
		logDir:     logDir,
		log:        log.Named("run_handler"),
	}
}

type triggerResponse struct {
	BackupRunID string `json:"backup_run_id"`
	Status      string `json:"status"`
}

// Trigger handles POST /api/v1/jobs/{id}/trigger. Per section 6: "Trigger
// run -> 200 with {backup_run_id, status:"pending"}." The run itself
// proceeds asynchronously via worker.StartRunAsync.
func (h *RunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.log.Error("failed to load job for trigger", zap.Error(err))
		ErrInternal(w)
		return
	}

	key, err := h.resolveKey(job)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	run, err := h.worker.StartRunAsync(job, key)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	Ok(w, triggerResponse{BackupRunID: run.ID.String(), Status: string(run.Status)})
}

// Cancel handles POST /api/v1/runs/{id}/cancel. Per section 6: "Cancel
// run -> 200 when the run is in {PENDING, RUNNING}; 400 otherwise."
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.log.Error("failed to load run for cancel", zap.Error(err))
		ErrInternal(w)
		return
	}
	if run.Status.Terminal() {
		ErrBadRequest(w, fmt.Sprintf("run %s is already in a terminal state (%s)", runID, run.Status))
		return
	}
	if err := h.worker.CancelRun(r.Context(), runID); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	Ok(w, envelope{"backup_run_id": runID.String(), "status": "cancelling"})
}

type verifyResponse struct {
	Verified   bool   `json:"verified"`
	Key        string `json:"key"`
	Size       int64  `json:"size,omitempty"`
	StatusNote string `json:"note,omitempty"`
}

// Verify handles GET /api/v1/runs/{id}/verify. Per section 6: "Verify
// run -> HEAD the recorded object; return {verified, ...}."
func (h *RunHandler) Verify(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.log.Error("failed to load run for verify", zap.Error(err))
		ErrInternal(w)
		return
	}
	if run.ManifestKey == "" {
		Ok(w, verifyResponse{Verified: false, StatusNote: "run has no recorded object key"})
		return
	}

	info, err := h.worker.Objects().Head(r.Context(), run.ManifestKey)
	if err != nil {
		h.log.Error("verify head failed", zap.String("key", run.ManifestKey), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, verifyResponse{Verified: info.Exists, Key: run.ManifestKey, Size: info.Size})
}

// Sync handles POST /api/v1/jobs/{id}/sync. Per section 6: "Sync job ->
// execute section 4.5 and return its result."
func (h *RunHandler) Sync(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"
	res, err := h.reconciler.Run(r.Context(), jobID, dryRun)
	if err != nil {
		h.log.Error("reconcile run failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, res)
}

// Log handles GET /api/v1/runs/{id}/log: a one-shot tail of the per-run
// log file, per section 6: "Log fetch / log stream -> return the per-run
// log file (tail or SSE)."
func (h *RunHandler) Log(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	data, err := os.ReadFile(h.logPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			ErrNotFound(w)
			return
		}
		h.log.Error("failed to read run log", zap.Error(err))
		ErrInternal(w)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

// LogStream handles GET /api/v1/runs/{id}/log/stream: a Server-Sent
// Events stream of the per-run log file, produced by polling the file
// for new bytes every second and emitting a terminal event once the run
// reaches a terminal status, per Design Notes' "poll the log file every
// ~1s and emit new bytes; emit a sentinel when the run reaches a
// terminal state" — the only practical approach when per-run loggers
// write to a plain file rather than a broadcast channel.
func (h *RunHandler) LogStream(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	flusher, isFlusher := w.(http.Flusher)
	if !isFlusher {
		ErrInternal(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	f, err := os.Open(h.logPath(runID))
	if err != nil {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		flusher.Flush()
		return
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		for {
			line, readErr := reader.ReadString('\n')
			if line != "" {
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
			if readErr != nil {
				break
			}
		}
		flusher.Flush()

		run, err := h.runs.GetByID(r.Context(), runID)
		if err == nil && run.Status.Terminal() {
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", run.Status)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *RunHandler) logPath(runID uuid.UUID) string {
	return filepath.Join(h.logDir, runID.String()+".log")
}

// resolveKey derives job's encryption key from the process passphrase
// and the job's stored salt, mirroring scheduler.Scheduler.resolveKey —
// duplicated rather than shared because the scheduler keeps it
// unexported to avoid leaking passphrase handling outside its own
// dispatch path.
func (h *RunHandler) resolveKey(job *metadata.Job) (*encryption.Key, error) {
	if !job.Encrypted {
		return nil, nil
	}
	salt, err := base64.StdEncoding.DecodeString(job.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("decode encryption salt: %w", err)
	}
	key := encryption.DeriveKey(h.passphrase, salt)
	return &key, nil
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		ErrBadRequest(w, "invalid "+name)
		return uuid.UUID{}, false
	}
	return id, true
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/reconcile"
	"github.com/stratavault/stratavault/scheduler"
	"github.com/stratavault/stratavault/worker"
)

// RouterConfig holds the dependencies NewRouter needs to build the full
// route tree, passed as one struct so the constructor stays manageable as
// dependencies grow, same shape as arkeep's RouterConfig.
type RouterConfig struct {
	Jobs       repositories.JobRepository
	Runs       repositories.BackupRunRepository
	Worker     *worker.Worker
	Scheduler  *scheduler.Scheduler
	Reconciler *reconcile.Reconciler
	Passphrase string
	LogDir     string
	Logger     *zap.Logger
}

// NewRouter builds the chi router implementing section 6's external API
// contract under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(cfg.Jobs, cfg.Scheduler, cfg.Logger)
	runHandler := NewRunHandler(cfg.Jobs, cfg.Runs, cfg.Worker, cfg.Reconciler, cfg.Passphrase, cfg.LogDir, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", jobHandler.List)
		r.Post("/jobs", jobHandler.Create)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Patch("/jobs/{id}", jobHandler.Update)
		r.Delete("/jobs/{id}", jobHandler.Delete)
		r.Post("/jobs/{id}/trigger", runHandler.Trigger)
		r.Post("/jobs/{id}/sync", runHandler.Sync)

		r.Post("/runs/{id}/cancel", runHandler.Cancel)
		r.Get("/runs/{id}/verify", runHandler.Verify)
		r.Get("/runs/{id}/log", runHandler.Log)
		r.Get("/runs/{id}/log/stream", runHandler.LogStream)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

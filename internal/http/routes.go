package httpx

import (
	"log/slog"
	"net/http"
)

// RouterServices holds everything the admin router needs.
type RouterServices struct {
	Jobs     JobAdmin
	Passes   PassReader
	Listings ListingReader
	// Verifier guards /api routes. Nil leaves them open, which is only sane for local development.
	Verifier TokenVerifier
	Health   *HealthHandler
	Logger   *slog.Logger
}

// NewRouter creates the admin API handler with its middleware chain.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	guard := func(h http.HandlerFunc) http.Handler {
		if services.Verifier == nil {
			return h
		}
		return RequireBearer(services.Verifier)(h)
	}

	jobs := &JobHandlers{Svc: services.Jobs}
	mux.Handle("GET /api/jobs", guard(jobs.ListJobs))
	mux.Handle("POST /api/jobs", guard(jobs.CreateJob))
	mux.Handle("GET /api/jobs/stats", guard(jobs.Stats))
	mux.Handle("GET /api/jobs/{id}", guard(jobs.GetJob))
	mux.Handle("POST /api/jobs/{id}/cancel", guard(jobs.CancelJob))
	mux.Handle("POST /api/jobs/{id}/requeue", guard(jobs.RequeueJob))

	targets := &TargetHandlers{Passes: services.Passes, Listings: services.Listings}
	mux.Handle("GET /api/targets/{id}/summary", guard(targets.Summary))
	mux.Handle("GET /api/targets/{id}/listings", guard(targets.ListListings))
	mux.Handle("GET /api/listings/{id}/history", guard(targets.History))

	health := services.Health
	if health == nil {
		health = &HealthHandler{}
	}
	mux.Handle("GET /healthz", health)
	mux.Handle("HEAD /healthz", health)

	var h http.Handler = mux
	h = Recover(logger)(h)
	h = Logging(logger)(h)
	return RequestID()(h)
}

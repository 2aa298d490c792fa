package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/stockward/stockward/internal/count"
	"github.com/stockward/stockward/internal/impact"
	"github.com/stockward/stockward/internal/ledger"
	"github.com/stockward/stockward/internal/reconcile"
	"github.com/stockward/stockward/internal/transfer"
	"github.com/stockward/stockward/internal/transfer/queries"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	TransferHandler  *transfer.Handler
	QueriesHandler   *queries.Handler
	ReconcileHandler *reconcile.Handler
	CountHandler     *count.Handler
	ImpactHandler    *impact.Handler
	LedgerHandler    *ledger.Handler
}

// NewRouter constructs the chi.Router with default middleware and module
// routes mounted under /api/v1.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(api chi.Router) {
		if params.TransferHandler != nil {
			params.TransferHandler.MountRoutes(api)
		}
		if params.QueriesHandler != nil {
			params.QueriesHandler.MountRoutes(api)
		}
		if params.ReconcileHandler != nil {
			params.ReconcileHandler.MountRoutes(api)
		}
		if params.CountHandler != nil {
			params.CountHandler.MountRoutes(api)
		}
		if params.ImpactHandler != nil {
			params.ImpactHandler.MountRoutes(api)
		}
		if params.LedgerHandler != nil {
			params.LedgerHandler.MountRoutes(api)
		}
	})

	return r
}

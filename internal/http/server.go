package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Get("/role", handler.Role)
		r.Get("/invoices", handler.ListInvoices)
		r.Get("/summary", handler.Summary)
		r.Get("/history", handler.History)
		r.Get("/sync", handler.SyncStatus)
		r.Post("/refresh", handler.Refresh)
	})
	r.Get("/invoices/{id}", handler.GetInvoice)

	r.Route("/actions", func(r chi.Router) {
		r.Post("/", handler.PrepareAction)
		r.Get("/{id}", handler.GetAction)
		r.Post("/{id}/confirm", handler.ConfirmAction)
		r.Delete("/{id}", handler.CancelAction)
	})

	return &Server{Router: r}
}

package api

import (
	"bytes"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the webhook router. The gateway calls POST /sms
// server-to-server; /healthz and /stats back monitoring dashboards.
func SetupRoutes(h *Handlers, cfg RouteConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	if cfg.TestMode {
		r.Use(dumpRequests)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.HandleHealth)
	r.Get("/stats", h.HandleStats)
	r.Post("/sms", h.HandleInboundSMS)
	if cfg.TestMode {
		r.Get("/sms/test", h.HandleSMSTest)
	}

	return r
}

// RouteConfig controls which routes and middleware are mounted.
type RouteConfig struct {
	TestMode bool
}

// LogRoutes prints the mounted route table, one line per route.
func LogRoutes(r *chi.Mux) {
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		log.Printf("[API] %s %s", method, route)
		return nil
	})
}

// dumpRequests logs every request's headers and body. Test mode only; the
// body is capped so a hostile payload cannot flood the log.
func dumpRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		log.Printf("[API] %s %s headers=%v body=%s", r.Method, r.URL.Path, r.Header, body)
		next.ServeHTTP(w, r)
	})
}

// Package router assembles the HTTP surface: the dashboard/kiosk read
// routes, the booking write routes, the realtime join-token minting
// route, health/metrics, and a tool-invocation surface over the session
// orchestrator.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-booking-core/internal/api/handlers"
	httpmiddleware "github.com/wolfman30/clinic-booking-core/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	Handlers           *handlers.Handlers
	CORSAllowedOrigins []string

	// AdminJWTSecret, when set, guards the mutating backfill route.
	AdminJWTSecret string

	// RateLimitRPS, when positive, enforces a per-IP request budget
	// across the whole API surface.
	RateLimitRPS   float64
	RateLimitBurst int

	// DashboardStaticDir and KioskStaticDir, when set, are served under
	// /dashboard/* and /* respectively, dashboard mounted first. These
	// are simple file servers over operator-supplied directories.
	DashboardStaticDir string
	KioskStaticDir     string
}

// New creates a new Chi router with every API route mounted.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	if cfg.RateLimitRPS > 0 {
		r.Use(httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	r.Use(requireHospitalCode)

	h := cfg.Handlers

	r.Get("/healthz", h.Healthz)
	r.Get("/healthz-unified", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/hospitals", h.ListHospitals)
		api.Get("/departments", h.Departments)
		api.Get("/meta", h.Meta)
		api.Get("/overview", h.Overview)
		api.Get("/bookings", h.Bookings)
		api.Get("/bookings_by_code", h.BookingsByCode)
		api.Post("/book", h.Book)
		api.Post("/book_by_code", h.BookByCode)
		api.Get("/visit_detail", h.VisitDetail)
		api.Get("/token", h.Token)

		if cfg.AdminJWTSecret != "" {
			api.With(httpmiddleware.AdminJWT(cfg.AdminJWTSecret)).Post("/backfill_department_codes", h.BackfillDepartmentCodes)
		} else {
			api.Post("/backfill_department_codes", h.BackfillDepartmentCodes)
		}

		// Tool-invocation surface for the realtime session bridge.
		api.Route("/session/{sessionID}", func(session chi.Router) {
			session.Post("/start", h.StartSession)
			session.Post("/identity/propose", h.ProposeIdentity)
			session.Post("/identity/confirm", h.ConfirmIdentity)
			session.Post("/schedule", h.ScheduleAppointment)
			session.Post("/choose", h.ChooseBookingOption)
			session.Post("/finalize", h.FinalizeVisit)
			session.Post("/end", h.EndSession)
		})
	})

	// Static asset mounts: dashboard first, kiosk catch-all last, so
	// /dashboard/* never falls through to the kiosk bundle.
	if cfg.DashboardStaticDir != "" {
		fileServer(r, "/dashboard", cfg.DashboardStaticDir)
	}
	if cfg.KioskStaticDir != "" {
		fileServer(r, "/", cfg.KioskStaticDir)
	}

	return r
}

// fileServer mounts a directory's contents under pathPrefix.
func fileServer(r chi.Router, pathPrefix, dir string) {
	root := http.Dir(dir)
	fs := http.StripPrefix(pathPrefix, http.FileServer(root))
	routePattern := pathPrefix
	if routePattern != "/" {
		routePattern += "/*"
	} else {
		routePattern = "/*"
	}
	r.Get(routePattern, func(w http.ResponseWriter, req *http.Request) {
		fs.ServeHTTP(w, req)
	})
}

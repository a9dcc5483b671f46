// Package api exposes the flash services over HTTP.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/deploymenttheory/go-fwdl/internal/device"
	"github.com/deploymenttheory/go-fwdl/internal/services"
)

// SecureSuffix is appended to the dump endpoint for the redacted variant
const SecureSuffix = "_secure"

// StallThreshold is how long an active loop may go without feeding the
// watchdog before /health reports it as stalled
const StallThreshold = 10 * time.Second

// Server holds the HTTP server dependencies
type Server struct {
	config   *device.Config
	factory  *services.ServiceFactory
	dir      *services.Directory
	reader   *services.FlashReader
	mask     *services.RedactionMask
	boot     *services.BootSelector
	uploader *services.Uploader
	cloner   *services.SlotCloner
	watchdog *services.Watchdog
	logger   *slog.Logger
}

// New creates a new API server from an initialized factory
func New(factory *services.ServiceFactory, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := factory.Initialize(); err != nil {
		return nil, err
	}

	s := &Server{
		config:  factory.Config(),
		factory: factory,
		logger:  logger.With("component", "api"),
	}

	// Initialize succeeded, so the accessors cannot fail
	s.dir, _ = factory.Directory()
	s.reader, _ = factory.Reader()
	s.mask, _ = factory.Mask()
	s.boot, _ = factory.BootSelector()
	s.uploader, _ = factory.Uploader()
	s.cloner, _ = factory.Cloner()
	s.watchdog, _ = factory.Watchdog()
	return s, nil
}

// Routes builds the chi router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.Health)
	r.Get("/partitions", s.Partitions)

	r.Get(s.config.DumpEndpoint, s.DumpFlash)
	r.Get(s.config.DumpEndpoint+SecureSuffix, s.DumpFlashSecure)
	r.Get("/downloaddirect", s.DownloadDirect)
	r.Get("/downloadboot", s.DownloadBoot)

	r.Get("/activate", s.Activate)
	r.Get("/clone", s.Clone)
	r.Post("/upload", s.Upload)

	return r
}

// HTTPServer returns an http.Server for the routes. Dumps of a whole flash
// take long on slow links, so there is no write timeout.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrPartitionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, services.ErrActiveSlotConflict),
		errors.Is(err, services.ErrPartitionInvalid),
		errors.Is(err, services.ErrInvalidParameter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	s.logger.Warn("request failed",
		"request_id", middleware.GetReqID(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	http.Error(w, err.Error(), status)
}

func writeText(w http.ResponseWriter, format string, args ...any) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, format, args...)
}

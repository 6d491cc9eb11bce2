// Package web implements the JSON API server for workflow submission and job polling
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	"github.com/go-chi/cors"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/persistence"
	"github.com/osflow/osflow/app/workflow"
)

// Tracker defines job operations used by the server, implemented by tracker.Tracker
type Tracker interface {
	Create(config json.RawMessage, tasks []enums.TaskName) (string, error)
	Get(id string) (persistence.Job, error)
	List(limit int) []persistence.Summary
	Cancel(id string) error
	Delete(id string) (bool, error)
}

// Runner starts workflows of created jobs, implemented by workflow.Runner
type Runner interface {
	Submit(jobID string, cfg workflow.Config)
}

// EventsReader returns job event history, implemented by persistence.SQLiteHistory
type EventsReader interface {
	Events(jobID string, limit int) ([]persistence.Event, error)
}

// Config holds server configuration
type Config struct {
	Address      string
	Version      string
	PasswordHash string   // bcrypt hash for basic auth, empty to disable
	SubmitRate   float64  // max workflow submissions per second per client, 1 if not set
	CORSOrigins  []string // allowed browser origins, CORS disabled if empty
	Tracker      Tracker
	Runner       Runner
	History      EventsReader // optional
}

// Server is the api server
type Server struct {
	Config
}

// New makes server, tracker and runner are required
func New(cfg Config) (*Server, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("web server initialization failed: tracker is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("web server initialization failed: runner is required")
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 1
	}
	return &Server{Config: cfg}, nil
}

// Run starts the web server, blocks until ctx is canceled
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", s.Address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("osflow", "osflow", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	submitLimiter := tollbooth.NewLimiter(s.SubmitRate, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	submitLimiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	submitLimiter.SetMessage(`{"error":"too many workflow submissions"}`)
	submitLimiter.SetMessageContentType("application/json")

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		if s.PasswordHash != "" {
			log.Printf("[INFO] basic auth enabled for api")
			api.Use(s.authMiddleware)
		}
		api.With(tollbooth.HTTPMiddleware(submitLimiter)).HandleFunc("POST /workflow", s.handleSubmitWorkflow)
		api.HandleFunc("GET /jobs", s.handleListJobs)
		api.HandleFunc("GET /jobs/{id}", s.handleGetJob)
		api.HandleFunc("GET /jobs/{id}/events", s.handleJobEvents)
		api.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
		api.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	})

	if len(s.CORSOrigins) == 0 {
		return router
	}
	log.Printf("[INFO] cors enabled for %v", s.CORSOrigins)
	return cors.Handler(cors.Options{
		AllowedOrigins: s.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	})(router)
}

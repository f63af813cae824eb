package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/config"
	"github.com/mscandco/distro-platform/backend/internal/handlers"
	"github.com/mscandco/distro-platform/backend/internal/metrics"
	"github.com/mscandco/distro-platform/backend/internal/middleware"
	"github.com/mscandco/distro-platform/backend/internal/roles"
)

// Runner is a background component started and stopped with the server.
type Runner interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

// Deps are the collaborators the routes are built from. Nil optional
// dependencies leave their routes unregistered.
type Deps struct {
	DB       handlers.Pinger
	Verifier middleware.TokenVerifier
	Billing  handlers.BillingService
	Webhook  *handlers.WebhookHandler
	Jobs     handlers.JobStore
	Canceler handlers.JobCanceller
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Runners  []Runner
	Logger   *zap.Logger
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	runners    []Runner
	logger     *zap.Logger

	mu           sync.Mutex
	cancelRun    context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger(logger))
	router.Use(chimw.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.HeaderGhostUserID, middleware.HeaderGhostUserRole},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(middleware.Metrics(deps.Metrics))

	router.Get("/healthz", handlers.Health)
	if deps.DB != nil {
		router.Get("/readyz", handlers.Ready(deps.DB))
	}
	if deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.Webhook != nil {
		router.Method(http.MethodPost, "/api/webhooks/stripe", deps.Webhook)
	}

	if deps.Verifier != nil {
		authn := middleware.NewAuthenticator(deps.Verifier, logger)

		router.Group(func(r chi.Router) {
			r.Use(authn.Authenticate)
			r.Get("/api/me", handlers.Me)

			if deps.Billing != nil {
				bh := handlers.NewBillingHandler(deps.Billing, logger)

				r.Route("/api/billing", func(r chi.Router) {
					r.Get("/plan", bh.Plan())
					r.Get("/entitlement", bh.Entitlement())
					r.Get("/checkout-return", bh.CheckoutReturn())

					r.Group(func(r chi.Router) {
						r.Use(middleware.RequireCapability(roles.SubscriptionManageOwn))
						r.Post("/create-checkout-session", bh.CreateCheckoutSession())
						r.Post("/create-portal-session", bh.CreatePortalSession())
						r.Post("/cancel-subscription", bh.CancelSubscription())
					})
					r.Group(func(r chi.Router) {
						r.Use(middleware.RequireCapability(roles.SubscriptionViewOwn))
						r.Get("/payment-history", bh.PaymentHistory())
						r.Get("/invoice/{id}", bh.Invoice())
					})
				})

				r.With(middleware.RequireCapability(roles.SubscriptionViewAny)).
					Get("/api/admin/subscriptions", bh.ListSubscriptions())
			}

			if deps.Jobs != nil && deps.Canceler != nil {
				jh := handlers.NewJobHandler(deps.Jobs, deps.Canceler, logger)
				r.With(middleware.RequireCapability(roles.SystemLogs)).
					Route("/api/admin/jobs", jh.RegisterRoutes)
			}
		})
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		runners:    deps.Runners,
		logger:     logger.Named("server"),
		done:       make(chan struct{}),
	}
}

// Start starts the background runners and serves HTTP. After the listener
// closes it blocks until Shutdown has stopped every runner. Runners get a
// context that only Shutdown cancels, so cancelling ctx does not interrupt
// work they are still finishing.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	for _, r := range s.runners {
		r.Start(runCtx)
	}
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-s.done
		return nil
	}

	stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer stop()
	return errors.Join(err, s.Shutdown(stopCtx))
}

// Shutdown stops accepting requests, then stops the runners in reverse
// order. Only the first call does any work.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		defer close(s.done)

		err = s.httpServer.Shutdown(ctx)
		for i := len(s.runners) - 1; i >= 0; i-- {
			if stopErr := s.runners[i].Stop(ctx); stopErr != nil {
				s.logger.Error("runner shutdown", zap.Error(stopErr))
				err = errors.Join(err, stopErr)
			}
		}

		s.mu.Lock()
		if s.cancelRun != nil {
			s.cancelRun()
		}
		s.mu.Unlock()
	})
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

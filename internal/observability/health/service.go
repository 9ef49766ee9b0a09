// Package health serves the liveness endpoint, Prometheus metrics, and
// optional pprof handlers on one echo router.
package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "stillwaiting/internal/runtime/supervisor"
	logx "stillwaiting/pkg/logx"
)

// Body is the static liveness response.
const Body = "The web server is running!"

type Config struct {
	Addr    string
	Metrics bool
	Pprof   bool
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	addr     string
	sup      *rtsup.Supervisor
	srv      *http.Server
	listenCh chan struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	return &Service{cfg: cfg, log: log}
}

// Handler builds the router for cfg.
func Handler(cfg Config, log logx.Logger) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Debug("http request",
				logx.String("method", c.Request().Method),
				logx.String("uri", c.Request().RequestURI),
				logx.Int("status", c.Response().Status),
				logx.Duration("took", time.Since(start)),
			)
			return err
		}
	})

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, Body)
	})

	if cfg.Metrics {
		g := cfg.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}

	if cfg.Pprof {
		pp := e.Group("/debug/pprof")
		pp.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		pp.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		pp.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		pp.POST("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		pp.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		// Index also serves the named profiles (heap, goroutine, ...).
		pp.GET("/*", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}
	return e
}

// Start runs the server under a restart loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.listenCh = make(chan struct{})
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "health"))),
		// The probe is optional; never take the bot down with it.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Addr returns the bound address once listening, or "" before that.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listening is closed after the first successful bind.
func (s *Service) Listening() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenCh
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("health listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           Handler(cfg, s.log),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	select {
	case <-s.listenCh:
	default:
		close(s.listenCh)
	}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	})
	defer stop()

	s.log.Info("health server started", logx.String("addr", ln.Addr().String()),
		logx.Bool("metrics", cfg.Metrics), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("health server exited unexpectedly")
	}
	return err
}

// Stop shuts the server down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("health stop incomplete", logx.Err(err))
	}
	s.log.Info("health server stopped")
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/capture"
	"github.com/telekom/audit-trail/pkg/config"
	"github.com/telekom/audit-trail/pkg/metrics"
	"github.com/telekom/audit-trail/pkg/ratelimit"
	"github.com/telekom/audit-trail/pkg/translation"
	"github.com/telekom/audit-trail/pkg/version"
)

// Deps are the services the handlers work on.
type Deps struct {
	Capturer   *capture.Capturer
	Service    *audit.Service
	Translator *translation.Translator
	// Resolver identifies the caller. Defaults to HeaderActorResolver.
	Resolver ActorResolver
}

type Server struct {
	gin     *gin.Engine
	config  config.Config
	log     *zap.Logger
	deps    Deps
	limiter *ratelimit.Limiter

	mu   sync.Mutex
	srv  *http.Server
	once sync.Once
}

func NewServer(log *zap.Logger, cfg config.Config, debug bool, deps Deps) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Resolver == nil {
		deps.Resolver = HeaderActorResolver{}
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			log.Warn("invalid trusted proxies, trusting none", zap.Error(err))
			_ = engine.SetTrustedProxies(nil)
		}
	}

	s := &Server{
		gin:    engine,
		config: cfg,
		log:    log.Named("api"),
		deps:   deps,
	}
	if cfg.Server.RateLimit.Enabled {
		s.limiter = ratelimit.New(ratelimit.Config{
			Rate:  cfg.Server.RateLimit.Rate,
			Burst: cfg.Server.RateLimit.Burst,
		})
	}

	engine.GET("healthz", s.healthz)
	engine.GET("metrics", gin.WrapH(metrics.MetricsHandler()))

	api := engine.Group("api", RequestContext(deps.Resolver, s.log))
	api.GET("buildinfo", s.getBuildInfo)

	events := api.Group("audit")
	manual := []gin.HandlerFunc{}
	if s.limiter != nil {
		manual = append(manual, s.limiter.Middleware())
	}
	events.POST("events", append(manual, s.postEvent)...)
	events.GET("sinks", s.getSinks)
	events.PUT("broker", s.putBroker)
	events.GET("models", s.getModels)
	events.POST("translate", s.postTranslate)

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until ctx is canceled, then shuts down gracefully within
// server.shutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Server.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Listen on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(s.gin, "audit-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("audit API listening", zap.String("address", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout, err := config.ParseDuration(s.config.Server.ShutdownTimeout, 15*time.Second)
	if err != nil {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown audit API: %w", err)
	}
	s.log.Info("audit API stopped")
	return nil
}

// Close releases background resources. It is safe to call more than once.
func (s *Server) Close() {
	s.once.Do(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
	})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getBuildInfo(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetBuildInfo())
}

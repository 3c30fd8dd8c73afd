package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	authgin "github.com/PaulFidika/clinicauth/adapters/gin"
	authhttp "github.com/PaulFidika/clinicauth/adapters/http"
	"github.com/PaulFidika/clinicauth/audit"
	"github.com/PaulFidika/clinicauth/core"
	"github.com/PaulFidika/clinicauth/guard"
	jwtkit "github.com/PaulFidika/clinicauth/jwt"
	oidckit "github.com/PaulFidika/clinicauth/oidc"
	memorylimiter "github.com/PaulFidika/clinicauth/ratelimit/memory"
	redislimiter "github.com/PaulFidika/clinicauth/ratelimit/redis"
	"github.com/PaulFidika/clinicauth/rbac"
	redisstore "github.com/PaulFidika/clinicauth/storage/redis"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const wellKnownJWKS = "/.well-known/jwks.json"

// demoActions are the protected routes of the literacy and assistant services.
var demoActions = []struct{ path, action string }{
	{"/v1/literacy/explain", "literacy.explain"},
	{"/v1/literacy/checklist", "literacy.checklist"},
	{"/v1/literacy/medication", "literacy.medication"},
	{"/v1/assist/summary", "assist.summary"},
	{"/v1/assist/plan", "assist.plan"},
	{"/v1/assist/triage", "assist.triage"},
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the demo protected HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	var keys *jwtkit.KeySource
	if cfg.Issuer.Enabled {
		ks, err := jwtkit.LoadKeySource(cfg.Issuer.KeysDir, log)
		if err != nil {
			return fmt.Errorf("load issuer keys: %w", err)
		}
		keys = ks
		if cfg.Auth.JWKSURL == "" {
			cfg.Auth.JWKSURL = localURL(cfg.Server.Addr) + wellKnownJWKS
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	accept, err := oidckit.ResolveAccept(ctx, cfg.Accept())
	if err != nil {
		return err
	}
	if err := accept.Validate(); err != nil {
		return err
	}
	accept = accept.Defaulted()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	limits := map[string]memorylimiter.Limit{guard.BucketAuthFailure: {Limit: cfg.Limits.AuthFailures, Window: cfg.Limits.Window}}
	verifierOpts := []jwtkit.VerifierOpt{jwtkit.WithMetrics(jwtkit.NewMetrics(reg)), jwtkit.WithLogger(log)}
	if cfg.Auth.Singleflight {
		verifierOpts = append(verifierOpts, jwtkit.WithSingleflight())
	}

	var limiter guard.Limiter
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis not reachable at startup")
		}
		shared := redisstore.NewJWKSCache(rdb, "", accept.CacheTTL)
		verifierOpts = append(verifierOpts, jwtkit.WithFetcher(
			jwtkit.NewCachingFetcher(jwtkit.NewHTTPFetcher(accept.FetchTimeout), shared, log)))
		rl := make(map[string]redislimiter.Limit, len(limits))
		for bucket, l := range limits {
			rl[bucket] = redislimiter.Limit{Limit: l.Limit, Window: l.Window}
		}
		limiter = redislimiter.New(rdb, rl)
	} else {
		ml := memorylimiter.New(limits)
		go sweep(ctx, ml, cfg.Limits.Window)
		limiter = ml
	}
	verifier := jwtkit.NewVerifier(accept, verifierOpts...)

	policies := rbac.NewStore(cfg.RBAC.PolicyPath, log)
	if _, err := policies.Load(); err != nil {
		return err
	}
	go reloadOnHangup(ctx, policies, verifier)

	fileSink := audit.NewFileSink(cfg.Audit.LogPath,
		audit.WithFlushInterval(cfg.Audit.FlushInterval), audit.WithFileLogger(log))
	defer fileSink.Close()
	sinks := audit.Multi{fileSink, audit.NewLogSink(log)}

	if cfg.Audit.DatabaseURL != "" {
		stopDB, sink, err := startAuditDB(ctx)
		if err != nil {
			return err
		}
		defer stopDB()
		sinks = append(sinks, sink)
	}

	g := guard.New(verifier, rbac.NewChecker(policies, log), sinks,
		guard.WithFailureLimiter(limiter),
		guard.WithLogger(log),
		guard.WithMetrics(guard.NewMetrics(reg)),
	)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := newRouter(g, reg, keys, accept.CacheTTL, cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).WithField("jwks_url", accept.JWKSURL).Info("clinicauth listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("clinicauth stopped")
	return nil
}

// startAuditDB connects the durable audit trail: river delivers events to
// Postgres and the cron retention job prunes them.
func startAuditDB(ctx context.Context) (func(), core.AuditSink, error) {
	pool, err := pgxpool.New(ctx, cfg.Audit.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect audit database: %w", err)
	}
	store := audit.NewPostgresStore(pool, cfg.Audit.Schema)
	client, err := audit.NewQueueClient(pool, store, 0)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("build audit queue: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("start audit queue: %w", err)
	}

	var retention *audit.Retention
	if cfg.Audit.Retention > 0 {
		retention, err = audit.NewRetention(store, cfg.Audit.Retention, cfg.Audit.RetentionCron, log)
		if err != nil {
			_ = client.Stop(context.Background())
			pool.Close()
			return nil, nil, err
		}
		retention.Start()
		log.WithField("next_run", retention.NextRun()).Info("audit retention scheduled")
	}

	sink := audit.NewQueueSink(client, log)
	stop := func() {
		_ = sink.Close()
		if retention != nil {
			retention.Stop()
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("audit queue did not drain")
		}
		pool.Close()
	}
	return stop, sink, nil
}

// reloadOnHangup rereads the policy file and drops cached keys on SIGHUP.
func reloadOnHangup(ctx context.Context, policies *rbac.Store, verifier *jwtkit.Verifier) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			m, err := policies.Reload()
			if err != nil {
				log.WithError(err).Error("policy reload failed; keeping previous policies")
				continue
			}
			verifier.Cache().Invalidate()
			log.WithField("actions", len(m)).Info("policies reloaded")
		}
	}
}

func sweep(ctx context.Context, l *memorylimiter.Limiter, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// newRouter mounts the health, metrics, JWKS and protected demo routes.
// Client IPs come from X-Forwarded-For only when the peer is in trustedProxies.
func newRouter(g *guard.Guard, reg *prometheus.Registry, keys *jwtkit.KeySource, jwksMaxAge time.Duration, trustedProxies []string) (*gin.Engine, error) {
	router := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("server.trusted_proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("clinicauth"))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	if keys != nil {
		router.GET(wellKnownJWKS, gin.WrapH(authhttp.JWKSHandler(keys, jwksMaxAge)))
	}

	v1 := router.Group("/v1")
	v1.GET("/me", authgin.RequireAuth(g), func(c *gin.Context) {
		p, _ := authgin.CurrentPrincipal(c)
		c.JSON(http.StatusOK, p)
	})
	for _, d := range demoActions {
		router.POST(d.path, authgin.RequireAction(g, d.action, ""), demoHandler(d.action))
	}
	return router, nil
}

func demoHandler(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := authgin.CurrentPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"action": action, "sub": p.Subject, "role": p.Role})
	}
}

// localURL turns a listen address such as ":8080" into a loopback base URL.
func localURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

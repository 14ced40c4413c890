package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/labops/internal/config"
	"github.com/ehr/labops/internal/domain/worklist"
	"github.com/ehr/labops/internal/platform/auditqueue"
	"github.com/ehr/labops/internal/platform/auth"
	"github.com/ehr/labops/internal/platform/db"
	"github.com/ehr/labops/internal/platform/docstore"
	"github.com/ehr/labops/internal/platform/middleware"
	"github.com/ehr/labops/internal/platform/optimistic"
	"github.com/ehr/labops/internal/platform/ordercache"
	"github.com/ehr/labops/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "labops-server",
		Short: "Lab work-queue API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(deadlettersCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the lab work-queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			to, _ := cmd.Flags().GetInt("to")

			migrator, closePool, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.UpTo(cmd.Context(), schema, to)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies everything)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closePool, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	var fsys fs.FS = db.Migrations()
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	return db.NewMigrator(pool, fsys, "."), pool.Close, nil
}

func deadlettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect audit entries that could not be persisted",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			if path == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				path = cfg.AuditDeadLetterPath
			}
			sink, err := auditqueue.OpenSQLiteSink(path)
			if err != nil {
				return err
			}
			defer sink.Close()

			letters, err := sink.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			if asJSON {
				return writeDeadLettersJSON(cmd.OutOrStdout(), letters)
			}
			return writeDeadLetters(cmd.OutOrStdout(), letters)
		},
	}
	listCmd.Flags().String("path", "", "Dead-letter database (defaults to AUDIT_DEADLETTER_PATH)")
	listCmd.Flags().Int("limit", 50, "Maximum entries to show")
	listCmd.Flags().Bool("json", false, "Print one JSON document per line")
	cmd.AddCommand(listCmd)

	return cmd
}

func writeDeadLetters(w io.Writer, letters []auditqueue.DeadLetter) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAILED AT\tACTION\tUSER\tATTEMPTS\tENTRY ID\tREASON")
	for _, dl := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.FailedAt.UTC().Format(time.RFC3339), dl.Entry.Action, dl.Entry.UserID,
			dl.Attempts, dl.Entry.ID, dl.Reason)
	}
	return tw.Flush()
}

func writeDeadLettersJSON(w io.Writer, letters []auditqueue.DeadLetter) error {
	enc := json.NewEncoder(w)
	for _, dl := range letters {
		if err := enc.Encode(dl); err != nil {
			return err
		}
	}
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--sub is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(cfg.AuthSigningKey) < 32 {
				return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Token subject (user id)")
	cmd.Flags().StringSlice("roles", []string{auth.RoleLabTech}, "Roles granted by the token")
	cmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the long-lived components of a running server.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      docstore.Store
	pool       *pgxpool.Pool
	closeStore func()

	registry    *prometheus.Registry
	deadLetters *auditqueue.SQLiteSink
	queue       *auditqueue.Queue
	cache       *ordercache.Cache
	subs        []*ordercache.Subscription
	ctrl        *optimistic.Controller
	hub         *websocket.Hub
	svc         *worklist.Service
	echo        *echo.Echo
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.ResolvedStoreDriver()).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	for _, s := range a.subs {
		s := s
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-s.Done():
				if err := s.Err(); err != nil {
					logger.Error().Err(err).Str("query", s.Query().String()).
						Msg("order feed failed, serving the last snapshot")
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, *pgxpool.Pool, func(), error) {
	switch cfg.ResolvedStoreDriver() {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return docstore.NewPostgresStore(pool), pool, pool.Close, nil
	default:
		mem := docstore.NewMemoryStore()
		return mem, nil, mem.Close, nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	store, pool, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: store, pool: pool, closeStore: closeStore}

	deadLetters, err := auditqueue.OpenSQLiteSink(cfg.AuditDeadLetterPath)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	a.deadLetters = deadLetters

	a.queue = auditqueue.New(store, auditqueue.Config{
		Collection:      cfg.AuditCollection,
		BatchSize:       cfg.AuditBatchSize,
		MaxAttempts:     cfg.AuditMaxAttempts,
		BaseDelay:       cfg.AuditBaseDelay,
		RescheduleDelay: cfg.AuditRescheduleDelay,
		AttemptTimeout:  cfg.RemoteWriteTimeout,
	},
		auditqueue.WithLogger(logger.With().Str("component", "auditqueue").Logger()),
		auditqueue.WithSink(auditqueue.MultiSink{auditqueue.NewLogSink(logger), deadLetters}),
	)
	a.cache = ordercache.New(store, cfg.OrderCollection,
		ordercache.WithLogger(logger.With().Str("component", "ordercache").Logger()))
	a.ctrl = optimistic.New(store, cfg.OrderCollection,
		optimistic.WithLogger(logger.With().Str("component", "optimistic").Logger()),
		optimistic.WithWriteTimeout(cfg.RemoteWriteTimeout))
	a.hub = websocket.NewHub(logger)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, r := range []interface {
		Register(prometheus.Registerer) error
	}{a.queue, a.cache, a.ctrl} {
		if err := r.Register(a.registry); err != nil {
			a.release(ctx)
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	// Feeds live until cache.Close, not until the caller's context ends.
	feedCtx := context.WithoutCancel(ctx)
	for _, status := range cfg.Statuses() {
		sub, err := a.cache.Subscribe(feedCtx, a.cache.Query().And("status", string(status)))
		if err != nil {
			a.release(ctx)
			return nil, fmt.Errorf("subscribe to %s orders: %w", status, err)
		}
		a.subs = append(a.subs, sub)
	}

	a.svc = worklist.NewService(a.cache, a.ctrl, a.queue, store, cfg.OrderCollection,
		worklist.WithServiceLogger(logger.With().Str("component", "worklist").Logger()),
		worklist.WithPublisher(a.hub),
		worklist.WithChangeSources(a.cache, a.ctrl),
		worklist.WithSearchDebounce(cfg.SearchDebounce),
	)
	a.echo = a.routes()
	return a, nil
}

func (a *app) routes() *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Client-View", "X-Dev-User"},
	}))

	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled: every request runs with admin roles")
		e.Use(auth.DevAuthMiddleware("dev-user"))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":            "ok",
			"version":           version,
			"orders":            a.cache.Len(),
			"pendingWrites":     a.ctrl.PendingCount(),
			"auditQueueDepth":   a.queue.Depth(),
			"orderFeedsHealthy": a.cache.Err() == nil,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/api/v1/ws"))
	apiV1.Use(middleware.Origin(logger))

	worklist.NewHandler(a.svc, a.hub,
		websocket.WithAllowedOrigins(cfg.CORSOrigins),
		websocket.WithHandlerLogger(logger),
	).RegisterRoutes(apiV1)

	return e
}

// shutdown stops intake first, then lets in-flight writes settle so their
// commits or rollbacks land, then flushes the audit queue.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.echo != nil {
		if err := a.echo.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := a.ctrl.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending writes: %w", err))
	}
	if a.svc != nil {
		if err := a.svc.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("live views: %w", err))
		}
	}
	a.release(ctx)
	if n := a.queue.Depth(); n > 0 {
		a.logger.Warn().Int("remaining", n).Msg("audit entries left after shutdown")
	}
	return errors.Join(errs...)
}

// release closes the cache, the audit queue and the stores, in that order.
func (a *app) release(ctx context.Context) {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			a.logger.Error().Err(err).Msg("audit queue did not drain")
		}
	}
	if a.deadLetters != nil {
		if err := a.deadLetters.Close(); err != nil {
			a.logger.Error().Err(err).Str("path", a.deadLetters.Path()).Msg("close dead-letter store")
		}
	}
	a.closeStore()
}

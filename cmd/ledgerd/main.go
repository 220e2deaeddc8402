package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/auditchain"
	"github.com/jmerrifield20/intentledger/internal/commit"
	"github.com/jmerrifield20/intentledger/internal/config"
	"github.com/jmerrifield20/intentledger/internal/handler"
	"github.com/jmerrifield20/intentledger/internal/ledger"
	"github.com/jmerrifield20/intentledger/internal/queue"
	"github.com/jmerrifield20/intentledger/internal/verifier"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:     "ledgerd",
		Short:   "Intent ledger daemon: commit endpoint, read views and queue consumer",
		Version: version,
		Args:    cobra.NoArgs,

		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, found, err := config.Load(v, v.GetString("config"))
			if err != nil {
				return err
			}

			var logger *zap.Logger
			if cfg.Log.Development {
				logger, _ = zap.NewDevelopment()
			} else {
				logger, _ = zap.NewProduction()
			}
			defer logger.Sync() //nolint:errcheck

			if !found {
				logger.Warn("no config file found, using defaults and env vars")
			}
			if err := run(cfg, logger); err != nil {
				logger.Error("ledgerd exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("config", "", "path to ledgerd.yaml (env "+config.EnvPrefix+"_CONFIG)")
	_ = v.BindPFlag("config", cmd.Flags().Lookup("config"))
	return cmd
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Verifier ─────────────────────────────────────────────────────────────
	v, err := verifier.New(verifier.Config{
		PublicKeyFile:         cfg.Verifier.PublicKeyFile,
		AllowInvalidSignature: cfg.Verifier.AllowInvalidSignature,
		AllowMissingPublicKey: cfg.Verifier.AllowMissingPublicKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("init verifier: %w", err)
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	store, err := ledger.Open(ledger.Config{
		Dir:              cfg.Ledger.Dir,
		IndexFile:        cfg.Ledger.IndexFile,
		ReconcileOnStart: cfg.Ledger.ReconcileOnStart,
	}, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if err := handler.RegisterLedgerGauges(prometheus.DefaultRegisterer, store); err != nil {
		return fmt.Errorf("register ledger metrics: %w", err)
	}

	// ── Audit chain ──────────────────────────────────────────────────────────
	var chain auditchain.Chain
	if cfg.Audit.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Audit.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect audit database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping audit database: %w", err)
		}
		pg := auditchain.NewPostgres(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		chain = pg
		logger.Info("audit chain: postgres")
	} else {
		chain = auditchain.NewMemory()
		logger.Info("audit chain: in-memory (set audit.database_url to persist)")
	}

	svc := commit.New(store, v, logger,
		commit.WithAudit(chain),
		commit.WithObserver(handler.RecordCommit),
	)

	// ── Queue consumer ───────────────────────────────────────────────────────
	var consumer *queue.Consumer
	consumerDone := make(chan struct{})
	if cfg.Queue.Enabled {
		consumer, err = queue.NewConsumer(queue.Dirs{
			Pending:   cfg.Queue.PendingDir,
			Committed: cfg.Queue.CommittedDir,
			Failed:    cfg.Queue.FailedDir,
		}, svc, logger,
			queue.WithWatch(cfg.Queue.Watch),
			queue.WithSweepHook(handler.RecordSweep),
		)
		if err != nil {
			return fmt.Errorf("init queue: %w", err)
		}
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx, cfg.Queue.PollInterval); err != nil {
				logger.Error("queue consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(cfg.Server.MaxBodyBytes))
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	opts := []handler.CommitOption{handler.WithIndexExposed(cfg.Server.ExposeIndex)}
	if consumer != nil {
		opts = append(opts, handler.WithQueue(consumer))
	}
	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		limiter := handler.NewRateLimiter(rps, int(rps*2)+1)
		go limiter.Run(ctx)
		opts = append(opts, handler.WithCommitMiddleware(limiter.Middleware()))
	}
	var auditOpts []handler.AuditOption
	if cfg.Server.ReadTokenSecret != "" {
		tokens, err := handler.NewReadTokens(cfg.Server.ReadTokenSecret)
		if err != nil {
			return err
		}
		opts = append(opts, handler.WithReadAuth(tokens.RequireRead()))
		auditOpts = append(auditOpts, handler.WithAuditReadAuth(tokens.RequireRead()))
	}

	api := router.Group("/")
	handler.NewCommitHandler(svc, logger, opts...).Register(api)
	handler.NewAuditHandler(chain, logger, auditOpts...).Register(api)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-consumerDone
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	<-consumerDone

	if err := store.Flush(); err != nil {
		logger.Error("index flush failed; unindexed records are reconciled on next start", zap.Error(err))
	}
	logger.Info("ledgerd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

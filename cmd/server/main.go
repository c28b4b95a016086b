package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/eduardoromerom/NessJewerly/internal/adapter/handler"
	"github.com/eduardoromerom/NessJewerly/internal/adapter/handler/pb"
	"github.com/eduardoromerom/NessJewerly/internal/adapter/identity"
	"github.com/eduardoromerom/NessJewerly/internal/adapter/report"
	"github.com/eduardoromerom/NessJewerly/internal/adapter/storage"
	"github.com/eduardoromerom/NessJewerly/internal/config"
	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/core/service"
	"github.com/eduardoromerom/NessJewerly/internal/logger"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

// backend is the opened backing store plus its lifecycle hooks.
type backend struct {
	store port.DocumentStore
	close func()
	// prune trims the shared change log; nil for local stores.
	prune func(ctx context.Context, before time.Time) (int64, error)
}

func main() {
	flags := config.Flags("inventory-server")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("failed to parse flags: %v", err)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zapLogger.Sync()
	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to open backing store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer be.close()

	collections := domain.Collections{
		Items:        cfg.Collections.Items,
		Movements:    cfg.Collections.Movements,
		Locations:    cfg.Collections.Locations,
		MovementKeys: cfg.Collections.MovementKeys,
		Diagnostics:  cfg.Collections.Diagnostics,
	}

	// Identity
	var provider port.IdentityProvider = identity.NewAnonymousProvider(cfg.Auth.DeviceID)
	if cfg.Auth.Token != "" {
		provider = identity.NewTokenProvider(cfg.Auth.Token, cfg.Auth.Secret, nil)
	}
	where := cfg.Auth.Where
	if where == "" {
		where, _ = os.Hostname()
	}
	gate := service.NewSessionGate(provider, be.store, service.SessionGateConfig{
		Timeout:       cfg.Auth.Timeout,
		RetryInterval: cfg.Auth.RetryInterval,
		Where:         where,
		Collections:   collections,
	}, zapLogger.Named("session"))
	gate.Start()

	// Services
	engine := service.NewLiveQueryEngine(be.store, gate, service.LiveQueryConfig{
		RetryBudget:    cfg.LiveQuery.RetryBudget,
		BackoffInitial: cfg.LiveQuery.BackoffInitial,
		BackoffMax:     cfg.LiveQuery.BackoffMax,
		SafetyLimit:    cfg.LiveQuery.SafetyLimit,
	}, zapLogger.Named("live"))
	catalog := service.NewCatalog(engine, collections, zapLogger.Named("catalog"))
	ledger := service.NewStockLedger(be.store, gate, service.LedgerConfig{
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		BackoffInitial: cfg.Ledger.BackoffInitial,
		Collections:    collections,
	}, zapLogger.Named("ledger"))
	items := service.NewCatalogService(be.store, gate, collections, zapLogger.Named("items"))
	diag := service.NewDiagnostics(be.store, gate, collections)

	reportLoc, err := time.LoadLocation(cfg.Catalog.ReportTimezone)
	if err != nil {
		zapLogger.Fatal("invalid report timezone", zap.String("tz", cfg.Catalog.ReportTimezone), zap.Error(err))
	}

	// gRPC server
	grpcServer := grpc.NewServer()
	pb.RegisterLedgerServer(grpcServer, handler.NewGRPCHandler(ledger, engine, collections, cfg.Server.StreamLimit, zapLogger.Named("grpc")))
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		zapLogger.Fatal("failed to listen", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
	}

	// HTTP server
	tokenSecret := ""
	if cfg.Auth.RequireToken {
		tokenSecret = cfg.Auth.Secret
	}
	httpHandler := handler.NewHTTPHandler(handler.HTTPServices{
		Catalog:     catalog,
		Items:       items,
		Ledger:      ledger,
		Engine:      engine,
		Diagnostics: diag,
		Reports:     report.NewBuilder(reportLoc),
	}, handler.HTTPConfig{
		LowStockThreshold: cfg.Catalog.LowStockThreshold,
		StreamLimit:       cfg.Server.StreamLimit,
		Heartbeat:         cfg.Server.Heartbeat,
		TokenSecret:       tokenSecret,
		Collections:       collections,
	}, zapLogger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpHandler.Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return catalog.Run(gctx)
	})
	g.Go(func() error {
		zapLogger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		zapLogger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if be.prune != nil && cfg.Store.ChangeLogTTL > 0 {
		g.Go(func() error {
			pruneLoop(gctx, be.prune, cfg.Store.ChangeLogTTL, zapLogger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		zapLogger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("HTTP server forced to shutdown", zap.Error(err))
		}
		zapLogger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		zapLogger.Info("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		zapLogger.Error("server exited with error", zap.Error(err))
		return
	}
	zapLogger.Info("server exited")
}

func openBackend(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		return &backend{store: storage.NewMemoryStore(zapLogger.Named("memory")), close: func() {}}, nil

	case "sqlite":
		store, err := storage.OpenSQLiteStore(storage.SQLiteConfig{
			Path:     cfg.Store.SQLitePath,
			PoolSize: cfg.Store.SQLitePoolSize,
			Logger:   zapLogger.Named("sqlite"),
		})
		if err != nil {
			return nil, err
		}
		zapLogger.Info("opened sqlite store", zap.String("path", cfg.Store.SQLitePath))
		return &backend{store: store, close: func() { store.Close() }}, nil

	case "mysql":
		return openMySQL(ctx, cfg, zapLogger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func openMySQL(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (*backend, error) {
	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.Store.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}
	zapLogger.Info("connected to mysql")

	closers := []func() error{db.Close}
	opts := storage.MySQLOptions{
		PollInterval:     cfg.Store.PollInterval,
		BackstopInterval: cfg.Store.BackstopInterval,
		Logger:           zapLogger.Named("mysql"),
	}

	// Initialize Redis
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			db.Close()
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		zapLogger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		opts.Notifier = storage.NewRedisAdapter(rdb, cfg.Redis.Prefix, zapLogger.Named("redis"))
		closers = append([]func() error{rdb.Close}, closers...)
	}

	store := storage.NewMySQLStore(db, opts)
	if err := store.Migrate(ctx); err != nil {
		for _, c := range closers {
			c()
		}
		return nil, fmt.Errorf("failed to migrate mysql: %w", err)
	}

	return &backend{
		store: store,
		close: func() {
			for _, c := range closers {
				c()
			}
			zapLogger.Info("connections closed")
		},
		prune: store.PruneChangeLog,
	}, nil
}

// pruneLoop deletes change_log rows older than ttl, checking every ttl/4.
func pruneLoop(ctx context.Context, prune func(context.Context, time.Time) (int64, error), ttl time.Duration, zapLogger *zap.Logger) {
	ticker := time.NewTicker(ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := prune(ctx, time.Now().Add(-ttl))
			if err != nil {
				zapLogger.Warn("change log prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zapLogger.Info("pruned change log", zap.Int64("rows", n))
			}
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"marginalia/internal/access"
	"marginalia/internal/annotation"
	"marginalia/internal/app"
	"marginalia/internal/blob"
	"marginalia/internal/config"
	"marginalia/internal/email"
	"marginalia/internal/logging"
	"marginalia/internal/metrics"
	"marginalia/internal/presence"
	"marginalia/internal/realtime"
	"marginalia/internal/search"
	"marginalia/internal/session"
	"marginalia/internal/store"
)

var gracefulTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the marginalia server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides API_ADDR)")
	return cmd
}

type backend struct {
	store    store.Store
	fallback search.Searcher
	pgfts    *search.PgFTS
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		mem, err := store.NewMemoryStore()
		if err != nil {
			return backend{}, err
		}
		return backend{store: mem, fallback: search.NewLocal(mem), close: func() {}}, nil
	case config.StorePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
		if err != nil {
			return backend{}, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			return backend{}, fmt.Errorf("migrations failed: %w", err)
		}
		pgfts := search.NewPgFTS(db)
		return backend{
			store:    store.NewPostgresStore(db),
			fallback: pgfts,
			pgfts:    pgfts,
			close:    func() { _ = db.Close() },
		}, nil
	default:
		return backend{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.DefaultLogger()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := metrics.NewMetrics()
	if err != nil {
		return err
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()
	logger.Infof("using %s store", cfg.StoreBackend)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, be.fallback)
	if meiliClient != nil && be.pgfts != nil {
		go searchService.ReindexFromPG(ctx, be.pgfts)
	}

	var (
		sessions    app.SessionStore
		redisClient *redis.Client
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL, be.store)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		sessions = redisStore
		redisClient = redisStore.Client()
		logger.Info("using redis for sessions")
	}

	var content app.ContentStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		content = minioStore
		logger.Infof("storing document content in bucket %s", cfg.MinioBucket)
	}

	var mailer app.Mailer
	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mail.IsConfigured() {
		mailer = mail
	}

	gate := access.NewGate(be.store)
	viewers := presence.NewRegistry()
	if err := m.WatchPresence(viewers); err != nil {
		return err
	}
	coordinator := realtime.NewCoordinator(gate, viewers, m)
	if cfg.RedisFanout {
		if redisClient == nil {
			return errors.New("MARGINALIA_REDIS_FANOUT requires REDIS_URL")
		}
		relay := realtime.NewRedisRelay(redisClient, cfg.NodeID)
		coordinator.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx, coordinator.DeliverRelayed, nil); err != nil {
				logger.Errorf("relay stopped: %v", err)
			}
		}()
		logger.Infof("relaying room events through redis as node %s", cfg.NodeID)
	}

	annotations := annotation.NewService(be.store, searchService, m)
	service := app.New(cfg, app.Deps{
		Store:       be.store,
		Sessions:    sessions,
		Annotations: annotations,
		Broadcaster: coordinator,
		Search:      searchService,
		Content:     content,
		Mailer:      mailer,
	})

	wsServer := realtime.NewServer(service.Resolver(), coordinator,
		realtime.NewHandler(coordinator, annotations, gate, m, cfg.StoreTimeout),
		realtime.ServerOptions{
			AllowedOrigin:  cfg.CORSOrigin,
			SendBuffer:     cfg.WSSendBuffer,
			MaxMessageSize: cfg.WSMaxMessage,
		})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, wsServer, m, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("marginalia listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("websocket shutdown: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

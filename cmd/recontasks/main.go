package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/nkasozi/svc-task-details-repository-manager/internal/httpapi"
	"github.com/nkasozi/svc-task-details-repository-manager/internal/recontasks"
	"github.com/nkasozi/svc-task-details-repository-manager/internal/statestore"
)

type config struct {
	Addr            string
	StateDSN        string
	StoreName       string
	StoreTimeout    time.Duration
	StoreRetries    int
	Server          httpapi.ServerConfig
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.L.WithError(err).Fatal("invalid configuration")
	}
	if err := setupLogging(cfg); err != nil {
		log.L.WithError(err).Fatal("failed to configure logging")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.L.WithError(err).Fatal("recon-tasks service stopped")
	}
}

func loadConfig() (config, error) {
	stateDSN, err := stateDSNFromEnv()
	if err != nil {
		return config{}, err
	}
	return config{
		Addr:         net.JoinHostPort(stringEnv("APP_IP", "0.0.0.0"), stringEnv("APP_PORT", "8080")),
		StateDSN:     stateDSN,
		StoreName:    stringEnv("DAPR_RECON_TASKS_STORE_NAME", "statestore"),
		StoreTimeout: durationEnv("RECON_TASKS_STORE_TIMEOUT", 5*time.Second),
		StoreRetries: intEnv("RECON_TASKS_STORE_MAX_RETRIES", 2),
		Server: httpapi.ServerConfig{
			JWTSecret:       os.Getenv("RECON_TASKS_JWT_SECRET"),
			RateLimitMax:    intEnv("RECON_TASKS_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("RECON_TASKS_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("RECON_TASKS_MAX_BODY_BYTES", 1<<20),
		},
		LogLevel:        stringEnv("RECON_TASKS_LOG_LEVEL", "info"),
		LogFormat:       stringEnv("RECON_TASKS_LOG_FORMAT", string(log.TextFormat)),
		ShutdownTimeout: durationEnv("RECON_TASKS_SHUTDOWN_TIMEOUT", 10*time.Second),
	}, nil
}

// stateDSNFromEnv picks the state backend. An explicit DSN wins over a
// backend profile, and both win over the sidecar address.
func stateDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("RECON_TASKS_STATE_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RECON_TASKS_BACKEND_PROFILE")))
	switch profile {
	case "", "sidecar", "dapr":
		return sidecarAddress(stringEnv("DAPR_IP", "http://localhost:5005")), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		dataDir := stringEnv("RECON_TASKS_DATA_DIR", ".recon-tasks")
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported RECON_TASKS_BACKEND_PROFILE: %s", profile)
	}
}

// sidecarAddress accepts either a full URL or a bare host[:port].
func sidecarAddress(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}

func setupLogging(cfg config) error {
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	return log.SetFormat(log.OutputFormat(strings.ToLower(cfg.LogFormat)))
}

func buildHandler(cfg config) (http.Handler, statestore.Store, error) {
	store, err := statestore.BuildFromDSN(cfg.StateDSN, statestore.FactoryOptions{
		Timeout:    cfg.StoreTimeout,
		MaxRetries: cfg.StoreRetries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	events := recontasks.NewEventHub(64)
	service := recontasks.NewService(
		recontasks.NewKVFileMetadataRepository(store, cfg.StoreName),
		recontasks.NewKVTaskRepository(store, cfg.StoreName),
		recontasks.DefaultTransformer{},
		events,
	)
	return httpapi.NewServerWithConfig(service, events, cfg.Server), store, nil
}

func run(ctx context.Context, cfg config) error {
	handler, store, err := buildHandler(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.G(ctx).WithFields(log.Fields{
			"addr":      cfg.Addr,
			"backend":   statestore.Describe(store),
			"storeName": cfg.StoreName,
		}).Info("recon-tasks service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		log.G(ctx).Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.L.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.L.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.L.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

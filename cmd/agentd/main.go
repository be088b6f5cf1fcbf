// Command agentd runs the agent dispatch engine: it loads configuration and
// secrets, opens the task history database, and serves tasks from the
// priority queue to the configured agent backends.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"agentdispatch/pkg/config"
	"agentdispatch/pkg/logx"
	"agentdispatch/pkg/manager"
	"agentdispatch/pkg/metrics"
	"agentdispatch/pkg/persistence"
	"agentdispatch/pkg/router"
	"agentdispatch/pkg/taskqueue"
)

func main() {
	var configPath string
	var workDir string
	flag.StringVar(&configPath, "config", "agentd.yaml", "Path to config file")
	flag.StringVar(&workDir, "workdir", "", "Working directory (default: current directory)")
	flag.Parse()

	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	if err := run(configPath, workDir); err != nil {
		logx.Errorf("agentd: %v", err)
		os.Exit(1)
	}
}

func run(configPath, workDir string) error {
	logger := logx.NewLogger("agentd")

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := loadSecrets(workDir); err != nil {
		return err
	}

	var ops *persistence.DatabaseOperations
	if cfg.DBPath != "" {
		if err := persistence.Initialize(cfg.DBPath); err != nil {
			return fmt.Errorf("failed to open task history database: %w", err)
		}
		defer func() { _ = persistence.Close() }()
		ops = persistence.Ops()
	}

	recorder := metrics.NewRecorder()

	capacity := make(map[string]int, len(cfg.Backends))
	for name, backend := range cfg.Backends {
		capacity[name] = backend.MaxSessions
	}
	tracker := router.NewPerformanceTracker(capacity)

	mgr := manager.New(cfg, nil, recorder, ops)
	rtr := router.New(nil, cfg.Router.Strategy, tracker, mgr.Health())
	mgr.SetRouter(rtr)

	queue := taskqueue.New(taskqueue.Config{
		MaxConcurrentTasks:  cfg.Dispatcher.MaxConcurrentTasks,
		MaxQueueSize:        cfg.Dispatcher.MaxQueueSize,
		DefaultMaxRetries:   cfg.Dispatcher.RetryAttempts,
		DefaultTimeout:      cfg.Dispatcher.TaskTimeout,
		RetryDelay:          cfg.Dispatcher.RetryDelay,
		ProcessInterval:     cfg.Dispatcher.QueueProcessInterval,
		ShutdownGracePeriod: cfg.Dispatcher.ShutdownGracePeriod,
	}, recorder)
	queue.RegisterProcessor(taskqueue.DefaultProcessorKey, func(ctx context.Context, task *taskqueue.Task) (any, error) {
		result, err := mgr.ExecuteTask(ctx, task, manager.Options{})
		if err != nil {
			return nil, err
		}
		return result, nil
	})

	mgr.Start()
	defer mgr.Stop()
	queue.Start()
	defer queue.Stop()

	var statusServer *http.Server
	if cfg.StatusAddr != "" {
		statusServer = startStatusServer(cfg.StatusAddr, mgr, queue, logger)
	}

	logger.Info("agentd running (backends: %v, strategy: %s)", cfg.EnabledBackends(), cfg.Router.Strategy)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)

	if statusServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(ctx); err != nil {
			logger.Warn("status server shutdown: %v", err)
		}
	}
	return nil
}

// loadSecrets decrypts the project secrets file when one exists. On a TTY the
// password is prompted; otherwise AGENTD_SECRETS_PASSWORD is used. Missing
// secrets are not fatal: backends fall back to plain environment variables.
func loadSecrets(workDir string) error {
	if !config.SecretsFileExists(workDir) {
		return nil
	}

	password := os.Getenv("AGENTD_SECRETS_PASSWORD")
	if password == "" && term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Secrets password: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}
	if password == "" {
		logx.Warnf("encrypted secrets present but no password available; falling back to environment variables")
		return nil
	}

	secrets, err := config.DecryptSecretsFile(workDir, password)
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	logx.Infof("loaded %d secrets from encrypted store", len(secrets))
	return nil
}

// startStatusServer serves /metrics and /healthz on the configured address.
func startStatusServer(addr string, mgr *manager.Manager, queue *taskqueue.Queue, logger *logx.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snapshot := struct {
			Manager manager.HealthSnapshot `json:"manager"`
			Queue   taskqueue.Stats        `json:"queue"`
		}{
			Manager: mgr.HealthSnapshot(),
			Queue:   queue.GetStats(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server: %v", err)
		}
	}()
	return server
}

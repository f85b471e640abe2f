package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/api"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/config"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/events"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/inference"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/ingest"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/scheduler"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the midot server and analysis scheduler (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running midot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show midot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve detection tools over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "midot.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func inferenceConfig(cfg config.Config) inference.Config {
	return inference.Config{
		Backend:          cfg.Inference.Backend,
		BaseURL:          cfg.Inference.BaseURL,
		Model:            cfg.Inference.Model,
		Timeout:          cfg.Inference.Timeout,
		OpenRouterAPIKey: cfg.OpenRouter.APIKey,
		OpenRouterModel:  cfg.OpenRouter.Model,
	}
}

func schedulerConfig(a config.AnalysisConfig) scheduler.Config {
	return scheduler.Config{
		Interval:          a.Interval,
		BatchSize:         a.BatchSize,
		MaxConcurrent:     a.MaxConcurrent,
		RateLimitDelay:    a.RateLimitDelay,
		MaxRetries:        a.MaxRetries,
		BaseDelay:         a.BaseDelay,
		MaxRetryDelay:     a.MaxRetryDelay,
		ProcessingTimeout: a.ProcessingTimeout,
	}
}

// publishers wires the websocket hub and, when a broker is configured, MQTT.
// The returned cleanup disconnects from the broker.
func publishers(ctx context.Context, cfg config.EventsConfig, hub *events.Hub) (events.Publisher, func()) {
	if cfg.MQTTBroker == "" {
		return hub, func() {}
	}
	mq := events.NewMQTTPublisher(events.MQTTConfig{
		Broker: cfg.MQTTBroker,
		Topic:  cfg.MQTTTopic,
	})
	if err := mq.Connect(ctx); err != nil {
		slog.Warn("mqtt unavailable, detection events go to websocket viewers only", "broker", cfg.MQTTBroker, "error", err)
		return hub, func() {}
	}
	return events.Multi{hub, mq}, mq.Close
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "midot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("midot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("midot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := inference.New(inferenceConfig(cfg))
	if err != nil {
		return err
	}
	if err := inference.EnsureReady(ctx, client, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	hub := events.NewHub()
	go hub.Run(ctx)
	pub, closePub := publishers(ctx, cfg.Events, hub)
	defer closePub()

	sched := scheduler.New(store, client, pub, schedulerConfig(cfg.Analysis))

	handler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Ingestor: ingest.New(store),
		Analyzer: sched,
		Events:   hub,
		Backend:  client.Name(),
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go sched.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "midot listening on %s (backend %s)\n", addr, client.Name())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves the MCP tools on stdin/stdout against the local database.
// Stdout belongs to the protocol, so all diagnostics go to stderr.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	deps := api.MCPDeps{Store: store}
	if client, err := inference.New(inferenceConfig(cfg)); err != nil {
		slog.Warn("inference backend unavailable, analyze_snapshot disabled", "error", err)
	} else {
		deps.Analyzer = scheduler.New(store, client, nil, schedulerConfig(cfg.Analysis))
	}

	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("midot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop midot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to midot (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var health struct {
		Status          string `json:"status"`
		Backend         string `json:"backend"`
		AnalysisRunning bool   `json:"analysis_running"`
	}
	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		default:
			printStatus("Server", "%s (HTTP %d)", health.Status, resp.StatusCode)
		}
	}

	if running {
		printStatus("Backend", "%s", health.Backend)
		if health.AnalysisRunning {
			printStatus("Analysis", "pass in progress")
		} else {
			printStatus("Analysis", "idle, every %s", cfg.Analysis.Interval)
		}
	} else {
		printStatus("Backend", "%s (%s)", cfg.Inference.Backend, cfg.Inference.Model)
	}

	apiToken, tokenErr := config.GetAPIToken(config.NewSecretStore())
	if tokenErr == nil && running {
		statsResp, err := apiGet(client, serverURL+"/stats", apiToken)
		if err == nil {
			var st storage.Stats
			if statsResp.StatusCode == http.StatusOK && json.NewDecoder(statsResp.Body).Decode(&st) == nil {
				printStatus("Queue", "%d queued, %d processing", st.Queued, st.Processing)
				printStatus("Results", "%d completed, %d failed", st.Completed, st.Failed)
			}
			statsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}

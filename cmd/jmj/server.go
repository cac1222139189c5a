package main

import (
	"context"
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
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/judgemyjpeg/jmj/internal/api"
	"github.com/judgemyjpeg/jmj/internal/bridge"
	"github.com/judgemyjpeg/jmj/internal/config"
	"github.com/judgemyjpeg/jmj/internal/janitor"
	"github.com/judgemyjpeg/jmj/internal/replay"
	"github.com/judgemyjpeg/jmj/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the jmj daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running jmj daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "jmj.pid")
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

// parseDuration falls back to def when s is not a valid positive duration.
func parseDuration(key, s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", s, "default", def, "error", err)
		return def
	}
	return d
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "jmj version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("jmj is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("jmj is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ttl := parseDuration("cache.ttl", cfg.Cache.TTL, storage.DefaultCacheTTL)
	store := storage.New(cfg.Storage.DataDir, storage.WithDefaultTTL(ttl))
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	// A store that fails to open leaves the daemon running degraded; every
	// store call retries the open and reports storage_unavailable until then.
	printStep("Opening store in %s", cfg.Storage.DataDir)
	if err := store.Initialize(ctx); err != nil {
		slog.Warn("storage unavailable, running degraded", "error", err)
	} else {
		slog.Info("storage ready", "data_dir", cfg.Storage.DataDir)
	}

	handler := api.NewAppHandler(api.AppDeps{Store: store, Token: apiToken})

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

	g, gctx := errgroup.WithContext(ctx)

	jan := janitor.New(store, parseDuration("janitor.interval", cfg.Janitor.Interval, time.Hour))
	g.Go(func() error {
		jan.Run(gctx)
		return nil
	})

	br := bridge.NewServer(store)
	g.Go(func() error {
		if err := br.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("queue bridge: %w", err)
		}
		return nil
	})

	if cfg.Replay.Endpoint != "" {
		submitter := replay.NewHTTPSubmitter(cfg.Replay.Endpoint, cfg.Replay.APIKey, &http.Client{Timeout: 60 * time.Second})
		worker := replay.NewWorker(br.Client(), submitter, replay.Options{
			PollInterval: parseDuration("replay.poll_interval", cfg.Replay.PollInterval, 5*time.Second),
			MaxAttempts:  cfg.Replay.MaxAttempts,
			Limit:        rate.Limit(float64(cfg.Replay.MaxPerMinute) / 60),
		})
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
		slog.Info("replay worker started", "endpoint", cfg.Replay.Endpoint)
	} else {
		slog.Info("replay disabled, no endpoint configured")
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "jmj listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
		printError("jmj is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop jmj (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to jmj (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	var health map[string]string
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Store", "%s", health["store"])

		var st storage.Stats
		if resp, err := client.get(ctx, "/stats"); err == nil && decodeJSON(resp, &st) == nil {
			printStatus("Queued", "%d", st.QueueSize)
			printStatus("Cached", "%d", st.CacheSize)
			printStatus("Preferences", "%d", st.PreferencesSize)
		}
	}

	if cfg.Replay.Endpoint != "" {
		printStatus("Replay", "%s", cfg.Replay.Endpoint)
	} else {
		printStatus("Replay", "disabled")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

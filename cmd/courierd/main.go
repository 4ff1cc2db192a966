// ABOUTME: Entry point for the courier message server.
// ABOUTME: Wires store, presence, realtime hub, and the HTTP API together.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/campuschat/courier/internal/api"
	"github.com/campuschat/courier/internal/auth"
	"github.com/campuschat/courier/internal/config"
	"github.com/campuschat/courier/internal/messaging"
	"github.com/campuschat/courier/internal/metrics"
	"github.com/campuschat/courier/internal/presence"
	"github.com/campuschat/courier/internal/realtime"
	"github.com/campuschat/courier/internal/store"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                       _
  ___ ___  _   _ _ __ (_) ___ _ __
 / __/ _ \| | | | '__|| |/ _ \ '__|
| (_| (_) | |_| | |   | |  __/ |
 \___\___/ \__,_|_|   |_|\___|_|
`

// getConfigPath resolves the server config file.
// Priority: COURIER_CONFIG env var > XDG_CONFIG_HOME/courier/server.yaml >
// ~/.config/courier/server.yaml.
func getConfigPath() string {
	if envPath := os.Getenv("COURIER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "courier", "server.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: courierd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the courier server")
		fmt.Println("  health                   Check server health")
		fmt.Println("  mint-token --id IDENTITY Mint a connection token for an identity")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "mint-token":
		err = runMintToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting courierd",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	metrics.MustRegister()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var verifier auth.TokenVerifier
	if cfg.Auth.TokenSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.TokenSecret))
		if err != nil {
			return fmt.Errorf("configuring token verifier: %w", err)
		}
	} else {
		logger.Warn("no token secret configured, websocket identities are unverified")
	}

	registry := presence.NewMemoryRegistry(logger)
	router := realtime.NewRouter(registry, logger)
	hub := realtime.NewHub(registry, verifier, cfg.Server.AllowedOrigins, logger)
	hub.SetStatusRecorder(realtime.NewStoreStatusRecorder(st, logger))
	svc := messaging.New(st, router, cfg.Limits.StoreTimeout, logger)

	server := api.NewServer(svc, st, hub, cfg, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

// runMintToken prints a signed connection token for an identity, for use
// by clients joining the websocket.
func runMintToken() error {
	var identity string
	for i := 2; i < len(os.Args); i++ {
		if os.Args[i] == "--id" && i+1 < len(os.Args) {
			identity = os.Args[i+1]
		}
	}
	if identity == "" {
		return errors.New("usage: courierd mint-token --id IDENTITY")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.TokenSecret == "" {
		return errors.New("auth.token_secret is not configured")
	}

	token, err := auth.Mint([]byte(cfg.Auth.TokenSecret), identity, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler writes compact colorized log lines for terminal use.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	merged = append(merged, attrs...)
	return &colorHandler{level: h.level, attrs: merged}
}

func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/kalambet/counsel/internal/api"
	"github.com/kalambet/counsel/internal/config"
	"github.com/kalambet/counsel/internal/memory"
	"github.com/kalambet/counsel/internal/provider"
	"github.com/kalambet/counsel/internal/research"
	"github.com/kalambet/counsel/internal/storage"
	"github.com/kalambet/counsel/internal/synthesis"
	"github.com/kalambet/counsel/internal/webfetch"
	"github.com/kalambet/counsel/internal/websearch"
	"github.com/kalambet/counsel/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the counsel server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running counsel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show counsel system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "counsel.pid")
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

// ensureAPIToken generates and persists a bearer token on first run. The
// token is stored in the config file, not the environment, so CLI commands
// and the server agree on it.
func ensureAPIToken(cfg *config.Config) error {
	if cfg.Server.APIToken != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := config.SetKey("server.api_token", token); err != nil {
		return fmt.Errorf("persisting API token: %w", err)
	}
	cfg.Server.APIToken = token
	slog.Info("generated API bearer token", "config_key", "server.api_token")
	return nil
}

// resolveCandidates turns the provider config into an ordered candidate
// list for the fallback runner.
func resolveCandidates(cfg config.Config) []provider.Candidate {
	var creds []provider.Credential
	for _, name := range cfg.Providers.Order {
		p, ok := cfg.Providers.Provider(name)
		if !ok {
			slog.Warn("unknown provider in providers.order", "provider", name)
			continue
		}
		creds = append(creds, provider.Credential{
			Provider: name,
			Model:    p.Model,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
		})
	}
	return provider.Resolve(cfg.Providers.Active, creds)
}

// buildSearch assembles the search fallback chain from configured
// providers. An empty chain is allowed: research then relies on links the
// user pastes into the conversation.
func buildSearch(cfg config.Config) *websearch.Multi {
	var clients []websearch.Client
	for _, name := range cfg.Search.Order {
		switch name {
		case "brave":
			if cfg.Search.Brave.APIKey != "" {
				clients = append(clients, websearch.NewBraveClient(cfg.Search.Brave.APIKey, cfg.Search.Brave.BaseURL))
			}
		case "serper":
			if cfg.Search.Serper.APIKey != "" {
				clients = append(clients, websearch.NewSerperClient(cfg.Search.Serper.APIKey, cfg.Search.Serper.BaseURL))
			}
		default:
			slog.Warn("unknown search provider in search.order", "provider", name)
		}
	}
	if len(clients) == 0 {
		slog.Warn("no search provider configured; research will rely on user-provided links")
	}
	return websearch.NewMulti(clients...)
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "counsel version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	if err := ensureAPIToken(&cfg); err != nil {
		return err
	}

	// Fail fast: without a model credential no stage of the workflow can
	// run, so refuse to serve at all.
	if !cfg.HasModelCredential() {
		return fmt.Errorf("no model provider configured; set one of COUNSEL_OPENAI_API_KEY, COUNSEL_ANTHROPIC_API_KEY, COUNSEL_OPENROUTER_API_KEY")
	}

	// Check if a server is already running via the health endpoint before
	// claiming the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("counsel is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("counsel is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the workflow: provider runner, research pipeline, synthesizer,
	// orchestrator.
	runner := provider.NewRunner(resolveCandidates(cfg))
	searcher := memory.New(store)
	planner := research.NewPlanner(runner)
	gatherer := research.NewGatherer(planner, buildSearch(cfg), webfetch.New(), searcher, store, nil)
	orch := workflow.New(store, runner, gatherer, synthesis.New(runner))

	handler := api.NewHandler(api.Deps{
		Workflow: orch,
		Store:    store,
		Memory:   searcher,
		Token:    cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Workflow: orch,
		Store:    store,
		Memory:   searcher,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start HTTP server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "counsel listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("counsel is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop counsel (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to counsel (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Show provider configuration.
	printStatus("Active provider", "%s", cfg.Providers.Active)
	if p, ok := cfg.Providers.Provider(cfg.Providers.Active); ok {
		printStatus("Model", "%s", p.Model)
	}
	printStatus("Model credential", "%s", yesNo(cfg.HasModelCredential()))
	printStatus("Search providers", "%s", searchProviderLabel(cfg))

	// Show decision count if server is running and we hold a token.
	if running && cfg.Server.APIToken != "" {
		decResp, err := apiGet(client, serverURL+"/decisions", cfg.Server.APIToken)
		if err == nil {
			var decisions []json.RawMessage
			if json.NewDecoder(decResp.Body).Decode(&decisions) == nil {
				printStatus("Decisions", "%d", len(decisions))
			}
			decResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// searchProviderLabel lists the configured (credentialed) search providers.
func searchProviderLabel(cfg config.Config) string {
	var configured []string
	for _, name := range cfg.Search.Order {
		switch name {
		case "brave":
			if cfg.Search.Brave.APIKey != "" {
				configured = append(configured, name)
			}
		case "serper":
			if cfg.Search.Serper.APIKey != "" {
				configured = append(configured, name)
			}
		}
	}
	if len(configured) == 0 {
		return "none configured"
	}
	return strings.Join(configured, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}

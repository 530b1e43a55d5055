// Cortex is a retrieval-augmented reasoning service backed by a local
// Ollama instance.
//
// It serves chat over WebSocket, grounds answers in documents ingested
// into its vector vault, records every exchange in a hash-chained
// ledger, and offers structured proof and derivation modes alongside
// plain conversation. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	cortex serve              Start the WebSocket server
//	cortex init [dir]         Initialize a working directory with defaults
//	cortex ask <question>     Ask a single question (for testing)
//	cortex ingest <path>      Ingest a file or directory into the vault
//	cortex verify             Check ledger hash-chain integrity
//	cortex version            Print version and build information
//	cortex -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cortexd/cortex/internal/buildinfo"
	"github.com/cortexd/cortex/internal/config"
	"github.com/cortexd/cortex/internal/ingest"
	"github.com/cortexd/cortex/internal/ledger"
	"github.com/cortexd/cortex/internal/llm"
	"github.com/cortexd/cortex/internal/orchestrator"
	"github.com/cortexd/cortex/internal/reflect"
	"github.com/cortexd/cortex/internal/retrieval"
	"github.com/cortexd/cortex/internal/server"
	"github.com/cortexd/cortex/internal/session"
	"github.com/cortexd/cortex/internal/toolkit"
	"github.com/cortexd/cortex/internal/vault"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's global state makes run impossible to call concurrently
// from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: cortex ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: cortex ingest <path>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs[0])
	case "verify":
		return runVerify(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Cortex - Retrieval-Augmented Reasoning Service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cortex [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the WebSocket server")
	fmt.Fprintln(w, "  init [dir]   Initialize a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  ingest       Ingest a file or directory into the vault")
	fmt.Fprintln(w, "  verify       Check ledger hash-chain integrity")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/cortex/config.yaml, /etc/cortex/config.yaml")
	fmt.Fprintln(w, "Missing config is not an error; built-in defaults apply.")
	return nil
}

// components is everything runServe and runAsk share.
type components struct {
	cfg      *config.Config
	memory   *ledger.Ledger
	vault    *vault.Vault
	orch     *orchestrator.Orchestrator
	sessions *session.Store
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

func (c *components) Close() {
	c.memory.Close()
}

// build opens the stores and wires the full pipeline from config.
func build(ctx context.Context, stdout io.Writer, configPath string) (*components, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if level, err = config.ParseLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	logger := newLogger(stdout, level)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Warn("no config file found, using defaults")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	memory, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	vlt, err := vault.Open(filepath.Join(cfg.DataDir, "vault.jsonl"), logger)
	if err != nil {
		memory.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}

	gateway := llm.New(cfg.Ollama.URL, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := gateway.Ping(pingCtx); err != nil {
		logger.Warn("ollama not reachable, model calls will fail until it is", "url", cfg.Ollama.URL, "error", err)
	}

	opts := retrieval.Options{MaxChunks: cfg.Retrieval.MaxChunks, CharBudget: cfg.Retrieval.CharBudget}
	var assembler retrieval.Assembler
	switch cfg.Retrieval.Strategy {
	case retrieval.StrategyLexical:
		assembler = retrieval.NewLexical(vlt, opts, logger)
	case retrieval.StrategyVector, "":
		assembler = retrieval.NewVector(gateway, vlt, opts, logger)
	default:
		memory.Close()
		return nil, fmt.Errorf("unknown retrieval strategy %q", cfg.Retrieval.Strategy)
	}

	sandbox := toolkit.NewSandbox(cfg.Workspace.WriteRoot, cfg.Workspace.ReadDirs)
	pipeline := ingest.New(vlt, gateway, logger)
	tools := toolkit.NewRouter(sandbox, memory, pipeline, logger)
	refl := reflect.New(gateway, logger)
	sessions := session.NewStore(cfg.Session.MaxMessages, cfg.Session.MaxTokens, "CHAT", cfg.Reflect.Enabled, logger)
	orch := orchestrator.New(gateway, assembler, tools, refl, pipeline, memory, sandbox, logger)

	return &components{
		cfg:      cfg,
		memory:   memory,
		vault:    vlt,
		orch:     orch,
		sessions: sessions,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

// runServe is the primary operating mode: wire everything, start the
// listener, and block until a shutdown signal drains it.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	c, err := build(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	c.logger.Info("starting Cortex",
		"version", buildinfo.Version,
		"vault_entries", c.vault.Size(),
		"ledger_records", c.memory.Size(),
	)

	listen := fmt.Sprintf("%s:%d", c.cfg.Listen.Address, c.cfg.Listen.Port)
	srv := server.New(listen, c.orch, c.sessions, c.vault, c.memory, c.logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		c.logger.Info("shutdown signal received")
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	c.logger.Info("Cortex stopped")
	return nil
}

// runAsk processes a single question with the full pipeline and prints
// the answer, without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	c, err := build(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	sess := c.sessions.Open("cli")
	reply := c.orch.Handle(ctx, sess, strings.Join(args, " "))

	fmt.Fprintln(stdout, reply.Text)
	return nil
}

// runIngest feeds one file or directory through the ingestion pipeline.
func runIngest(ctx context.Context, stdout io.Writer, configPath string, path string) error {
	c, err := build(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer c.Close()

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}

	if info.IsDir() {
		files, chunks, err := c.pipeline.IndexDir(ctx, path, 0, 0)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		if _, err := c.memory.Commit(ledger.KindIngest, fmt.Sprintf("indexed %s (%d files, %d chunks)", path, files, chunks)); err != nil {
			c.logger.Warn("ledger commit not persisted", "error", err)
		}
		fmt.Fprintf(stdout, "indexed %d files (%d chunks) from %s\n", files, chunks, path)
		return nil
	}

	added, err := c.pipeline.File(ctx, path, 0, 0)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	if _, err := c.memory.Commit(ledger.KindIngest, fmt.Sprintf("transmuted %s (%d chunks)", path, added)); err != nil {
		c.logger.Warn("ledger commit not persisted", "error", err)
	}
	fmt.Fprintf(stdout, "ingested %d chunks from %s\n", added, path)
	return nil
}

// runVerify replays the ledger hash chain and reports the result.
func runVerify(stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, slog.LevelWarn)

	memory, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"), logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer memory.Close()

	if err := memory.Verify(); err != nil {
		return fmt.Errorf("ledger verification failed: %w", err)
	}
	fmt.Fprintf(stdout, "ledger ok: %d records, tail %s\n", memory.Size(), memory.TailHash())
	return nil
}

// newLogger standardizes the slog handler configuration across
// subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration. An explicit
// path must exist; with no explicit path and no file found, built-in
// defaults apply and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

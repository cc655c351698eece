package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/ledger"
	"github.com/zombor/expense-tracker/internal/scanning"
	"github.com/zombor/expense-tracker/internal/session"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	defaults := session.DefaultOptions()

	fs := ff.NewFlagSet("expense-tracker")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		scannerType   = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		spool         = fs.StringLong("spool", "memory", "Where uploads are held: 'memory' or a BoltDB file path")
		maxFiles      = fs.IntLong("max-files", defaults.MaxFiles, "Maximum receipts per session")
		maxFileSize   = fs.Int64Long("max-file-size", defaults.MaxFileSize, "Maximum size of one receipt in bytes")
		threshold     = fs.Float64Long("confidence-threshold", defaults.ConfidenceThreshold, "Extractions scoring at least this are accepted without review")
		retryAttempts = fs.IntLong("retry-attempts", scanning.DefaultRetryPolicy.Attempts, "Extraction attempts before giving up")
		retryDelay    = fs.DurationLong("retry-delay", scanning.DefaultRetryPolicy.BaseDelay, "Wait after the first failed attempt, doubled each retry")
		idleTimeout   = fs.DurationLong("session-idle-timeout", 2*time.Hour, "Idle sessions are dropped after this long")
		matchAmount   = fs.StringLong("match-amount-tolerance", ledger.DefaultTolerance.Amount.String(), "Automatic matching: amounts must differ by less than this")
		matchDays     = fs.IntLong("match-day-tolerance", ledger.DefaultTolerance.Days, "Automatic matching: dates may differ by at most this many days")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EXPENSE_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *idleTimeout <= 0 {
		slog.Error("Session idle timeout must be positive", "value", *idleTimeout)
		os.Exit(1)
	}

	amountTolerance, err := decimal.NewFromString(*matchAmount)
	if err != nil || !amountTolerance.IsPositive() {
		slog.Error("Invalid match amount tolerance", "value", *matchAmount)
		os.Exit(1)
	}

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	scanner = scanning.WithRetry(scanner, scanning.RetryPolicy{
		Attempts:  *retryAttempts,
		BaseDelay: *retryDelay,
	})
	defer scanner.Close()

	// Initialize upload spool
	var storage session.Storage
	if *spool == "memory" {
		storage = session.NewMemoryStorage()
	} else {
		slog.Info("Initializing spool...", "path", *spool)
		storage, err = session.NewBoltStorage(*spool)
		if err != nil {
			slog.Error("Failed to initialize spool", "error", err)
			os.Exit(1)
		}
	}
	defer storage.Close()

	registry := session.NewRegistry(scanner, storage, session.Options{
		MaxFiles:            *maxFiles,
		MaxFileSize:         *maxFileSize,
		ConfidenceThreshold: *threshold,
		Tolerance:           ledger.Tolerance{Amount: amountTolerance, Days: *matchDays},
	})
	defer registry.Close()

	// Drop abandoned sessions
	janitor := time.NewTicker(*idleTimeout / 4)
	defer janitor.Stop()
	go func() {
		for range janitor.C {
			registry.Sweep(*idleTimeout)
		}
	}()

	// Initialize server
	basicAuth := session.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := session.NewServer(registry, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

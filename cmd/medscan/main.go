package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/medscan/internal/app"
	"github.com/zombor/medscan/internal/extraction"
	"github.com/zombor/medscan/internal/ledger"
	"github.com/zombor/medscan/internal/queue"
	"github.com/zombor/medscan/internal/syncbridge"
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

	fs := ff.NewFlagSet("medscan")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "medscan.db", "Database file path")
		storageBackend = fs.StringLong("storage-backend", "local", "Queued image storage: 'local' or 'minio'")
		storagePath    = fs.StringLong("storage", "./queue", "Storage directory path for the local backend")
		minioEndpoint  = fs.StringLong("minio-endpoint", "localhost:9000", "MinIO/S3 endpoint")
		minioAccessKey = fs.StringLong("minio-access-key", "", "MinIO/S3 access key")
		minioSecretKey = fs.StringLong("minio-secret-key", "", "MinIO/S3 secret key")
		minioBucket    = fs.StringLong("minio-bucket", "medscan-queue", "MinIO/S3 bucket for queued images")
		minioSecure    = fs.BoolLong("minio-secure", "Use TLS for MinIO/S3")
		scannerType    = fs.StringLong("scanner", "gemini", "Extractor type: 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		clearDelay     = fs.DurationLong("queue-clear-delay", app.DefaultClearDelay, "How long completed queue entries stay visible")
		syncTimeout    = fs.DurationLong("sync-timeout", syncbridge.DefaultTimeout, "Timeout for spreadsheet sync requests")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("MEDSCAN"),
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

	ctx := context.Background()

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := ledger.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize extractor based on type
	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	slog.Info("Initializing extractor...", "type", *scannerType)
	extractor, err := extraction.New(extraction.Options{
		Backend:     *scannerType,
		GeminiKey:   apiKey,
		GeminiModel: *geminiModel,
		OllamaURL:   *ollamaURL,
		OllamaModel: *ollamaModel,
	})
	if err != nil {
		slog.Error("Failed to initialize extractor", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "backend", *storageBackend)
	var images queue.Storage
	switch *storageBackend {
	case "local":
		images, err = queue.NewLocalStorage(*storagePath)
	case "minio":
		images, err = queue.NewMinIOStorage(ctx, queue.MinIOConfig{
			Endpoint:  *minioEndpoint,
			AccessKey: *minioAccessKey,
			SecretKey: *minioSecretKey,
			Bucket:    *minioBucket,
			Secure:    *minioSecure,
		})
	default:
		err = fmt.Errorf("unknown storage backend %q: use local or minio", *storageBackend)
	}
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	state := app.New(db, extractor, images, syncbridge.NewBridge(*syncTimeout), *clearDelay)

	// Initialize server
	basicAuth := app.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := app.NewServer(state, basicAuth)

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

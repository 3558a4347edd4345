package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/medscan/internal/app"
	"github.com/zombor/medscan/internal/export"
	"github.com/zombor/medscan/internal/extraction"
	"github.com/zombor/medscan/internal/ledger"
	"github.com/zombor/medscan/internal/queue"
	"github.com/zombor/medscan/internal/syncbridge"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("medscan-ingest")
	var (
		dbPath      = fs.StringLong("db", "medscan.db", "Database file path")
		storagePath = fs.StringLong("storage", filepath.Join(os.TempDir(), "medscan-ingest"), "Directory for images while they are queued")
		scannerType = fs.StringLong("scanner", "gemini", "Extractor type: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name")
		syncAfter   = fs.BoolLong("sync", "Forward every unsynced record to the spreadsheet after the batch")
		syncTimeout = fs.DurationLong("sync-timeout", syncbridge.DefaultTimeout, "Timeout for spreadsheet sync requests")
		exportPath  = fs.StringLong("export", "", "Write the ledger to this .json, .csv or .xlsx file after the batch")
		exportQuery = fs.StringLong("export-query", "", "Only export records matching this search term")
		_           = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("MEDSCAN"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	paths := fs.GetArgs()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintln(os.Stderr, "error: no image files given")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options{
		dbPath:      *dbPath,
		storagePath: *storagePath,
		extractor: extraction.Options{
			Backend:     *scannerType,
			GeminiKey:   firstNonEmpty(*geminiKey, os.Getenv("GEMINI_API_KEY")),
			GeminiModel: *geminiModel,
			OllamaURL:   *ollamaURL,
			OllamaModel: *ollamaModel,
		},
		sync:        *syncAfter,
		syncTimeout: *syncTimeout,
		exportPath:  *exportPath,
		exportQuery: *exportQuery,
		paths:       paths,
	}); err != nil {
		slog.Error("Ingest failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	dbPath      string
	storagePath string
	extractor   extraction.Options
	sync        bool
	syncTimeout time.Duration
	exportPath  string
	exportQuery string
	paths       []string
}

func run(ctx context.Context, opts options) error {
	db, err := ledger.NewBoltStore(opts.dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	extractor, err := extraction.New(opts.extractor)
	if err != nil {
		return fmt.Errorf("creating extractor: %w", err)
	}
	defer extractor.Close()

	images, err := queue.NewLocalStorage(opts.storagePath)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}

	uploads := make([]queue.Upload, 0, len(opts.paths))
	for _, path := range opts.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		uploads = append(uploads, queue.Upload{
			Filename:    filepath.Base(path),
			ContentType: queue.DetectContentType("", path),
			Data:        data,
		})
	}

	state := app.New(db, extractor, images, syncbridge.NewBridge(opts.syncTimeout), 0)
	if _, err := state.Queue().Enqueue(ctx, uploads); err != nil {
		return fmt.Errorf("queueing images: %w", err)
	}

	bar := pb.New(len(uploads))
	bar.SetWriter(os.Stderr)
	bar.SetTemplate(`{{counters . }} {{bar . }} {{percent . }} {{string . "file"}}`)
	state.Queue().SetObserver(func(e queue.Entry) {
		bar.Set("file", e.Filename)
		bar.Increment()
	})

	bar.Start()
	summary, err := state.Queue().Process(ctx)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("processing batch: %w", err)
	}

	fmt.Printf("Processed %d images: %d added, %d failed\n", summary.Processed, summary.Completed, summary.Failed)
	for _, e := range state.Queue().Entries() {
		if e.Status == queue.StatusError {
			fmt.Printf("  %s: %s\n", e.Filename, e.Error)
		}
	}
	if summary.Warning != "" {
		fmt.Println(summary.Warning)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch interrupted with images still pending: %w", err)
	}

	if opts.sync {
		result, err := state.SyncUnsynced(ctx)
		if err != nil {
			return fmt.Errorf("syncing records: %w", err)
		}
		if result.Outcome == nil {
			fmt.Println("No records to sync")
		} else {
			fmt.Printf("Synced %d of %d records (%s)\n", result.Synced, result.Requested, *result.Outcome)
		}
	}

	if opts.exportPath != "" {
		if err := writeExport(state, opts.exportPath, opts.exportQuery); err != nil {
			return err
		}
	}
	return nil
}

func writeExport(state *app.App, path, query string) error {
	format, err := export.ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return err
	}

	file, err := state.Export(format, query)
	if err != nil {
		return err
	}
	if file.Records == 0 && format == export.FormatCSV {
		fmt.Println("No records to export")
		return nil
	}

	if err := os.WriteFile(path, file.Data, 0644); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	fmt.Printf("Exported %d records to %s\n", file.Records, path)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package main is the entry point for the partflow smart upload service.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/stavekit/partflow/internal/admin"
	"github.com/stavekit/partflow/internal/audit"
	"github.com/stavekit/partflow/internal/config"
	"github.com/stavekit/partflow/internal/logging"
	"github.com/stavekit/partflow/internal/pdfkit"
	"github.com/stavekit/partflow/internal/processor"
	"github.com/stavekit/partflow/internal/providers"
	"github.com/stavekit/partflow/internal/queue"
	"github.com/stavekit/partflow/internal/session"
	"github.com/stavekit/partflow/internal/settings"
	"github.com/stavekit/partflow/internal/storage"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			runServer(os.Args[2:])
			return
		case "version", "-v", "--version":
			fmt.Println("partflow " + Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}
	runServer(os.Args[1:])
}

func printHelp() {
	fmt.Println(`partflow - smart upload pipeline for sheet music PDFs

Usage:
  partflow serve [flags]    start the service (default)
  partflow version          print the version

Flags of serve:
  -addr string        listen address (default ":8090")
  -data string        data directory for the sqlite database (default "./data")
  -debug              enable debug logging
  -log-format string  "console" or "json" (default "console")`)
}

func runServer(args []string) {
	// Local .env overrides nothing already exported.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8090", "listen address")
	dataDir := fs.String("data", "./data", "data directory")
	debug := fs.Bool("debug", false, "enable debug logging")
	logFormat := fs.String("log-format", "console", `"console" or "json"`)
	_ = fs.Parse(args)

	level := "info"
	if *debug {
		level = "debug"
	}
	logging.Setup(logging.Config{Level: level, Format: *logFormat})

	log.Info().Str("version", Version).Msg("partflow starting")

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatal().Err(err).Str("dir", *dataDir).Msg("failed to create data directory")
	}
	db, err := sql.Open("sqlite", filepath.Join(*dataDir, "partflow.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	db.SetMaxOpenConns(1) // sqlite is single-writer
	defer db.Close()

	settingsStore, err := settings.NewSQLiteStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to migrate settings store")
	}
	if err := settingsStore.Seed(context.Background(), config.DefaultRecords()); err != nil {
		log.Fatal().Err(err).Msg("failed to seed settings")
	}
	sessions, err := session.NewSQLiteRepository(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to migrate session repository")
	}

	objects := buildObjectStore()
	renderer := pdfkit.NewPopplerRenderer()
	if !renderer.Available() {
		log.Warn().Msg("pdftoppm not found; page rendering will fail until poppler-utils is installed")
	}

	auditSink := audit.LogSink{}
	proc := &processor.Processor{
		Sessions:  sessions,
		Settings:  settingsStore,
		Objects:   objects,
		Renderer:  renderer,
		Text:      pdfkit.NewLayerExtractor(),
		Splitter:  pdfkit.NewRangeSplitter(),
		Caller:    providers.NewDispatcher(nil),
		Committer: processor.LogCommitter{},
		Audit:     auditSink,
	}

	processQueue := queue.New(processor.QueueProcess, proc.HandleProcess, queue.Options{Concurrency: 2})
	secondPassQueue := queue.New(processor.QueueSecondPass, proc.HandleSecondPass, queue.Options{Concurrency: 1})
	autoCommitQueue := queue.New(processor.QueueAutoCommit, proc.HandleAutoCommit, queue.Options{Concurrency: 1})
	proc.SecondPassQueue = secondPassQueue
	proc.AutoCommitQueue = autoCommitQueue

	processQueue.Start()
	secondPassQueue.Start()
	autoCommitQueue.Start()

	settingsAPI := &admin.API{Store: settingsStore, Audit: auditSink, Auth: admin.AllowAll{}}
	uploadAPI := &admin.UploadAPI{
		Sessions: sessions,
		Settings: settingsStore,
		Objects:  objects,
		Process:  processQueue,
		Auth:     admin.AllowAll{},
	}

	router := chi.NewRouter()
	router.Mount("/api/smart-upload", settingsAPI.Router())
	router.Mount("/api/smart-upload/sessions", uploadAPI.Router())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown error")
		}

		processQueue.Stop()
		secondPassQueue.Stop()
		autoCommitQueue.Stop()
	}()

	log.Info().Str("addr", *addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("partflow stopped")
}

// buildObjectStore selects S3 when the environment configures one, otherwise
// the in-memory store (originals and parts do not survive a restart).
func buildObjectStore() storage.ObjectStore {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		log.Warn().Msg("S3_ENDPOINT not set; using in-memory object storage")
		return storage.NewMemoryStore()
	}
	store, err := storage.NewS3Store(context.Background(), storage.S3Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Bucket:    envOr("S3_BUCKET", "partflow"),
		UseSSL:    os.Getenv("S3_USE_SSL") == "true",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to object storage")
	}
	return store
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/config"
	"github.com/searchmind/embedgate/internal/embeddings"
	"github.com/searchmind/embedgate/internal/etl"
	"github.com/searchmind/embedgate/internal/logger"
	"github.com/searchmind/embedgate/internal/search"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Configuration file path")
		inputFile    = flag.String("input", "", "Input dataset file (CSV, Parquet, or JSON)")
		table        = flag.String("table", "", "Target search engine table")
		vectorColumn = flag.String("vector-column", "embedding", "Vector column to fill")
		model        = flag.String("model", "", "Embedding model (defaults to the configured text model)")
		batchSize    = flag.Int("batch-size", 100, "Batch size for processing")
		workers      = flag.Int("workers", 4, "Number of worker goroutines")
		titleWeight  = flag.Float64("title-weight", 0.6, "Title weight for combined embeddings")
	)
	flag.Parse()

	if *inputFile == "" || *table == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -input dataset.csv -table products [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *model == "" {
		*model = cfg.Models.DefaultTextModel
	}

	log.Info("Starting embedgate indexer",
		zap.String("input", *inputFile),
		zap.String("table", *table),
		zap.String("model", *model))

	if _, err := os.Stat(*inputFile); os.IsNotExist(err) {
		log.Fatal("Input file does not exist", zap.String("file", *inputFile))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling...")
		cancel()
	}()

	provider := embeddings.NewProvider(embeddings.ProviderConfig{
		ModelDir:      cfg.Models.ModelDir,
		MaxTextLength: cfg.Models.MaxTextLength,
	}, log.WithComponent("backend").Logger)
	loader := embeddings.NewLoader(provider, log.WithComponent("loader").Logger)
	computer := embeddings.NewComputer(cfg.Models.InferenceTimeout, log.WithComponent("compute").Logger)
	manager := embeddings.NewManager(cfg.Models.MaxInMemory, loader, computer, log.WithComponent("models").Logger)
	defer manager.Close()

	engine := search.NewClient(cfg.Search.Host, cfg.Search.Port, cfg.Search.Timeout, log.WithComponent("search").Logger)

	pipeline := etl.NewPipeline(engine, manager, &etl.Config{
		Table:          *table,
		VectorColumn:   *vectorColumn,
		Model:          *model,
		BatchSize:      *batchSize,
		WorkerCount:    *workers,
		TitleWeight:    *titleWeight,
		ContentWeight:  1.0 - *titleWeight,
		ValidateData:   true,
		ProgressReport: 1000,
	}, log.WithComponent("etl").Logger)

	result, err := pipeline.ProcessFile(ctx, *inputFile)
	if err != nil {
		log.Fatal("Indexing failed", zap.Error(err))
	}

	log.Info("Indexing completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("insert_time", result.InsertTime),
		zap.Float64("records_per_second", float64(result.TotalRecords)/result.Duration.Seconds()))

	if len(result.Errors) > 0 {
		log.Warn("Completed with errors", zap.Strings("errors", result.Errors))
	}
}

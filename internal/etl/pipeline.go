package etl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/embeddings"
	"github.com/searchmind/embedgate/internal/search"
)

// Pipeline bulk-indexes document datasets: read records, embed their text
// fields, and insert the documents with their vectors into an engine table.
type Pipeline struct {
	engine  *search.Client
	manager *embeddings.Manager
	config  *Config
	logger  *zap.Logger
}

// NewPipeline creates an indexing pipeline. Zero config values fall back to
// working defaults.
func NewPipeline(engine *search.Client, manager *embeddings.Manager, config *Config, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.TitleWeight == 0 && config.ContentWeight == 0 {
		config.TitleWeight = 0.6
		config.ContentWeight = 0.4
	}
	if config.VectorColumn == "" {
		config.VectorColumn = "embedding"
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 2 * time.Minute
	}
	return &Pipeline{
		engine:  engine,
		manager: manager,
		config:  config,
		logger:  logger,
	}
}

// ProcessFile indexes a dataset file (CSV, Parquet, or JSON).
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	format := DetectFileFormat(filePath)
	p.logger.Info("Starting indexing pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.String("table", p.config.Table),
		zap.String("model", p.config.Model),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount))

	start := time.Now()
	result := &ProcessingResult{}

	var err error
	switch format {
	case FormatCSV:
		err = p.processCSV(ctx, filePath, result)
	case FormatParquet:
		err = p.processParquet(ctx, filePath, result)
	case FormatJSON:
		err = p.processJSON(ctx, filePath, result)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	p.logger.Info("Indexing pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("insert_time", result.InsertTime))
	return result, nil
}

// processCSV reads header-mapped CSV documents.
func (p *Pipeline) processCSV(ctx context.Context, filePath string, result *ProcessingResult) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.ToLower(name))] = i
	}
	if _, ok := columns["id"]; !ok {
		return fmt.Errorf("CSV header missing id column: %v", header)
	}

	field := func(record []string, name string) string {
		if idx, ok := columns[name]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	return p.processBatches(ctx, func() ([]*Document, error) {
		var batch []*Document
		for len(batch) < p.config.BatchSize {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				p.logger.Warn("Failed to read CSV record", zap.Error(err))
				continue
			}
			id, err := strconv.ParseInt(field(record, "id"), 10, 64)
			if err != nil {
				p.logger.Warn("Invalid document id", zap.String("value", field(record, "id")))
				continue
			}
			doc := &Document{
				ID:       id,
				Title:    field(record, "title"),
				Content:  field(record, "content"),
				ImageURL: field(record, "image_url"),
			}
			if p.validateDocument(doc) {
				batch = append(batch, doc)
			}
		}
		return batch, nil
	}, result)
}

// processParquet reads documents from a Parquet file.
func (p *Pipeline) processParquet(ctx context.Context, filePath string, result *ProcessingResult) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	return p.processBatches(ctx, func() ([]*Document, error) {
		var batch []*Document
		for len(batch) < p.config.BatchSize {
			var doc Document
			err := reader.Read(&doc)
			if err == io.EOF {
				break
			}
			if err != nil {
				p.logger.Warn("Failed to read Parquet record", zap.Error(err))
				continue
			}
			if p.validateDocument(&doc) {
				copied := doc
				batch = append(batch, &copied)
			}
		}
		return batch, nil
	}, result)
}

// processJSON reads a stream of JSON documents (one object per line works,
// as does a concatenated stream).
func (p *Pipeline) processJSON(ctx context.Context, filePath string, result *ProcessingResult) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)

	return p.processBatches(ctx, func() ([]*Document, error) {
		var batch []*Document
		for len(batch) < p.config.BatchSize {
			var doc Document
			err := decoder.Decode(&doc)
			if err == io.EOF {
				break
			}
			if err != nil {
				return batch, fmt.Errorf("failed to decode JSON record: %w", err)
			}
			if p.validateDocument(&doc) {
				copied := doc
				batch = append(batch, &copied)
			}
		}
		return batch, nil
	}, result)
}

// processBatches fans batches out to a worker pool and aggregates the
// per-batch outcomes.
func (p *Pipeline) processBatches(ctx context.Context, readBatch func() ([]*Document, error), result *ProcessingResult) error {
	batches := make(chan []*Document, p.config.WorkerCount)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				if err := p.processBatch(ctx, batch, result, &mu); err != nil {
					p.logger.Error("Batch processing failed",
						zap.Int("batch_size", len(batch)), zap.Error(err))
					mu.Lock()
					result.ProcessedFailed += int64(len(batch))
					result.TotalRecords += int64(len(batch))
					result.Errors = append(result.Errors, err.Error())
					mu.Unlock()
				}
			}
		}()
	}

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		batch, err := readBatch()
		if err != nil {
			readErr = err
			break
		}
		if len(batch) == 0 {
			break
		}
		select {
		case batches <- batch:
		case <-ctx.Done():
			readErr = ctx.Err()
		}
		if readErr != nil {
			break
		}
	}
	close(batches)
	wg.Wait()
	return readErr
}

// processBatch embeds one batch of documents and inserts them.
func (p *Pipeline) processBatch(ctx context.Context, batch []*Document, result *ProcessingResult, mu *sync.Mutex) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.BatchTimeout)
	defer cancel()

	titles := make([]string, len(batch))
	contents := make([]string, len(batch))
	for i, doc := range batch {
		titles[i] = doc.Title
		contents[i] = doc.Content
	}

	embeddingStart := time.Now()
	titleVecs, err := p.manager.GetEmbedding(ctx, p.config.Model, titles, embeddings.KindText, false)
	if err != nil {
		return fmt.Errorf("title embedding failed: %w", err)
	}
	contentVecs, err := p.manager.GetEmbedding(ctx, p.config.Model, contents, embeddings.KindText, false)
	if err != nil {
		return fmt.Errorf("content embedding failed: %w", err)
	}
	embeddingTime := time.Since(embeddingStart)

	insertStart := time.Now()
	var ok, failed int64
	for i, doc := range batch {
		vec, err := p.documentVector(doc, titleVecs[i], contentVecs[i])
		if err != nil {
			p.logger.Warn("Failed to build document vector",
				zap.Int64("id", doc.ID), zap.Error(err))
			failed++
			continue
		}
		if err := p.insertDocument(ctx, doc, vec); err != nil {
			p.logger.Warn("Failed to insert document",
				zap.Int64("id", doc.ID), zap.Error(err))
			failed++
			continue
		}
		ok++
	}
	insertTime := time.Since(insertStart)

	mu.Lock()
	result.TotalRecords += int64(len(batch))
	result.ProcessedOK += ok
	result.ProcessedFailed += failed
	result.EmbeddingTime += embeddingTime
	result.InsertTime += insertTime
	total := result.TotalRecords
	mu.Unlock()

	if p.config.ProgressReport > 0 && total%int64(p.config.ProgressReport) == 0 {
		p.logger.Info("Indexing progress",
			zap.Int64("records_processed", total),
			zap.Duration("batch_embedding_time", embeddingTime),
			zap.Duration("batch_insert_time", insertTime))
	}
	return nil
}

// documentVector merges the title and content vectors according to which
// fields the document actually has.
func (p *Pipeline) documentVector(doc *Document, titleVec, contentVec []float32) ([]float32, error) {
	switch {
	case doc.Title != "" && doc.Content != "":
		combined, err := embeddings.Combine([]embeddings.FieldEmbedding{
			{Field: "title", Vector: titleVec, Weight: p.config.TitleWeight},
			{Field: "content", Vector: contentVec, Weight: p.config.ContentWeight},
		}, embeddings.CombineWeightedAverage, true)
		if err != nil {
			return nil, err
		}
		return combined.Vector, nil
	case doc.Title != "":
		return titleVec, nil
	case doc.Content != "":
		return contentVec, nil
	default:
		return nil, fmt.Errorf("document %d has no text fields", doc.ID)
	}
}

func (p *Pipeline) insertDocument(ctx context.Context, doc *Document, vec []float32) error {
	fields := map[string]interface{}{
		"title":               doc.Title,
		"content":             doc.Content,
		p.config.VectorColumn: vec,
	}
	if doc.ImageURL != "" {
		fields["image_url"] = doc.ImageURL
	}
	return p.engine.Insert(ctx, &search.InsertRequest{
		Table: p.config.Table,
		ID:    doc.ID,
		Doc:   fields,
	})
}

// validateDocument filters out records the pipeline cannot index.
func (p *Pipeline) validateDocument(doc *Document) bool {
	if !p.config.ValidateData {
		return true
	}
	if doc.ID == 0 {
		p.logger.Debug("Invalid record: missing id")
		return false
	}
	if strings.TrimSpace(doc.Title) == "" && strings.TrimSpace(doc.Content) == "" {
		p.logger.Debug("Invalid record: no text fields", zap.Int64("id", doc.ID))
		return false
	}
	return true
}

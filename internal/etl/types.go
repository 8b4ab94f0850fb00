package etl

import (
	"strings"
	"time"
)

// Document is a single record from the input dataset.
type Document struct {
	ID       int64  `csv:"id" parquet:"id" json:"id"`
	Title    string `csv:"title" parquet:"title,optional" json:"title"`
	Content  string `csv:"content" parquet:"content,optional" json:"content"`
	ImageURL string `csv:"image_url" parquet:"image_url,optional" json:"image_url"`
}

// ProcessingResult summarizes one pipeline run.
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	InsertTime      time.Duration `json:"insert_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains indexing pipeline configuration.
type Config struct {
	Table          string        `yaml:"table" mapstructure:"table"`
	VectorColumn   string        `yaml:"vector_column" mapstructure:"vector_column"`
	Model          string        `yaml:"model" mapstructure:"model"`
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`           // 100
	WorkerCount    int           `yaml:"worker_count" mapstructure:"worker_count"`       // 4
	TitleWeight    float64       `yaml:"title_weight" mapstructure:"title_weight"`       // 0.6
	ContentWeight  float64       `yaml:"content_weight" mapstructure:"content_weight"`   // 0.4
	ValidateData   bool          `yaml:"validate_data" mapstructure:"validate_data"`     // true
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"` // 1000
	BatchTimeout   time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`     // 2m
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch {
	case strings.HasSuffix(filename, ".parquet"):
		return FormatParquet
	case strings.HasSuffix(filename, ".json") || strings.HasSuffix(filename, ".jsonl"):
		return FormatJSON
	default:
		return FormatCSV
	}
}

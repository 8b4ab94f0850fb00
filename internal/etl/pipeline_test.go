package etl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/embeddings"
	"github.com/searchmind/embedgate/internal/search"
)

const testModel = "sentence-transformers/all-MiniLM-L6-v2"

type insertRecorder struct {
	mu      sync.Mutex
	inserts []search.InsertRequest
}

func (rec *insertRecorder) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/insert" {
			t.Errorf("Unexpected path %s", r.URL.Path)
			return
		}
		var req search.InsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad insert body: %v", err)
			return
		}
		rec.mu.Lock()
		rec.inserts = append(rec.inserts, req)
		rec.mu.Unlock()
		w.Write([]byte(`{"_id":1,"created":true}`))
	})
}

func newTestPipeline(t *testing.T, rec *insertRecorder, cfg *Config) *Pipeline {
	t.Helper()
	backend := httptest.NewServer(rec.handler(t))
	t.Cleanup(backend.Close)
	engine := search.NewClientFromURL(backend.URL, time.Second, zap.NewNop())

	provider := embeddings.NewProvider(embeddings.ProviderConfig{ModelDir: t.TempDir()}, zap.NewNop())
	loader := embeddings.NewLoader(provider, zap.NewNop())
	computer := embeddings.NewComputer(time.Second, zap.NewNop())
	manager := embeddings.NewManager(2, loader, computer, zap.NewNop())
	t.Cleanup(func() { manager.Close() })

	if cfg == nil {
		cfg = &Config{
			Table:        "products",
			VectorColumn: "title_vec",
			Model:        testModel,
			BatchSize:    2,
			WorkerCount:  2,
			ValidateData: true,
		}
	}
	return NewPipeline(engine, manager, cfg, zap.NewNop())
}

func TestProcessCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs.csv")
	data := "id,title,content,image_url\n" +
		"1,Red Shoes,Comfortable running shoes,\n" +
		"2,Blue Hat,,\n" +
		"3,,,\n" +
		"4,Green Socks,Warm wool socks,http://img/4.png\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	rec := &insertRecorder{}
	pipeline := newTestPipeline(t, rec, nil)

	result, err := pipeline.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}

	// Row 3 has no text fields and is dropped at validation.
	if result.ProcessedOK != 3 {
		t.Errorf("Expected 3 documents indexed, got %d (failed %d)", result.ProcessedOK, result.ProcessedFailed)
	}
	if len(rec.inserts) != 3 {
		t.Fatalf("Expected 3 inserts, got %d", len(rec.inserts))
	}

	byID := make(map[int64]search.InsertRequest)
	for _, ins := range rec.inserts {
		if ins.Table != "products" {
			t.Errorf("Unexpected table %s", ins.Table)
		}
		byID[ins.ID] = ins
	}
	vec, ok := byID[1].Doc["title_vec"].([]interface{})
	if !ok || len(vec) != 384 {
		t.Errorf("Document 1 missing 384-dim vector, got %T len %d", byID[1].Doc["title_vec"], len(vec))
	}
	if byID[4].Doc["image_url"] != "http://img/4.png" {
		t.Errorf("Image URL not carried through: %v", byID[4].Doc["image_url"])
	}
}

func TestProcessJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs.json")
	data := `{"id":10,"title":"First"}` + "\n" + `{"id":11,"content":"Second body"}` + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	rec := &insertRecorder{}
	pipeline := newTestPipeline(t, rec, nil)

	result, err := pipeline.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	if result.ProcessedOK != 2 {
		t.Errorf("Expected 2 documents indexed, got %d", result.ProcessedOK)
	}
}

func TestProcessFileCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs.csv")
	if err := os.WriteFile(path, []byte("id,title\n1,One\n"), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	pipeline := newTestPipeline(t, &insertRecorder{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pipeline.ProcessFile(ctx, path); err == nil {
		t.Error("Expected error from cancelled context")
	}
}

func TestDetectFileFormat(t *testing.T) {
	cases := map[string]FileFormat{
		"data.csv":     FormatCSV,
		"data.parquet": FormatParquet,
		"data.json":    FormatJSON,
		"data.jsonl":   FormatJSON,
		"data.txt":     FormatCSV,
	}
	for name, want := range cases {
		if got := DetectFileFormat(name); got != want {
			t.Errorf("DetectFileFormat(%s) = %s, want %s", name, got, want)
		}
	}
}

//go:build !onnx
// +build !onnx

package embeddings

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLiteBackendDeterministicVectors(t *testing.T) {
	provider := NewProvider(ProviderConfig{}, zap.NewNop())
	backend, err := provider.Sentence(context.Background(), "sentence-transformers/all-MiniLM-L6-v2")
	if err != nil {
		t.Fatalf("Sentence failed: %v", err)
	}
	defer backend.Close()

	a, err := backend.EncodeText(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("EncodeText failed: %v", err)
	}
	b, err := backend.EncodeText(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("EncodeText failed: %v", err)
	}
	if len(a[0]) != 384 {
		t.Fatalf("Expected 384 dimensions, got %d", len(a[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("Vectors differ at %d: %f vs %f", i, a[0][i], b[0][i])
		}
	}
}

func TestLiteBackendCloseDuringEncode(t *testing.T) {
	provider := NewProvider(ProviderConfig{}, zap.NewNop())
	backend, err := provider.Sentence(context.Background(), "sentence-transformers/all-MiniLM-L6-v2")
	if err != nil {
		t.Fatalf("Sentence failed: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := backend.EncodeText(ctx, []string{"hello"}); err != nil {
					return
				}
			}
		}()
	}
	backend.Close()
	wg.Wait()

	if _, err := backend.EncodeText(ctx, []string{"hello"}); err == nil {
		t.Error("EncodeText after Close must fail")
	}
}

func TestManagerUnloadDuringEmbedding(t *testing.T) {
	logger := zap.NewNop()
	provider := NewProvider(ProviderConfig{}, logger)
	loader := NewLoader(provider, logger)
	computer := NewComputer(time.Second, logger)
	m := NewManager(2, loader, computer, logger)
	defer m.Close()

	name := "sentence-transformers/all-MiniLM-L6-v2"
	ctx := context.Background()
	if _, err := m.GetOrLoad(ctx, name, "", false); err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}

	// Embedding callers run inference outside the manager lock, so an
	// unload may close the handle mid-batch. The call may then fail, but
	// it must fail cleanly.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = m.GetEmbedding(ctx, name, []string{"hi"}, KindText, false)
			}
		}()
	}
	m.Unload(name)
	wg.Wait()

	vecs, err := m.GetEmbedding(ctx, name, []string{"hi"}, KindText, false)
	if err != nil {
		t.Fatalf("GetEmbedding after unload failed: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("Expected one vector, got %d", len(vecs))
	}
}

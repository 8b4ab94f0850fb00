package embeddings

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// fakeBackend is a controllable backend for tests.
type fakeBackend struct {
	tag    BackendTag
	dims   int
	params int64
	fill   float32

	mu        sync.Mutex
	closed    bool
	textCalls int

	encodeTextErr error
}

func (b *fakeBackend) Tag() BackendTag       { return b.tag }
func (b *fakeBackend) Dimensions() int       { return b.dims }
func (b *fakeBackend) ParameterCount() int64 { return b.params }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBackend) EncodeText(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	b.textCalls++
	b.mu.Unlock()
	if b.encodeTextErr != nil {
		return nil, b.encodeTextErr
	}
	fill := b.fill
	if fill == 0 {
		fill = 0.5
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, b.dims)
		for j := range vec {
			vec[j] = fill
		}
		out[i] = vec
	}
	return out, nil
}

func (b *fakeBackend) EncodeImage(ctx context.Context, images []image.Image) ([][]float32, error) {
	out := make([][]float32, len(images))
	for i := range images {
		vec := make([]float32, b.dims)
		for j := range vec {
			vec[j] = 0.25
		}
		out[i] = vec
	}
	return out, nil
}

// fakeProvider scripts per-strategy outcomes and counts invocations.
type fakeProvider struct {
	mu sync.Mutex

	autoErr     error
	sentenceErr error
	nativeErr   map[bool]error // keyed by fastProcessor

	dims map[string]int // per model name, 0 means unreported

	autoCalls     int
	sentenceCalls int
	nativeCalls   int

	// gate, when set, blocks each load until released. Used to test
	// per-name load serialization.
	gate chan struct{}

	backends []*fakeBackend
}

func (p *fakeProvider) wait() {
	if p.gate != nil {
		<-p.gate
	}
}

func (p *fakeProvider) build(tag BackendTag, name string) *fakeBackend {
	p.mu.Lock()
	defer p.mu.Unlock()
	dims := 8
	if d, ok := p.dims[name]; ok {
		dims = d
	}
	b := &fakeBackend{tag: tag, dims: dims, params: 1 << 20}
	p.backends = append(p.backends, b)
	return b
}

func (p *fakeProvider) AutoResolve(ctx context.Context, arch, checkpoint string) (Backend, error) {
	p.mu.Lock()
	p.autoCalls++
	p.mu.Unlock()
	p.wait()
	if p.autoErr != nil {
		return nil, p.autoErr
	}
	return p.build(BackendAuto, checkpoint), nil
}

func (p *fakeProvider) Sentence(ctx context.Context, name string) (Backend, error) {
	p.mu.Lock()
	p.sentenceCalls++
	p.mu.Unlock()
	p.wait()
	if p.sentenceErr != nil {
		return nil, p.sentenceErr
	}
	return p.build(BackendSentence, name), nil
}

func (p *fakeProvider) Native(ctx context.Context, name string, fastProcessor bool) (Backend, error) {
	p.mu.Lock()
	p.nativeCalls++
	p.mu.Unlock()
	p.wait()
	if err := p.nativeErr[fastProcessor]; err != nil {
		return nil, err
	}
	return p.build(BackendNative, name), nil
}

func (p *fakeProvider) loadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoCalls + p.sentenceCalls + p.nativeCalls
}

func TestLoaderTextModel(t *testing.T) {
	provider := &fakeProvider{}
	loader := NewLoader(provider, zap.NewNop())

	model, err := loader.Load(context.Background(), "sentence-transformers/all-MiniLM-L6-v2", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if model.tag != BackendSentence {
		t.Errorf("Expected sentence tag, got %s", model.tag)
	}
	if provider.nativeCalls != 0 {
		t.Errorf("Native backend should not be tried for text models, got %d calls", provider.nativeCalls)
	}
	if model.dimensions != 8 {
		t.Errorf("Expected self-reported dimensions 8, got %d", model.dimensions)
	}
}

func TestLoaderAutoResolveIsTerminal(t *testing.T) {
	provider := &fakeProvider{autoErr: fmt.Errorf("checkpoint unavailable")}
	loader := NewLoader(provider, zap.NewNop())

	_, err := loader.Load(context.Background(), "Marqo/marqo-ecommerce-embeddings-B", "")
	if err == nil {
		t.Fatal("Expected load failure")
	}
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Expected *LoadError, got %T", err)
	}
	if loadErr.Kind != LoadFallbackExhausted {
		t.Errorf("Expected %s, got %s", LoadFallbackExhausted, loadErr.Kind)
	}
	if len(loadErr.Attempts) != 1 || loadErr.Attempts[0].Backend != BackendAuto {
		t.Errorf("Expected a single auto attempt, got %+v", loadErr.Attempts)
	}
	if provider.sentenceCalls != 0 || provider.nativeCalls != 0 {
		t.Error("No fallback may run past the auto backend")
	}
}

func TestLoaderMultimodalFallbackChain(t *testing.T) {
	provider := &fakeProvider{
		nativeErr: map[bool]error{
			true:  fmt.Errorf("fast processor construction failed"),
			false: fmt.Errorf("slow processor construction failed"),
		},
	}
	loader := NewLoader(provider, zap.NewNop())

	model, err := loader.Load(context.Background(), "openai/clip-vit-base-patch32", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if model.tag != BackendSentence {
		t.Errorf("Expected sentence fallback, got %s", model.tag)
	}
	if provider.nativeCalls != 2 {
		t.Errorf("Expected both processor variants tried, got %d native calls", provider.nativeCalls)
	}
}

func TestLoaderExhaustedReportsEveryAttempt(t *testing.T) {
	provider := &fakeProvider{
		sentenceErr: fmt.Errorf("download failed"),
		nativeErr: map[bool]error{
			true:  fmt.Errorf("fast failed"),
			false: fmt.Errorf("slow failed"),
		},
	}
	loader := NewLoader(provider, zap.NewNop())

	_, err := loader.Load(context.Background(), "openai/clip-vit-base-patch32", "")
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Expected *LoadError, got %v", err)
	}
	if loadErr.Kind != LoadFallbackExhausted {
		t.Errorf("Expected %s, got %s", LoadFallbackExhausted, loadErr.Kind)
	}
	if len(loadErr.Attempts) != 3 {
		t.Fatalf("Expected 3 recorded attempts, got %d", len(loadErr.Attempts))
	}
	if loadErr.Attempts[0].Variant != "fast" || loadErr.Attempts[1].Variant != "slow" {
		t.Errorf("Attempt order wrong: %+v", loadErr.Attempts)
	}
}

func TestLoaderDimensionResolution(t *testing.T) {
	t.Run("ProbeWhenUnreported", func(t *testing.T) {
		provider := &fakeProvider{dims: map[string]int{"openai/clip-vit-base-patch32": 0}}
		loader := NewLoader(provider, zap.NewNop())

		model, err := loader.Load(context.Background(), "openai/clip-vit-base-patch32", "")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		// The fake's probe vector is empty (dims 0), so the registry value
		// is next in line.
		if model.dimensions != 512 {
			t.Errorf("Expected registry dimensions 512, got %d", model.dimensions)
		}
	})

	t.Run("FamilyDefaultForUnknownModel", func(t *testing.T) {
		provider := &fakeProvider{dims: map[string]int{"custom/unknown-model": 0}}
		loader := NewLoader(provider, zap.NewNop())

		model, err := loader.Load(context.Background(), "custom/unknown-model", KindMultimodal)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if model.dimensions != defaultDimensions {
			t.Errorf("Expected default %d, got %d", defaultDimensions, model.dimensions)
		}
	})
}

func TestLoaderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &fakeProvider{}
	loader := NewLoader(provider, zap.NewNop())

	_, err := loader.Load(ctx, "sentence-transformers/all-MiniLM-L6-v2", "")
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Expected *LoadError, got %v", err)
	}
	if loadErr.Kind != LoadCancelled {
		t.Errorf("Expected %s, got %s", LoadCancelled, loadErr.Kind)
	}
}

func TestLoaderUnsupportedKind(t *testing.T) {
	loader := NewLoader(&fakeProvider{}, zap.NewNop())

	_, err := loader.Load(context.Background(), "custom/whatever", ModelKind("video"))
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Expected *LoadError, got %v", err)
	}
	if loadErr.Kind != LoadUnsupportedKind {
		t.Errorf("Expected %s, got %s", LoadUnsupportedKind, loadErr.Kind)
	}
}

//go:build !onnx
// +build !onnx

package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"image"
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// liteProvider produces deterministic hash-projection backends so the
// service runs without an inference runtime. Vectors are stable across
// processes for the same (model, content) pair.
type liteProvider struct {
	config ProviderConfig
	logger *zap.Logger
}

// NewProvider creates the default backend provider. Build with the onnx tag
// for real inference.
func NewProvider(config ProviderConfig, logger *zap.Logger) Provider {
	logger.Info("Using deterministic embedding backends (build without onnx tag)")
	return &liteProvider{config: config, logger: logger}
}

// Approximate parameter counts for the known models, for memory reporting.
var liteParamCounts = map[string]int64{
	"sentence-transformers/all-MiniLM-L6-v2":                      22_700_000,
	"sentence-transformers/all-mpnet-base-v2":                     109_000_000,
	"sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2": 118_000_000,
	"openai/clip-vit-base-patch32":                                151_000_000,
	"openai/clip-vit-large-patch14":                               428_000_000,
	"Marqo/marqo-ecommerce-embeddings-B":                          203_000_000,
	"Marqo/marqo-ecommerce-embeddings-L":                          652_000_000,
}

func (p *liteProvider) AutoResolve(ctx context.Context, arch, checkpoint string) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if arch == "" {
		return nil, fmt.Errorf("empty architecture alias")
	}
	return p.newBackend(BackendAuto, checkpoint, 0), nil
}

func (p *liteProvider) Sentence(ctx context.Context, name string) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := 384
	if d, ok := Lookup(name); ok && d.Dimensions > 0 {
		dims = d.Dimensions
	}
	return p.newBackend(BackendSentence, name, dims), nil
}

func (p *liteProvider) Native(ctx context.Context, name string, fastProcessor bool) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := 0
	if d, ok := Lookup(name); ok {
		dims = d.Dimensions
	}
	return p.newBackend(BackendNative, name, dims), nil
}

func (p *liteProvider) newBackend(tag BackendTag, seed string, dims int) *liteBackend {
	params := liteParamCounts[seed]
	if params == 0 {
		params = 25_000_000
	}
	return &liteBackend{tag: tag, seed: seed, dims: dims, params: params}
}

// liteBackend generates vectors by seeding a PRNG from a content hash.
// Close may race with in-flight encodes on the eviction path, so the
// closed flag is mutex-guarded like the onnx variant.
type liteBackend struct {
	tag    BackendTag
	seed   string
	dims   int
	params int64
	mu     sync.Mutex
	closed bool
}

func (b *liteBackend) Tag() BackendTag       { return b.tag }
func (b *liteBackend) Dimensions() int       { return b.dims }
func (b *liteBackend) ParameterCount() int64 { return b.params }

func (b *liteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *liteBackend) EncodeText(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("backend closed")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = b.project([]byte(text))
	}
	return out, nil
}

func (b *liteBackend) EncodeImage(ctx context.Context, images []image.Image) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("backend closed")
	}
	if b.tag == BackendSentence {
		return nil, fmt.Errorf("sentence backend cannot encode images")
	}
	out := make([][]float32, len(images))
	for i, img := range images {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = b.project(imageDigest(img))
	}
	return out, nil
}

// project maps content bytes to a stable pseudo-random vector.
func (b *liteBackend) project(content []byte) []float32 {
	dims := b.dims
	if dims == 0 {
		dims = defaultDimensions
	}
	h := sha256.New()
	h.Write([]byte(b.seed))
	h.Write([]byte{0})
	h.Write(content)
	sum := h.Sum(nil)

	vec := make([]float32, dims)
	seeds := []int64{
		int64(binary.BigEndian.Uint64(sum[0:8])),
		int64(binary.BigEndian.Uint64(sum[8:16])),
		int64(binary.BigEndian.Uint64(sum[16:24])),
		int64(binary.BigEndian.Uint64(sum[24:32])),
	}
	segment := dims / len(seeds)
	for i, seed := range seeds {
		rng := rand.New(rand.NewSource(seed))
		start := i * segment
		end := start + segment
		if i == len(seeds)-1 {
			end = dims
		}
		for j := start; j < end; j++ {
			vec[j] = float32(rng.NormFloat64())
		}
	}
	return vec
}

// imageDigest samples pixels into a stable byte fingerprint.
func imageDigest(img image.Image) []byte {
	bounds := img.Bounds()
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(bounds.Dx()))
	binary.BigEndian.PutUint32(buf[4:8], uint32(bounds.Dy()))
	h.Write(buf[:])

	// Sample a fixed grid so digesting stays cheap for large images.
	const grid = 16
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			x := bounds.Min.X + gx*bounds.Dx()/grid
			y := bounds.Min.Y + gy*bounds.Dy()/grid
			r, g, bl, a := img.At(x, y).RGBA()
			binary.BigEndian.PutUint16(buf[0:2], uint16(r))
			binary.BigEndian.PutUint16(buf[2:4], uint16(g))
			binary.BigEndian.PutUint16(buf[4:6], uint16(bl))
			binary.BigEndian.PutUint16(buf[6:8], uint16(a))
			h.Write(buf[:])
		}
	}
	return h.Sum(nil)
}

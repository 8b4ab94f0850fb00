package embeddings

import (
	"context"
	"image"
)

// BackendTag identifies the load strategy that produced a backend. Dispatch
// is by tag, fixed at load time; handles are never re-probed.
type BackendTag string

const (
	// BackendAuto loads model families that resolve to a fixed architecture
	// alias. Its output is always unit-normalized.
	BackendAuto BackendTag = "auto"
	// BackendSentence is the sentence-encoder path. It self-reports output
	// dimensionality.
	BackendSentence BackendTag = "sentence"
	// BackendNative pairs a base multimodal model with a companion
	// processor.
	BackendNative BackendTag = "native"
)

// Backend is a runnable inference handle produced by a Provider.
type Backend interface {
	Tag() BackendTag
	// Dimensions returns the output width reported by the model itself,
	// or 0 when the model does not declare one.
	Dimensions() int
	EncodeText(ctx context.Context, texts []string) ([][]float32, error)
	EncodeImage(ctx context.Context, images []image.Image) ([][]float32, error)
	// ParameterCount returns the number of learnable parameters, 0 if
	// unknown. Used for memory reporting only.
	ParameterCount() int64
	Close() error
}

// Provider constructs backends for the loader's fallback chain.
type Provider interface {
	// AutoResolve loads an auto-resolved checkpoint by architecture alias.
	AutoResolve(ctx context.Context, arch, checkpoint string) (Backend, error)
	// Sentence loads a sentence-encoder backend by model name.
	Sentence(ctx context.Context, name string) (Backend, error)
	// Native loads a multimodal model with its processor. The fast variant
	// is attempted first; a slower compatible construction is the retry.
	Native(ctx context.Context, name string, fastProcessor bool) (Backend, error)
}

// ProviderConfig carries the settings backend providers need.
type ProviderConfig struct {
	ModelDir      string
	MaxTextLength int
}

package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// loadedModel is a resident model handle. Constructed only by the Loader
// and owned by the Manager once admitted.
type loadedModel struct {
	name       string
	kind       ModelKind
	tag        BackendTag
	backend    Backend
	dimensions int
	loadedAt   time.Time
}

func (m *loadedModel) info(memoryMB float64) ModelInfo {
	return ModelInfo{
		Name:       m.name,
		Kind:       m.kind,
		Dimensions: m.dimensions,
		Loaded:     true,
		MemoryMB:   memoryMB,
		LoadedAt:   m.loadedAt,
	}
}

// Loader resolves a model name into a runnable handle through an ordered
// list of backend strategies; the first success wins and each failure is
// recorded for the aggregated error.
type Loader struct {
	provider Provider
	logger   *zap.Logger
}

func NewLoader(provider Provider, logger *zap.Logger) *Loader {
	return &Loader{provider: provider, logger: logger}
}

type loadAttempt struct {
	backend BackendTag
	variant string
	run     func(context.Context) (Backend, error)
}

// Load builds a handle for the named model. The returned error is always a
// *LoadError carrying every attempted strategy.
func (l *Loader) Load(ctx context.Context, name string, kind ModelKind) (*loadedModel, error) {
	desc, known := Lookup(name)
	if known {
		kind = desc.Kind
	}
	switch kind {
	case KindText, KindImage, KindMultimodal, "":
	default:
		return nil, &LoadError{Kind: LoadUnsupportedKind, Model: name, Err: fmt.Errorf("kind %q", kind)}
	}

	attempts := l.planAttempts(name, kind, desc, known)

	var failures []AttemptError
	for _, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, &LoadError{Kind: LoadCancelled, Model: name, Attempts: failures, Err: err}
		}

		backend, err := attempt.run(ctx)
		if err != nil {
			failures = append(failures, AttemptError{
				Backend: attempt.backend,
				Variant: attempt.variant,
				Reason:  err.Error(),
			})
			l.logger.Debug("Load attempt failed",
				zap.String("model", name),
				zap.String("backend", string(attempt.backend)),
				zap.String("variant", attempt.variant),
				zap.Error(err))
			continue
		}

		dims := l.resolveDimensions(ctx, backend, desc, known)
		if err := ctx.Err(); err != nil {
			// Caller gave up while we were finishing; release what we built.
			_ = backend.Close()
			return nil, &LoadError{Kind: LoadCancelled, Model: name, Attempts: failures, Err: err}
		}

		l.logger.Info("Model loaded",
			zap.String("model", name),
			zap.String("backend", string(attempt.backend)),
			zap.Int("dimensions", dims))

		return &loadedModel{
			name:       name,
			kind:       kind,
			tag:        attempt.backend,
			backend:    backend,
			dimensions: dims,
			loadedAt:   time.Now(),
		}, nil
	}

	return nil, &LoadError{Kind: LoadFallbackExhausted, Model: name, Attempts: failures}
}

// planAttempts builds the ordered strategy list for a model.
func (l *Loader) planAttempts(name string, kind ModelKind, desc ModelDescriptor, known bool) []loadAttempt {
	// Auto-resolved families load through their single specialized backend;
	// there is no fallback past it.
	if known && desc.AutoResolve() {
		return []loadAttempt{{
			backend: BackendAuto,
			run: func(ctx context.Context) (Backend, error) {
				return l.provider.AutoResolve(ctx, desc.AutoArch, desc.Checkpoint)
			},
		}}
	}

	sentence := loadAttempt{
		backend: BackendSentence,
		run: func(ctx context.Context) (Backend, error) {
			return l.provider.Sentence(ctx, name)
		},
	}

	// Sentence-encoder names load directly; so does anything declared text.
	if kind == KindText || strings.HasPrefix(name, "sentence-transformers/") {
		return []loadAttempt{sentence}
	}

	// Native path with both processor variants, then the sentence encoder
	// as the last resort.
	return []loadAttempt{
		{
			backend: BackendNative,
			variant: "fast",
			run: func(ctx context.Context) (Backend, error) {
				return l.provider.Native(ctx, name, true)
			},
		},
		{
			backend: BackendNative,
			variant: "slow",
			run: func(ctx context.Context) (Backend, error) {
				return l.provider.Native(ctx, name, false)
			},
		},
		sentence,
	}
}

// resolveDimensions picks the output width in order of preference: the
// backend's own report, a probe encode, the registry declaration, then the
// family default.
func (l *Loader) resolveDimensions(ctx context.Context, backend Backend, desc ModelDescriptor, known bool) int {
	if d := backend.Dimensions(); d > 0 {
		return d
	}
	if vecs, err := backend.EncodeText(ctx, []string{"test"}); err == nil && len(vecs) == 1 && len(vecs[0]) > 0 {
		return len(vecs[0])
	}
	if known && desc.Dimensions > 0 {
		return desc.Dimensions
	}
	return defaultDimensions
}

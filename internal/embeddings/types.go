package embeddings

import (
	"fmt"
	"strings"
	"time"
)

// ModelKind classifies what content a model can embed.
type ModelKind string

const (
	KindText       ModelKind = "text"
	KindImage      ModelKind = "image"
	KindMultimodal ModelKind = "multimodal"
)

// CombineMethod selects how multiple field vectors are merged.
type CombineMethod string

const (
	CombineWeightedAverage CombineMethod = "weighted_average"
	CombineConcatenate     CombineMethod = "concatenate"
	CombineMaxPool         CombineMethod = "max_pool"
)

// ModelInfo describes a registry model and its residency state.
type ModelInfo struct {
	Name        string    `json:"name"`
	Kind        ModelKind `json:"kind"`
	Dimensions  int       `json:"dimensions"`
	Description string    `json:"description,omitempty"`
	Loaded      bool      `json:"loaded"`
	MemoryMB    float64   `json:"memory_mb,omitempty"`
	LoadedAt    time.Time `json:"loaded_at,omitempty"`
}

// FieldEmbedding is one named field's vector with its combination weight.
type FieldEmbedding struct {
	Field  string    `json:"field"`
	Vector []float32 `json:"vector"`
	Weight float64   `json:"weight"`
}

// CombinedEmbedding is the result of merging several field embeddings.
type CombinedEmbedding struct {
	Vector     []float32     `json:"vector"`
	Dimensions int           `json:"dimensions"`
	Method     CombineMethod `json:"method"`
	Normalized bool          `json:"normalized"`
	Fields     []string      `json:"fields"`
}

// Load failure kinds.
const (
	LoadUnknownModel       = "unknown_model"
	LoadUnsupportedKind    = "unsupported_kind"
	LoadBackendUnavailable = "backend_unavailable"
	LoadDimensionUnknown   = "dimension_unresolvable"
	LoadFallbackExhausted  = "fallback_exhausted"
	LoadCancelled          = "cancelled"
)

// AttemptError records one failed strategy in a load fallback chain.
type AttemptError struct {
	Backend BackendTag `json:"backend"`
	Variant string     `json:"variant,omitempty"`
	Reason  string     `json:"reason"`
}

// LoadError reports a failed model load, carrying every attempted strategy.
type LoadError struct {
	Kind     string
	Model    string
	Attempts []AttemptError
	Err      error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load %s: %s", e.Model, e.Kind)
	if len(e.Attempts) > 0 {
		parts := make([]string, 0, len(e.Attempts))
		for _, a := range e.Attempts {
			if a.Variant != "" {
				parts = append(parts, fmt.Sprintf("%s/%s: %s", a.Backend, a.Variant, a.Reason))
			} else {
				parts = append(parts, fmt.Sprintf("%s: %s", a.Backend, a.Reason))
			}
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Embedding failure kinds.
const (
	EmbedModelNotLoaded     = "model_not_loaded"
	EmbedUnsupportedContent = "unsupported_content_kind"
	EmbedImageFetchError    = "image_fetch_error"
	EmbedImageDecodeError   = "image_decode_error"
	EmbedInferenceFailed    = "inference_failed"
	EmbedEmptyInput         = "empty_input"
)

// EmbeddingError reports a failed embedding computation. Index points at the
// offending batch item, or -1 when the failure is not item specific.
type EmbeddingError struct {
	Kind  string
	Model string
	Index int
	Err   error
}

func (e *EmbeddingError) Error() string {
	msg := fmt.Sprintf("embed with %s: %s", e.Model, e.Kind)
	if e.Index >= 0 {
		msg += fmt.Sprintf(" (item %d)", e.Index)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Combine failure kinds.
const (
	CombineUnsupportedMethod = "unsupported_method"
	CombineEmptyFieldList    = "empty_field_list"
)

// CombineError reports a failed field combination.
type CombineError struct {
	Kind   string
	Method CombineMethod
	Err    error
}

func (e *CombineError) Error() string {
	msg := fmt.Sprintf("combine: %s", e.Kind)
	if e.Method != "" {
		msg += fmt.Sprintf(" (method %q)", e.Method)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CombineError) Unwrap() error { return e.Err }

package recommend

import "fmt"

// Input types accepted for the reference item.
const (
	InputID     = "id"
	InputVector = "vector"
	InputText   = "text"
)

// Request describes one recommendation search.
type Request struct {
	Table        string                 `json:"table"`
	VectorColumn string                 `json:"vector_column,omitempty"`
	InputType    string                 `json:"input_type"`
	Input        interface{}            `json:"input"`
	Limit        int                    `json:"limit,omitempty"`
	MinScore     float64                `json:"min_score,omitempty"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
	IncludeSelf  bool                   `json:"include_self,omitempty"`
}

// Result is one recommended document. Score is 1/(1+distance) so closer
// neighbors rank higher on a 0..1 scale.
type Result struct {
	ID       int64                  `json:"id"`
	Score    float64                `json:"score"`
	Distance float64                `json:"distance"`
	Document map[string]interface{} `json:"document"`
}

// Response is the recommendation endpoint's payload.
type Response struct {
	Table        string   `json:"table"`
	VectorColumn string   `json:"vector_column"`
	Total        int      `json:"total"`
	Results      []Result `json:"results"`
}

// InputError reports an unusable request; it maps to a 400.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return e.Reason }

// ErrTextInputNotImplemented is returned for text inputs; resolving text
// to a reference vector is not wired yet. Maps to a 501.
var ErrTextInputNotImplemented = &NotImplementedError{Feature: "text input resolution"}

// NotImplementedError reports a recognized but unsupported request.
type NotImplementedError struct {
	Feature string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s is not implemented", e.Feature)
}

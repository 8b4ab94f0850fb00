package embeddings

import "math"

// Combine merges several field embeddings into one vector. Methods that
// need equal lengths reconcile every vector to the first field's length by
// zero-padding or truncation; concatenate keeps native lengths.
func Combine(fields []FieldEmbedding, method CombineMethod, normalize bool) (*CombinedEmbedding, error) {
	if len(fields) == 0 {
		return nil, &CombineError{Kind: CombineEmptyFieldList, Method: method}
	}

	var vec []float32
	switch method {
	case CombineWeightedAverage:
		vec = weightedAverage(fields)
	case CombineConcatenate:
		vec = concatenate(fields)
	case CombineMaxPool:
		vec = maxPool(fields)
	default:
		return nil, &CombineError{Kind: CombineUnsupportedMethod, Method: method}
	}

	if normalize {
		normalizeVector(vec)
	}

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Field
	}
	return &CombinedEmbedding{
		Vector:     vec,
		Dimensions: len(vec),
		Method:     method,
		Normalized: normalize,
		Fields:     names,
	}, nil
}

// weightedAverage normalizes weights to sum to 1 and accumulates the
// weight-scaled elementwise sum. A zero weight total skips normalization,
// leaving the zero vector.
func weightedAverage(fields []FieldEmbedding) []float32 {
	dims := len(fields[0].Vector)
	var totalWeight float64
	for _, f := range fields {
		totalWeight += f.Weight
	}

	out := make([]float32, dims)
	for _, f := range fields {
		weight := f.Weight
		if totalWeight != 0 {
			weight /= totalWeight
		}
		vec := reconcile(f.Vector, dims)
		for i := range out {
			out[i] += float32(weight) * vec[i]
		}
	}
	return out
}

// concatenate scales each vector by its own weight and joins them in input
// order at their native lengths.
func concatenate(fields []FieldEmbedding) []float32 {
	total := 0
	for _, f := range fields {
		total += len(f.Vector)
	}
	out := make([]float32, 0, total)
	for _, f := range fields {
		for _, v := range f.Vector {
			out = append(out, float32(f.Weight)*v)
		}
	}
	return out
}

// maxPool scales each vector by its weight, reconciles lengths, and keeps
// the elementwise maximum.
func maxPool(fields []FieldEmbedding) []float32 {
	dims := len(fields[0].Vector)
	out := make([]float32, dims)
	for idx, f := range fields {
		vec := reconcile(f.Vector, dims)
		for i := 0; i < dims; i++ {
			scaled := float32(f.Weight) * vec[i]
			if idx == 0 || scaled > out[i] {
				out[i] = scaled
			}
		}
	}
	return out
}

// reconcile pads or truncates a vector to the target length. Deterministic
// and lossy; truncation drops trailing components.
func reconcile(vec []float32, dims int) []float32 {
	if len(vec) == dims {
		return vec
	}
	out := make([]float32, dims)
	copy(out, vec)
	return out
}

// normalizeVector scales to unit Euclidean length in place. The zero
// vector is left unchanged.
func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

package embeddings

// EstimateMB approximates a resident model's footprint as four bytes per
// learnable parameter. Advisory only; never consulted by eviction.
func EstimateMB(model *loadedModel) float64 {
	params := model.backend.ParameterCount()
	if params <= 0 {
		return 0
	}
	return float64(params) * 4 / (1024 * 1024)
}

package embeddings

// ModelDescriptor is a registry entry for a known model. Immutable.
type ModelDescriptor struct {
	Name        string
	Kind        ModelKind
	Dimensions  int
	Description string
	// AutoArch is set for model families that must resolve to a fixed
	// architecture alias and load through the auto backend only.
	AutoArch string
	// Checkpoint names the pretrained weights for auto-resolved models.
	Checkpoint string
}

// AutoResolve reports whether the model loads through the auto backend.
func (d ModelDescriptor) AutoResolve() bool { return d.AutoArch != "" }

// knownModels is the static catalog of supported embedding models.
var knownModels = map[string]ModelDescriptor{
	"sentence-transformers/all-MiniLM-L6-v2": {
		Name:        "sentence-transformers/all-MiniLM-L6-v2",
		Kind:        KindText,
		Dimensions:  384,
		Description: "Fast general-purpose text embeddings",
	},
	"sentence-transformers/all-mpnet-base-v2": {
		Name:        "sentence-transformers/all-mpnet-base-v2",
		Kind:        KindText,
		Dimensions:  768,
		Description: "Higher quality text embeddings",
	},
	"sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2": {
		Name:        "sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2",
		Kind:        KindText,
		Dimensions:  384,
		Description: "Multilingual text embeddings",
	},
	"openai/clip-vit-base-patch32": {
		Name:        "openai/clip-vit-base-patch32",
		Kind:        KindMultimodal,
		Dimensions:  512,
		Description: "CLIP base model for text and image embeddings",
	},
	"openai/clip-vit-large-patch14": {
		Name:        "openai/clip-vit-large-patch14",
		Kind:        KindMultimodal,
		Dimensions:  768,
		Description: "CLIP large model for text and image embeddings",
	},
	"Marqo/marqo-ecommerce-embeddings-B": {
		Name:        "Marqo/marqo-ecommerce-embeddings-B",
		Kind:        KindMultimodal,
		Dimensions:  768,
		Description: "E-commerce tuned multimodal embeddings (base)",
		AutoArch:    "ViT-B-16-SigLIP",
		Checkpoint:  "hf-hub:Marqo/marqo-ecommerce-embeddings-B",
	},
	"Marqo/marqo-ecommerce-embeddings-L": {
		Name:        "Marqo/marqo-ecommerce-embeddings-L",
		Kind:        KindMultimodal,
		Dimensions:  1024,
		Description: "E-commerce tuned multimodal embeddings (large)",
		AutoArch:    "ViT-L-14-SigLIP-384",
		Checkpoint:  "hf-hub:Marqo/marqo-ecommerce-embeddings-L",
	},
}

// defaultDimensions is the family fallback when no other source resolves
// a model's output width.
const defaultDimensions = 512

// Lookup returns the descriptor for a model name.
func Lookup(name string) (ModelDescriptor, bool) {
	d, ok := knownModels[name]
	return d, ok
}

// Names returns the registry's model names.
func Names() []string {
	names := make([]string, 0, len(knownModels))
	for name := range knownModels {
		names = append(names, name)
	}
	return names
}

// Catalog returns ModelInfo entries for every registry model, unloaded.
func Catalog() []ModelInfo {
	infos := make([]ModelInfo, 0, len(knownModels))
	for _, d := range knownModels {
		infos = append(infos, ModelInfo{
			Name:        d.Name,
			Kind:        d.Kind,
			Dimensions:  d.Dimensions,
			Description: d.Description,
		})
	}
	return infos
}

//go:build onnx
// +build onnx

package embeddings

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// onnxProvider builds ONNX Runtime sessions from model files under the
// model directory. Requires the onnx build tag and a reachable ONNX Runtime
// shared library.
type onnxProvider struct {
	config ProviderConfig
	logger *zap.Logger

	initOnce sync.Once
	initErr  error
}

// NewProvider creates the ONNX Runtime backend provider.
func NewProvider(config ProviderConfig, logger *zap.Logger) Provider {
	return &onnxProvider{config: config, logger: logger}
}

func (p *onnxProvider) ensureRuntime() error {
	p.initOnce.Do(func() {
		if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		}
		p.initErr = ort.InitializeEnvironment()
	})
	return p.initErr
}

// modelDir maps a model name to its directory under the configured root.
func (p *onnxProvider) modelDir(name string) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(name)
	return filepath.Join(p.config.ModelDir, safe)
}

func (p *onnxProvider) AutoResolve(ctx context.Context, arch, checkpoint string) (Backend, error) {
	name := strings.TrimPrefix(checkpoint, "hf-hub:")
	return p.open(ctx, name, BackendAuto, "")
}

func (p *onnxProvider) Sentence(ctx context.Context, name string) (Backend, error) {
	return p.open(ctx, name, BackendSentence, "")
}

func (p *onnxProvider) Native(ctx context.Context, name string, fastProcessor bool) (Backend, error) {
	variant := "slow"
	if fastProcessor {
		variant = "fast"
	}
	return p.open(ctx, name, BackendNative, variant)
}

func (p *onnxProvider) open(ctx context.Context, name string, tag BackendTag, processorVariant string) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.ensureRuntime(); err != nil {
		return nil, fmt.Errorf("onnx runtime init failed: %w", err)
	}

	dir := p.modelDir(name)
	modelPath := filepath.Join(dir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}

	// Tokenizer. The fast variant needs tokenizer.json, the slow variant
	// reads a plain vocab file.
	var tok *vocabTokenizer
	var err error
	switch processorVariant {
	case "fast":
		tok, err = loadFastTokenizer(filepath.Join(dir, "tokenizer.json"), p.config.MaxTextLength)
	case "slow":
		tok, err = loadVocabTokenizer(filepath.Join(dir, "vocab.txt"), p.config.MaxTextLength)
	default:
		tok, err = loadFastTokenizer(filepath.Join(dir, "tokenizer.json"), p.config.MaxTextLength)
		if err != nil {
			tok, err = loadVocabTokenizer(filepath.Join(dir, "vocab.txt"), p.config.MaxTextLength)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("processor construction failed: %w", err)
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model IO: %w", err)
	}
	if len(outputsInfo) == 0 {
		return nil, fmt.Errorf("model reports no outputs: %s", modelPath)
	}

	preferred := []string{"input_ids", "attention_mask", "token_type_ids"}
	available := map[string]bool{}
	for _, ii := range inputsInfo {
		available[strings.ToLower(ii.Name)] = true
	}
	var inputNames []string
	for _, n := range preferred {
		if available[n] {
			inputNames = append(inputNames, n)
		}
	}
	if len(inputNames) == 0 && len(inputsInfo) > 0 {
		sorted := make([]string, 0, len(inputsInfo))
		for _, ii := range inputsInfo {
			sorted = append(sorted, ii.Name)
		}
		sort.Strings(sorted)
		inputNames = sorted
	}
	outputName := outputsInfo[0].Name

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("session creation failed: %w", err)
	}

	// Output width from the model's declared shape when static.
	dims := 0
	if shape := outputsInfo[0].Dimensions; len(shape) > 0 {
		if last := shape[len(shape)-1]; last > 0 {
			dims = int(last)
		}
	}

	params := readParamCount(filepath.Join(dir, "config.json"))

	p.logger.Info("ONNX backend ready",
		zap.String("model", name),
		zap.String("tag", string(tag)),
		zap.Strings("inputs", inputNames),
		zap.Int("dimensions", dims))

	return &onnxBackend{
		tag:        tag,
		session:    sess,
		inputNames: inputNames,
		tokenizer:  tok,
		dims:       dims,
		params:     params,
	}, nil
}

// readParamCount reads an optional num_parameters field from the model's
// config file.
func readParamCount(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var cfg struct {
		NumParameters int64 `json:"num_parameters"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0
	}
	return cfg.NumParameters
}

// onnxBackend runs tokenized batches through an ONNX Runtime session.
type onnxBackend struct {
	tag        BackendTag
	session    *ort.DynamicAdvancedSession
	inputNames []string
	tokenizer  *vocabTokenizer
	dims       int
	params     int64
	mu         sync.Mutex
	closed     bool
}

func (b *onnxBackend) Tag() BackendTag       { return b.tag }
func (b *onnxBackend) Dimensions() int       { return b.dims }
func (b *onnxBackend) ParameterCount() int64 { return b.params }

func (b *onnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	return nil
}

func (b *onnxBackend) EncodeText(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("backend closed")
	}

	batch := len(texts)
	if batch == 0 {
		return [][]float32{}, nil
	}
	seqLen := b.tokenizer.maxLength

	inputIDs := make([]int64, 0, batch*seqLen)
	attention := make([]int64, 0, batch*seqLen)
	tokenTypes := make([]int64, batch*seqLen)
	for _, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		ids, mask := b.tokenizer.encode(text)
		inputIDs = append(inputIDs, ids...)
		attention = append(attention, mask...)
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	idsTensor, err := ort.NewTensor[int64](shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor[int64](shape, attention)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor[int64](shape, tokenTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	inputs := make([]ort.Value, 0, len(b.inputNames))
	for _, raw := range b.inputNames {
		switch name := strings.ToLower(raw); {
		case strings.Contains(name, "mask"):
			inputs = append(inputs, maskTensor)
		case strings.Contains(name, "token_type") || strings.Contains(name, "segment"):
			inputs = append(inputs, typeTensor)
		default:
			inputs = append(inputs, idsTensor)
		}
	}

	outputs := make([]ort.Value, 1)
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
	}()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}
	return poolOutput(outTensor.GetData(), outTensor.GetShape(), batch)
}

// EncodeImage is not wired for ONNX image towers yet; the native image path
// needs a preprocessor export alongside the model file.
func (b *onnxBackend) EncodeImage(ctx context.Context, images []image.Image) ([][]float32, error) {
	return nil, fmt.Errorf("image encoding not supported by this onnx export")
}

// poolOutput turns [batch,dims] or [batch,seq,dims] data into per-item
// vectors, mean pooling over the sequence axis when present.
func poolOutput(data []float32, shape []int64, batch int) ([][]float32, error) {
	res := make([][]float32, batch)
	switch len(shape) {
	case 2:
		dims := int(shape[1])
		if len(data) != batch*dims {
			return nil, fmt.Errorf("unexpected flat data length %d for shape %v", len(data), shape)
		}
		for i := 0; i < batch; i++ {
			vec := make([]float32, dims)
			copy(vec, data[i*dims:(i+1)*dims])
			res[i] = vec
		}
	case 3:
		seq := int(shape[1])
		dims := int(shape[2])
		if len(data) != batch*seq*dims {
			return nil, fmt.Errorf("unexpected flat data length %d for shape %v", len(data), shape)
		}
		for i := 0; i < batch; i++ {
			pooled := make([]float32, dims)
			for s := 0; s < seq; s++ {
				offset := (i*seq + s) * dims
				for d := 0; d < dims; d++ {
					pooled[d] += data[offset+d]
				}
			}
			inv := 1.0 / float32(seq)
			for d := 0; d < dims; d++ {
				pooled[d] *= inv
			}
			res[i] = pooled
		}
	default:
		return nil, fmt.Errorf("unsupported output shape %v", shape)
	}
	return res, nil
}

// vocabTokenizer is a BERT-style lowercase whitespace tokenizer over a
// fixed vocabulary.
type vocabTokenizer struct {
	vocab     map[string]int32
	maxLength int
	padID     int32
	unkID     int32
	clsID     int32
	sepID     int32
}

func loadVocabTokenizer(path string, maxLength int) (*vocabTokenizer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	vocab := make(map[string]int32)
	scanner := bufio.NewScanner(file)
	var id int32
	for scanner.Scan() {
		vocab[strings.TrimSpace(scanner.Text())] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return newVocabTokenizer(vocab, maxLength)
}

func loadFastTokenizer(path string, maxLength int) (*vocabTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int32 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer file: %w", err)
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer file has no vocabulary")
	}
	return newVocabTokenizer(parsed.Model.Vocab, maxLength)
}

func newVocabTokenizer(vocab map[string]int32, maxLength int) (*vocabTokenizer, error) {
	if maxLength <= 2 {
		maxLength = 512
	}
	t := &vocabTokenizer{vocab: vocab, maxLength: maxLength}
	lookup := func(candidates ...string) (int32, error) {
		for _, c := range candidates {
			if id, ok := vocab[c]; ok {
				return id, nil
			}
		}
		return 0, fmt.Errorf("vocabulary missing %v", candidates)
	}
	var err error
	if t.padID, err = lookup("[PAD]", "<pad>"); err != nil {
		return nil, err
	}
	if t.unkID, err = lookup("[UNK]", "<unk>"); err != nil {
		return nil, err
	}
	if t.clsID, err = lookup("[CLS]", "<s>"); err != nil {
		return nil, err
	}
	if t.sepID, err = lookup("[SEP]", "</s>"); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *vocabTokenizer) encode(text string) ([]int64, []int64) {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(text)))

	ids := make([]int64, 0, t.maxLength)
	mask := make([]int64, 0, t.maxLength)
	ids = append(ids, int64(t.clsID))
	mask = append(mask, 1)
	for _, word := range words {
		if len(ids) >= t.maxLength-1 {
			break
		}
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
		} else {
			ids = append(ids, int64(t.unkID))
		}
		mask = append(mask, 1)
	}
	ids = append(ids, int64(t.sepID))
	mask = append(mask, 1)
	for len(ids) < t.maxLength {
		ids = append(ids, int64(t.padID))
		mask = append(mask, 0)
	}
	return ids, mask
}

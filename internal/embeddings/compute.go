package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"io"
	"net/http"
	"strings"
	"time"

	// Decoders for the accepted image payload formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
)

const maxImageBytes = 32 << 20

// Computer runs inference through a loaded model's backend. Dispatch is
// strictly by the handle's tag; handles are never re-inspected.
type Computer struct {
	client *http.Client
	logger *zap.Logger
}

func NewComputer(fetchTimeout time.Duration, logger *zap.Logger) *Computer {
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Computer{
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger,
	}
}

// EmbedText encodes a text batch.
//
// The auto backend unit-normalizes its output regardless of the caller's
// preference; this mirrors how its checkpoint family behaves upstream. The
// other backends honor the flag.
func (c *Computer) EmbedText(ctx context.Context, model *loadedModel, texts []string, normalize bool) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &EmbeddingError{Kind: EmbedEmptyInput, Model: model.name, Index: -1}
	}

	vecs, err := model.backend.EncodeText(ctx, texts)
	if err != nil {
		return nil, &EmbeddingError{Kind: EmbedInferenceFailed, Model: model.name, Index: -1, Err: err}
	}
	c.finish(model.tag, vecs, normalize)
	return vecs, nil
}

// EmbedImage decodes and encodes an image batch. Each content item is a
// fetchable URL or a base64 payload, optionally carrying a data-URI prefix.
func (c *Computer) EmbedImage(ctx context.Context, model *loadedModel, contents []string, normalize bool) ([][]float32, error) {
	if len(contents) == 0 {
		return nil, &EmbeddingError{Kind: EmbedEmptyInput, Model: model.name, Index: -1}
	}
	if model.tag == BackendSentence {
		return nil, &EmbeddingError{Kind: EmbedUnsupportedContent, Model: model.name, Index: -1,
			Err: fmt.Errorf("text-only backend")}
	}

	images := make([]image.Image, len(contents))
	for i, content := range contents {
		img, kind, err := c.resolveImage(ctx, content)
		if err != nil {
			return nil, &EmbeddingError{Kind: kind, Model: model.name, Index: i, Err: err}
		}
		images[i] = img
	}

	vecs, err := model.backend.EncodeImage(ctx, images)
	if err != nil {
		return nil, &EmbeddingError{Kind: EmbedInferenceFailed, Model: model.name, Index: -1, Err: err}
	}
	c.finish(model.tag, vecs, normalize)
	return vecs, nil
}

func (c *Computer) finish(tag BackendTag, vecs [][]float32, normalize bool) {
	if tag == BackendAuto || normalize {
		for _, vec := range vecs {
			normalizeVector(vec)
		}
	}
}

// resolveImage turns a content item into an RGB image. The returned kind
// names the stage that failed: fetch errors cover transport and status
// problems, decode errors cover everything after the bytes are in hand.
func (c *Computer) resolveImage(ctx context.Context, content string) (image.Image, string, error) {
	var raw []byte
	if strings.HasPrefix(content, "http://") || strings.HasPrefix(content, "https://") {
		fetched, err := c.fetchImage(ctx, content)
		if err != nil {
			return nil, EmbedImageFetchError, err
		}
		raw = fetched
	} else {
		payload := content
		if strings.HasPrefix(payload, "data:") {
			idx := strings.Index(payload, ",")
			if idx < 0 {
				return nil, EmbedImageDecodeError, fmt.Errorf("malformed data URI")
			}
			payload = payload[idx+1:]
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, EmbedImageDecodeError, fmt.Errorf("invalid base64 payload: %w", err)
		}
		raw = decoded
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, EmbedImageDecodeError, fmt.Errorf("image decode failed: %w", err)
	}
	return toRGB(img), "", nil
}

func (c *Computer) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("image read failed: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	return data, nil
}

// toRGB redraws the image into a plain RGBA buffer so every backend sees
// one color model.
func toRGB(img image.Image) image.Image {
	if _, ok := img.(*image.RGBA); ok {
		return img
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
}

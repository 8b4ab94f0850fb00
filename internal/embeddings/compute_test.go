package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testModel(tag BackendTag, dims int) (*loadedModel, *fakeBackend) {
	backend := &fakeBackend{tag: tag, dims: dims, params: 1 << 20}
	return &loadedModel{
		name:       "test/model",
		kind:       KindMultimodal,
		tag:        tag,
		backend:    backend,
		dimensions: dims,
		loadedAt:   time.Now(),
	}, backend
}

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestComputerAutoBackendAlwaysNormalizes(t *testing.T) {
	computer := NewComputer(time.Second, zap.NewNop())
	model, _ := testModel(BackendAuto, 4)

	vecs, err := computer.EmbedText(context.Background(), model, []string{"hello"}, false)
	if err != nil {
		t.Fatalf("EmbedText failed: %v", err)
	}
	if got := norm(vecs[0]); math.Abs(got-1) > 1e-5 {
		t.Errorf("Auto backend output must be unit length, got norm %f", got)
	}
}

func TestComputerSentenceBackendHonorsFlag(t *testing.T) {
	computer := NewComputer(time.Second, zap.NewNop())
	model, _ := testModel(BackendSentence, 4)
	ctx := context.Background()

	vecs, err := computer.EmbedText(ctx, model, []string{"hello"}, false)
	if err != nil {
		t.Fatalf("EmbedText failed: %v", err)
	}
	// The fake emits 0.5 everywhere: norm 1 only after normalization.
	if got := norm(vecs[0]); math.Abs(got-1) < 1e-3 {
		t.Errorf("Unrequested normalization applied, norm %f", got)
	}

	vecs, err = computer.EmbedText(ctx, model, []string{"hello"}, true)
	if err != nil {
		t.Fatalf("EmbedText failed: %v", err)
	}
	if got := norm(vecs[0]); math.Abs(got-1) > 1e-5 {
		t.Errorf("Requested normalization missing, norm %f", got)
	}
}

func TestComputerEmptyInput(t *testing.T) {
	computer := NewComputer(time.Second, zap.NewNop())
	model, _ := testModel(BackendSentence, 4)

	_, err := computer.EmbedText(context.Background(), model, nil, false)
	var embErr *EmbeddingError
	if !errors.As(err, &embErr) || embErr.Kind != EmbedEmptyInput {
		t.Errorf("Expected %s, got %v", EmbedEmptyInput, err)
	}
}

func TestComputerEmbedImage(t *testing.T) {
	computer := NewComputer(time.Second, zap.NewNop())
	payload := pngBase64(t)
	ctx := context.Background()

	t.Run("Base64Payload", func(t *testing.T) {
		model, _ := testModel(BackendNative, 4)
		vecs, err := computer.EmbedImage(ctx, model, []string{payload}, false)
		if err != nil {
			t.Fatalf("EmbedImage failed: %v", err)
		}
		if len(vecs) != 1 || len(vecs[0]) != 4 {
			t.Fatalf("Expected one 4-dim vector, got %v", vecs)
		}
	})

	t.Run("DataURIPrefixStripped", func(t *testing.T) {
		model, _ := testModel(BackendNative, 4)
		content := "data:image/png;base64," + payload
		if _, err := computer.EmbedImage(ctx, model, []string{content}, false); err != nil {
			t.Fatalf("EmbedImage failed for data URI: %v", err)
		}
	})

	t.Run("DecodeFailureReportsIndex", func(t *testing.T) {
		model, _ := testModel(BackendNative, 4)
		_, err := computer.EmbedImage(ctx, model, []string{payload, "!!not-base64!!"}, false)
		var embErr *EmbeddingError
		if !errors.As(err, &embErr) {
			t.Fatalf("Expected *EmbeddingError, got %v", err)
		}
		if embErr.Kind != EmbedImageDecodeError {
			t.Errorf("Expected %s, got %s", EmbedImageDecodeError, embErr.Kind)
		}
		if embErr.Index != 1 {
			t.Errorf("Expected offending index 1, got %d", embErr.Index)
		}
	})

	t.Run("FetchedBodyThatIsNotAnImage", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>not an image</html>"))
		}))
		defer server.Close()

		model, _ := testModel(BackendNative, 4)
		_, err := computer.EmbedImage(ctx, model, []string{server.URL + "/img.png"}, false)
		var embErr *EmbeddingError
		if !errors.As(err, &embErr) {
			t.Fatalf("Expected *EmbeddingError, got %v", err)
		}
		// The fetch itself succeeded, so this is a decode failure.
		if embErr.Kind != EmbedImageDecodeError {
			t.Errorf("Expected %s, got %s", EmbedImageDecodeError, embErr.Kind)
		}
	})

	t.Run("FetchFailureReportsFetchError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		model, _ := testModel(BackendNative, 4)
		_, err := computer.EmbedImage(ctx, model, []string{server.URL + "/missing.png"}, false)
		var embErr *EmbeddingError
		if !errors.As(err, &embErr) {
			t.Fatalf("Expected *EmbeddingError, got %v", err)
		}
		if embErr.Kind != EmbedImageFetchError {
			t.Errorf("Expected %s, got %s", EmbedImageFetchError, embErr.Kind)
		}
	})

	t.Run("SentenceBackendRejectsImages", func(t *testing.T) {
		model, _ := testModel(BackendSentence, 4)
		_, err := computer.EmbedImage(ctx, model, []string{payload}, false)
		var embErr *EmbeddingError
		if !errors.As(err, &embErr) || embErr.Kind != EmbedUnsupportedContent {
			t.Errorf("Expected %s, got %v", EmbedUnsupportedContent, err)
		}
	})
}

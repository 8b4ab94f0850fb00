package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/embeddings"
	"github.com/searchmind/embedgate/internal/metadata"
	"github.com/searchmind/embedgate/internal/recommend"
)

// hop-by-hop headers stripped before forwarding to the engine.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

type embedRequest struct {
	Model     string   `json:"model"`
	Contents  []string `json:"contents"`
	Normalize *bool    `json:"normalize"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	Count      int         `json:"count"`
	Embeddings [][]float32 `json:"embeddings"`
	Cached     bool        `json:"cached"`
}

type fieldInput struct {
	Field   string   `json:"field"`
	Content string   `json:"content"`
	Weight  *float64 `json:"weight"`
}

type multiFieldRequest struct {
	Model     string                   `json:"model"`
	Fields    []fieldInput             `json:"fields"`
	Method    embeddings.CombineMethod `json:"method"`
	Normalize bool                     `json:"normalize"`
}

type batchEmbedRequest struct {
	Model     string     `json:"model"`
	Kind      string     `json:"kind"`
	Batches   [][]string `json:"batches"`
	Normalize *bool      `json:"normalize"`
}

type batchEmbedResponse struct {
	Model   string        `json:"model"`
	Count   int           `json:"count"`
	Results [][][]float32 `json:"results"`
}

type loadModelRequest struct {
	Model       string               `json:"model"`
	Kind        embeddings.ModelKind `json:"kind"`
	ForceReload bool                 `json:"force_reload"`
}

type vectorColumnRequest struct {
	Table          string             `json:"table"`
	Column         string             `json:"column"`
	Model          string             `json:"model"`
	CombinedFields map[string]float64 `json:"combined_fields"`
}

func (s *Server) handleEmbedText(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Model == "" {
		req.Model = s.config.Models.DefaultTextModel
	}
	if !s.validateBatch(w, req.Contents, true) {
		return
	}
	s.embed(w, r, req.Model, "text", req.Contents, normalizeFlag(req.Normalize))
}

func (s *Server) handleEmbedImage(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Model == "" {
		req.Model = s.config.Models.DefaultImageModel
	}
	if !s.validateBatch(w, req.Contents, false) {
		return
	}
	s.embed(w, r, req.Model, "image", req.Contents, normalizeFlag(req.Normalize))
}

// embed answers a single-batch embedding request, consulting the cache
// around the model call.
func (s *Server) embed(w http.ResponseWriter, r *http.Request, model, kind string, contents []string, normalize bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.Models.InferenceTimeout)
	defer cancel()

	if cached, _ := s.cache.Get(ctx, model, kind, contents); cached != nil {
		writeJSON(w, http.StatusOK, embedResponse{
			Model:      model,
			Dimensions: cached.Dimensions,
			Count:      len(cached.Vectors),
			Embeddings: cached.Vectors,
			Cached:     true,
		})
		return
	}

	vectors, err := s.manager.GetEmbedding(ctx, model, contents, embeddings.ModelKind(kind), normalize)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	if err := s.cache.Set(ctx, model, kind, contents, vectors); err != nil {
		s.logger.Warn("Failed to cache embeddings", zap.String("model", model), zap.Error(err))
	}

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	writeJSON(w, http.StatusOK, embedResponse{
		Model:      model,
		Dimensions: dims,
		Count:      len(vectors),
		Embeddings: vectors,
	})
}

func (s *Server) handleEmbedMultiField(w http.ResponseWriter, r *http.Request) {
	var req multiFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Model == "" {
		req.Model = s.config.Models.DefaultTextModel
	}
	if req.Method == "" {
		req.Method = embeddings.CombineWeightedAverage
	}
	if len(req.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "empty_field_list", "at least one field is required")
		return
	}
	for _, field := range req.Fields {
		if len(field.Content) > s.config.Models.MaxTextLength {
			writeError(w, http.StatusBadRequest, "text_too_long",
				fmt.Sprintf("field %q exceeds %d characters", field.Field, s.config.Models.MaxTextLength))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Models.InferenceTimeout)
	defer cancel()

	fields := make([]embeddings.FieldEmbedding, 0, len(req.Fields))
	for _, field := range req.Fields {
		vectors, err := s.manager.GetEmbedding(ctx, req.Model, []string{field.Content}, embeddings.KindText, false)
		if err != nil {
			s.writeTypedError(w, r, err)
			return
		}
		weight := 1.0
		if field.Weight != nil {
			weight = *field.Weight
		}
		fields = append(fields, embeddings.FieldEmbedding{
			Field:  field.Field,
			Vector: vectors[0],
			Weight: weight,
		})
	}

	combined, err := embeddings.Combine(fields, req.Method, req.Normalize)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, combined)
}

func (s *Server) handleEmbedBatch(w http.ResponseWriter, r *http.Request) {
	var req batchEmbedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Kind == "" {
		req.Kind = "text"
	}
	if req.Model == "" {
		if req.Kind == "image" {
			req.Model = s.config.Models.DefaultImageModel
		} else {
			req.Model = s.config.Models.DefaultTextModel
		}
	}
	if len(req.Batches) == 0 {
		writeError(w, http.StatusBadRequest, "empty_input", "at least one batch is required")
		return
	}
	for _, batch := range req.Batches {
		if !s.validateBatch(w, batch, req.Kind != "image") {
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Models.InferenceTimeout)
	defer cancel()
	normalize := normalizeFlag(req.Normalize)

	results := make([][][]float32, len(req.Batches))
	var missBatches [][]string
	var missResults [][][]float32
	for i, batch := range req.Batches {
		if cached, _ := s.cache.Get(ctx, req.Model, req.Kind, batch); cached != nil {
			results[i] = cached.Vectors
			continue
		}
		vectors, err := s.manager.GetEmbedding(ctx, req.Model, batch, embeddings.ModelKind(req.Kind), normalize)
		if err != nil {
			s.writeTypedError(w, r, err)
			return
		}
		results[i] = vectors
		missBatches = append(missBatches, batch)
		missResults = append(missResults, vectors)
	}
	if err := s.cache.SetBatch(ctx, req.Model, req.Kind, missBatches, missResults); err != nil {
		s.logger.Warn("Failed to cache batch embeddings", zap.String("model", req.Model), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, batchEmbedResponse{
		Model:   req.Model,
		Count:   len(results),
		Results: results,
	})
}

// validateBatch enforces the batch size limit and, for text, the length
// limit. Writes the error response itself and reports whether to continue.
func (s *Server) validateBatch(w http.ResponseWriter, contents []string, checkLength bool) bool {
	if len(contents) == 0 {
		writeError(w, http.StatusBadRequest, "empty_input", "contents must not be empty")
		return false
	}
	if len(contents) > s.config.Models.MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("batch size %d exceeds limit %d", len(contents), s.config.Models.MaxBatchSize))
		return false
	}
	if checkLength {
		for i, content := range contents {
			if len(content) > s.config.Models.MaxTextLength {
				writeError(w, http.StatusBadRequest, "text_too_long",
					fmt.Sprintf("item %d exceeds %d characters", i, s.config.Models.MaxTextLength))
				return false
			}
		}
	}
	return true
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":          s.manager.ListModels(),
		"loaded_count":    s.manager.LoadedCount(),
		"total_memory_mb": s.manager.TotalMemoryMB(),
	})
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Models.LoadTimeout)
	defer cancel()

	info, err := s.manager.GetOrLoad(ctx, req.Model, req.Kind, req.ForceReload)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, info := range s.manager.ListModels() {
		if info.Name == name {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown_model", fmt.Sprintf("model %q not found", name))
}

func (s *Server) handleUnloadModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.manager.Unload(name) {
		writeError(w, http.StatusNotFound, "model_not_loaded", fmt.Sprintf("model %q is not loaded", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"model": name, "unloaded": true})
}

func (s *Server) handleRegisterVectorColumn(w http.ResponseWriter, r *http.Request) {
	var req vectorColumnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Table == "" || req.Column == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "table, column, and model are required")
		return
	}

	// Registering may load the model to learn its dimensionality.
	ctx, cancel := context.WithTimeout(r.Context(), s.config.Models.LoadTimeout)
	defer cancel()

	setting, err := s.store.SaveVectorColumn(ctx, &metadata.VectorColumnSetting{
		Table:          req.Table,
		Column:         req.Column,
		Model:          req.Model,
		CombinedFields: req.CombinedFields,
	})
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, setting)
}

func (s *Server) handleTableVectorColumns(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	settings, err := s.store.TableColumns(r.Context(), table)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":          table,
		"vector_columns": settings,
	})
}

func (s *Server) handleDeleteVectorColumn(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deleted, err := s.store.Delete(r.Context(), vars["table"], vars["column"])
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found",
			fmt.Sprintf("no vector column %s.%s registered", vars["table"], vars["column"]))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":   vars["table"],
		"column":  vars["column"],
		"deleted": true,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	stats, err := s.cache.GetStats(r.Context())
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": true, "stats": stats})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (s *Server) handleRecommendSearch(w http.ResponseWriter, r *http.Request) {
	var req recommend.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	resp, err := s.recommender.Search(r.Context(), &req)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecommendTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.recommender.Tables(r.Context())
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

func (s *Server) handleRecommendTableColumns(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	settings, err := s.recommender.TableColumns(r.Context(), table)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":          table,
		"vector_columns": settings,
	})
}

// handleEngineProxy forwards /api/ requests to the search engine verbatim.
func (s *Server) handleEngineProxy(w http.ResponseWriter, r *http.Request) {
	target, err := url.Parse(s.engine.BaseURL())
	if err != nil {
		s.logger.Error("Failed to parse search engine URL", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "bad upstream configuration")
		return
	}

	r.URL.Path = strings.TrimPrefix(r.URL.Path, "/api")
	if r.URL.Path == "" {
		r.URL.Path = "/"
	}

	requestID := getRequestID(r.Context())
	log := s.logger.WithRequestID(requestID)

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.Host = target.Host
		for _, header := range hopHeaders {
			req.Header.Del(header)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("Search engine proxy error", zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, "upstream_error", err.Error())
	}
	proxy.Transport = &http.Transport{
		ResponseHeaderTimeout: s.config.Search.Timeout,
	}

	start := time.Now()
	proxy.ServeHTTP(w, r)

	log.Debug("Request proxied to search engine",
		zap.String("path", r.URL.Path),
		zap.Duration("upstream_duration", time.Since(start)))
}

// writeTypedError maps the service error taxonomy onto HTTP statuses.
func (s *Server) writeTypedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func statusForError(err error) (int, string) {
	var inputErr *recommend.InputError
	if errors.As(err, &inputErr) {
		return http.StatusBadRequest, "invalid_input"
	}
	var notImpl *recommend.NotImplementedError
	if errors.As(err, &notImpl) {
		return http.StatusNotImplemented, "not_implemented"
	}

	var embedErr *embeddings.EmbeddingError
	if errors.As(err, &embedErr) {
		switch embedErr.Kind {
		case embeddings.EmbedModelNotLoaded:
			return http.StatusNotFound, embedErr.Kind
		case embeddings.EmbedInferenceFailed:
			return http.StatusInternalServerError, embedErr.Kind
		default:
			return http.StatusBadRequest, embedErr.Kind
		}
	}

	var loadErr *embeddings.LoadError
	if errors.As(err, &loadErr) {
		switch loadErr.Kind {
		case embeddings.LoadUnsupportedKind, embeddings.LoadUnknownModel:
			return http.StatusBadRequest, loadErr.Kind
		case embeddings.LoadCancelled:
			return http.StatusGatewayTimeout, loadErr.Kind
		default:
			return http.StatusInternalServerError, loadErr.Kind
		}
	}

	var combineErr *embeddings.CombineError
	if errors.As(err, &combineErr) {
		return http.StatusBadRequest, combineErr.Kind
	}

	return http.StatusInternalServerError, "internal_error"
}

func normalizeFlag(flag *bool) bool {
	if flag == nil {
		return true
	}
	return *flag
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/metadata"
	"github.com/searchmind/embedgate/internal/search"
)

const defaultLimit = 10

// Service answers similarity recommendations in two stages: resolve the
// reference vector (by document id or verbatim), then run a KNN query
// against the engine and post-filter the rows.
type Service struct {
	client *search.Client
	store  *metadata.Store
	logger *zap.Logger
}

func NewService(client *search.Client, store *metadata.Store, logger *zap.Logger) *Service {
	return &Service{client: client, store: store, logger: logger}
}

// Search runs one recommendation request.
func (s *Service) Search(ctx context.Context, req *Request) (*Response, error) {
	if req.Table == "" {
		return nil, &InputError{Reason: "table is required"}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	column, err := s.resolveColumn(ctx, req)
	if err != nil {
		return nil, err
	}

	vector, selfID, err := s.resolveVector(ctx, req, column)
	if err != nil {
		return nil, err
	}

	// One extra neighbor covers the reference document showing up in its
	// own result set.
	k := limit
	if !req.IncludeSelf {
		k++
	}

	query := fmt.Sprintf("SELECT *, knn_dist() FROM %s WHERE knn(%s, %d, (%s))",
		req.Table, column, k, vectorLiteral(vector))
	if clause := buildFilterClause(req.Filters); clause != "" {
		query += " AND " + clause
	}

	results, err := s.client.ExecCLI(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knn query failed: %w", err)
	}

	resp := &Response{Table: req.Table, VectorColumn: column}
collect:
	for _, set := range results {
		for _, row := range set.Data {
			result, ok := rowToResult(row)
			if !ok {
				continue
			}
			if !req.IncludeSelf && selfID != 0 && result.ID == selfID {
				continue
			}
			if req.MinScore > 0 && result.Score < req.MinScore {
				continue
			}
			resp.Results = append(resp.Results, result)
			if len(resp.Results) >= limit {
				break collect
			}
		}
	}
	resp.Total = len(resp.Results)

	s.logger.Debug("Recommendation search",
		zap.String("table", req.Table),
		zap.String("column", column),
		zap.Int("results", resp.Total))
	return resp, nil
}

// Tables lists the tables with registered vector columns.
func (s *Service) Tables(ctx context.Context) ([]string, error) {
	return s.store.ListTables(ctx)
}

// TableColumns lists the registered vector columns of one table.
func (s *Service) TableColumns(ctx context.Context, table string) ([]*metadata.VectorColumnSetting, error) {
	return s.store.TableColumns(ctx, table)
}

// resolveColumn picks the explicit column or the table's first registered
// vector column.
func (s *Service) resolveColumn(ctx context.Context, req *Request) (string, error) {
	if req.VectorColumn != "" {
		return req.VectorColumn, nil
	}
	settings, err := s.store.TableColumns(ctx, req.Table)
	if err != nil {
		return "", err
	}
	if len(settings) == 0 {
		return "", &InputError{Reason: fmt.Sprintf("table %q has no registered vector columns", req.Table)}
	}
	return settings[0].Column, nil
}

// resolveVector produces the reference vector and, for id inputs, the
// reference document's id for self-exclusion.
func (s *Service) resolveVector(ctx context.Context, req *Request, column string) ([]float32, int64, error) {
	switch req.InputType {
	case InputVector:
		vec, err := parseVector(req.Input)
		if err != nil {
			return nil, 0, &InputError{Reason: err.Error()}
		}
		return vec, 0, nil
	case InputID:
		return s.vectorByID(ctx, req, column)
	case InputText:
		return nil, 0, ErrTextInputNotImplemented
	default:
		return nil, 0, &InputError{Reason: fmt.Sprintf("unsupported input type %q", req.InputType)}
	}
}

func (s *Service) vectorByID(ctx context.Context, req *Request, column string) ([]float32, int64, error) {
	idStr := fmt.Sprintf("%v", req.Input)
	if n, ok := req.Input.(json.Number); ok {
		idStr = n.String()
	}
	idStr = strings.TrimSpace(idStr)
	if idStr == "" || strings.Contains(idStr, "://") {
		return nil, 0, &InputError{Reason: "input must be a document id"}
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, 0, &InputError{Reason: fmt.Sprintf("invalid document id %q", idStr)}
	}

	hit, err := s.fetchByID(ctx, req.Table, id)
	if err != nil {
		return nil, 0, err
	}
	if hit == nil && len(idStr) > 15 {
		// Ids above 2^53 lose precision in JavaScript clients; retry with
		// a range over the intact 15-digit prefix.
		hit, err = s.fetchByIDPrefix(ctx, req.Table, idStr[:15], len(idStr))
		if err != nil {
			return nil, 0, err
		}
	}
	if hit == nil {
		return nil, 0, &InputError{Reason: fmt.Sprintf("document %s not found in %s", idStr, req.Table)}
	}

	raw, ok := hit.Source[column]
	if !ok {
		return nil, 0, &InputError{Reason: fmt.Sprintf("document %s has no value in column %s", idStr, column)}
	}
	vec, err := parseVector(raw)
	if err != nil {
		return nil, 0, &InputError{Reason: fmt.Sprintf("column %s: %v", column, err)}
	}
	resolvedID, _ := hit.ID.Int64()
	return vec, resolvedID, nil
}

func (s *Service) fetchByID(ctx context.Context, table string, id int64) (*search.Hit, error) {
	resp, err := s.client.Search(ctx, &search.SearchRequest{
		Table: table,
		Query: map[string]interface{}{"equals": map[string]interface{}{"id": id}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Hits.Hits) == 0 {
		return nil, nil
	}
	return &resp.Hits.Hits[0], nil
}

func (s *Service) fetchByIDPrefix(ctx context.Context, table, prefix string, digits int) (*search.Hit, error) {
	lo := prefix + strings.Repeat("0", digits-len(prefix))
	hi := prefix + strings.Repeat("9", digits-len(prefix))
	loID, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return nil, &InputError{Reason: "document id out of range"}
	}
	hiID, err := strconv.ParseInt(hi, 10, 64)
	if err != nil {
		hiID = int64(^uint64(0) >> 1)
	}

	resp, err := s.client.Search(ctx, &search.SearchRequest{
		Table: table,
		Query: map[string]interface{}{
			"range": map[string]interface{}{
				"id": map[string]interface{}{"gte": loID, "lte": hiID},
			},
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Hits.Hits) == 0 {
		return nil, nil
	}
	return &resp.Hits.Hits[0], nil
}

// rowToResult converts one tabular row into a scored result.
func rowToResult(row map[string]interface{}) (Result, bool) {
	result := Result{Document: make(map[string]interface{}, len(row))}
	for key, value := range row {
		switch key {
		case "knn_dist()", "knn_dist":
			if d, ok := toFloat(value); ok {
				result.Distance = d
			}
		case "id":
			if id, ok := toFloat(value); ok {
				result.ID = int64(id)
			}
			result.Document[key] = value
		default:
			result.Document[key] = value
		}
	}
	if result.ID == 0 {
		return result, false
	}
	result.Score = 1.0 / (1.0 + result.Distance)
	return result, true
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// parseVector accepts the vector shapes the engine and clients produce:
// a float slice, a JSON array, or a "(0.1,0.2,...)" string.
func parseVector(value interface{}) ([]float32, error) {
	switch v := value.(type) {
	case []float32:
		return v, nil
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, nil
	case []interface{}:
		out := make([]float32, len(v))
		for i, item := range v {
			f, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("vector element %d is not numeric", i)
			}
			out[i] = float32(f)
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(v)
		trimmed = strings.TrimPrefix(trimmed, "(")
		trimmed = strings.TrimSuffix(trimmed, ")")
		trimmed = strings.TrimPrefix(trimmed, "[")
		trimmed = strings.TrimSuffix(trimmed, "]")
		if trimmed == "" {
			return nil, fmt.Errorf("empty vector value")
		}
		parts := strings.Split(trimmed, ",")
		out := make([]float32, len(parts))
		for i, part := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
			if err != nil {
				return nil, fmt.Errorf("unsupported vector format: %q", part)
			}
			out[i] = float32(f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported vector format %T", value)
	}
}

func vectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return strings.Join(parts, ",")
}

// buildFilterClause renders the request filters as SQL conditions. Three
// shapes are supported per field: a scalar (equals), a list (IN), and a
// range map with gte/lte/gt/lt bounds.
func buildFilterClause(filters map[string]interface{}) string {
	if len(filters) == 0 {
		return ""
	}
	clauses := make([]string, 0, len(filters))
	for field, value := range filters {
		switch v := value.(type) {
		case []interface{}:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, sqlLiteral(item))
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", field, strings.Join(items, ",")))
		case map[string]interface{}:
			ops := []struct{ key, op string }{
				{"gte", ">="}, {"lte", "<="}, {"gt", ">"}, {"lt", "<"},
			}
			for _, bound := range ops {
				if boundValue, ok := v[bound.key]; ok {
					clauses = append(clauses, fmt.Sprintf("%s %s %s", field, bound.op, sqlLiteral(boundValue)))
				}
			}
		default:
			clauses = append(clauses, fmt.Sprintf("%s = %s", field, sqlLiteral(value)))
		}
	}
	// Deterministic output order for map-driven filters.
	sort.Strings(clauses)
	return strings.Join(clauses, " AND ")
}

func sqlLiteral(value interface{}) string {
	switch v := value.(type) {
	case string:
		return "'" + search.EscapeString(v) + "'"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return "'" + search.EscapeString(fmt.Sprintf("%v", v)) + "'"
	}
}

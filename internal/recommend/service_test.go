package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/metadata"
	"github.com/searchmind/embedgate/internal/search"
)

// fakeEngine serves the settings table lookups, document fetches, and KNN
// queries the service issues.
type fakeEngine struct {
	settings []map[string]interface{}
	docs     map[int64]map[string]interface{}
	knnRows  []map[string]interface{}
	// knnSets, when set, takes precedence and answers KNN queries with
	// multiple result sets.
	knnSets [][]map[string]interface{}

	cliQueries []string
}

func (e *fakeEngine) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			var req search.SearchRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("Bad /search body: %v", err)
			}
			var hits []map[string]interface{}
			if req.Table == metadata.SettingsTable {
				for i, s := range e.settings {
					hits = append(hits, map[string]interface{}{"_id": i + 1, "_source": s})
				}
			} else if eq, ok := req.Query["equals"].(map[string]interface{}); ok {
				if id, ok := eq["id"].(float64); ok {
					if doc, found := e.docs[int64(id)]; found {
						hits = append(hits, map[string]interface{}{"_id": int64(id), "_source": doc})
					}
				}
			} else if _, ok := req.Query["range"]; ok {
				for id, doc := range e.docs {
					hits = append(hits, map[string]interface{}{"_id": id, "_source": doc})
					break
				}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"took": 0,
				"hits": map[string]interface{}{"total": len(hits), "hits": hits},
			})
		case "/cli_json":
			body, _ := io.ReadAll(r.Body)
			e.cliQueries = append(e.cliQueries, string(body))
			sets := e.knnSets
			if sets == nil {
				sets = [][]map[string]interface{}{e.knnRows}
			}
			out := make([]map[string]interface{}, 0, len(sets))
			for _, rows := range sets {
				out = append(out, map[string]interface{}{
					"columns": []interface{}{},
					"data":    rows,
					"total":   len(rows),
					"error":   "",
					"warning": "",
				})
			}
			json.NewEncoder(w).Encode(out)
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
	})
}

func newTestService(t *testing.T, engine *fakeEngine) *Service {
	server := httptest.NewServer(engine.handler(t))
	t.Cleanup(server.Close)
	client := search.NewClientFromURL(server.URL, time.Second, zap.NewNop())
	store := metadata.NewStore(client, nil, zap.NewNop())
	return NewService(client, store, zap.NewNop())
}

func TestSearchByVector(t *testing.T) {
	engine := &fakeEngine{
		settings: []map[string]interface{}{{"tbl_name": "products", "col_name": "title_vec"}},
		knnRows: []map[string]interface{}{
			{"id": float64(2), "title": "b", "knn_dist()": 0.5},
			{"id": float64(3), "title": "c", "knn_dist()": 1.0},
		},
	}
	service := newTestService(t, engine)

	resp, err := service.Search(context.Background(), &Request{
		Table:     "products",
		InputType: InputVector,
		Input:     []interface{}{0.1, 0.2, 0.3},
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.VectorColumn != "title_vec" {
		t.Errorf("Expected column resolved from settings, got %s", resp.VectorColumn)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Score != 1.0/1.5 {
		t.Errorf("Expected score 1/(1+0.5), got %f", resp.Results[0].Score)
	}
	if len(engine.cliQueries) != 1 || !strings.Contains(engine.cliQueries[0], "knn(title_vec") {
		t.Errorf("Unexpected KNN query: %v", engine.cliQueries)
	}
}

func TestSearchByIDExcludesSelf(t *testing.T) {
	engine := &fakeEngine{
		settings: []map[string]interface{}{{"tbl_name": "products", "col_name": "vec"}},
		docs: map[int64]map[string]interface{}{
			1: {"vec": "(0.1,0.2)", "title": "self"},
		},
		knnRows: []map[string]interface{}{
			{"id": float64(1), "knn_dist()": 0.0},
			{"id": float64(2), "knn_dist()": 0.3},
		},
	}
	service := newTestService(t, engine)

	resp, err := service.Search(context.Background(), &Request{
		Table:     "products",
		InputType: InputID,
		Input:     float64(1),
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != 2 {
		t.Fatalf("Expected only the non-self document, got %+v", resp.Results)
	}
}

func TestSearchTextInputNotImplemented(t *testing.T) {
	engine := &fakeEngine{
		settings: []map[string]interface{}{{"tbl_name": "products", "col_name": "vec"}},
	}
	service := newTestService(t, engine)

	_, err := service.Search(context.Background(), &Request{
		Table:     "products",
		InputType: InputText,
		Input:     "red sneakers",
	})
	var notImpl *NotImplementedError
	if !errors.As(err, &notImpl) {
		t.Fatalf("Expected NotImplementedError, got %v", err)
	}
}

func TestSearchMinScoreFilter(t *testing.T) {
	engine := &fakeEngine{
		settings: []map[string]interface{}{{"tbl_name": "products", "col_name": "vec"}},
		knnRows: []map[string]interface{}{
			{"id": float64(2), "knn_dist()": 0.1},
			{"id": float64(3), "knn_dist()": 9.0},
		},
	}
	service := newTestService(t, engine)

	resp, err := service.Search(context.Background(), &Request{
		Table:     "products",
		InputType: InputVector,
		Input:     []interface{}{1.0},
		MinScore:  0.5,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != 2 {
		t.Errorf("Threshold not applied: %+v", resp.Results)
	}
}

func TestSearchLimitSpansResultSets(t *testing.T) {
	engine := &fakeEngine{
		settings: []map[string]interface{}{{"tbl_name": "products", "col_name": "vec"}},
		knnSets: [][]map[string]interface{}{
			{
				{"id": float64(2), "knn_dist()": 0.1},
				{"id": float64(3), "knn_dist()": 0.2},
			},
			{
				{"id": float64(4), "knn_dist()": 0.3},
				{"id": float64(5), "knn_dist()": 0.4},
			},
		},
	}
	service := newTestService(t, engine)

	resp, err := service.Search(context.Background(), &Request{
		Table:     "products",
		InputType: InputVector,
		Input:     []interface{}{1.0},
		Limit:     2,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("Limit not enforced across result sets: got %d results", len(resp.Results))
	}
	if resp.Total != 2 {
		t.Errorf("Expected total 2, got %d", resp.Total)
	}
}

func TestSearchNoRegisteredColumn(t *testing.T) {
	service := newTestService(t, &fakeEngine{})

	_, err := service.Search(context.Background(), &Request{
		Table:     "products",
		InputType: InputVector,
		Input:     []interface{}{1.0},
	})
	var inputErr *InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("Expected InputError, got %v", err)
	}
}

func TestSearchFilterClause(t *testing.T) {
	engine := &fakeEngine{
		settings: []map[string]interface{}{{"tbl_name": "products", "col_name": "vec"}},
	}
	service := newTestService(t, engine)

	_, err := service.Search(context.Background(), &Request{
		Table:     "products",
		InputType: InputVector,
		Input:     []interface{}{1.0},
		Filters: map[string]interface{}{
			"category": "shoes",
			"brand":    []interface{}{"a", "b"},
			"price":    map[string]interface{}{"gte": float64(10), "lte": float64(99)},
		},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	query := engine.cliQueries[0]
	for _, want := range []string{
		"category = 'shoes'",
		"brand IN ('a','b')",
		"price >= 10",
		"price <= 99",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("Query missing %q: %s", want, query)
		}
	}
}

func TestParseVectorFormats(t *testing.T) {
	cases := []struct {
		name  string
		input interface{}
		want  int
	}{
		{"ParenString", "(0.1, 0.2, 0.3)", 3},
		{"BracketString", "[1,2]", 2},
		{"FloatSlice", []float64{1, 2, 3, 4}, 4},
		{"InterfaceSlice", []interface{}{1.0, 2.0}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vec, err := parseVector(tc.input)
			if err != nil {
				t.Fatalf("parseVector failed: %v", err)
			}
			if len(vec) != tc.want {
				t.Errorf("Expected %d elements, got %d", tc.want, len(vec))
			}
		})
	}

	if _, err := parseVector("http://example.com/img.png"); err == nil {
		t.Error("URL value must not parse as a vector")
	}
}

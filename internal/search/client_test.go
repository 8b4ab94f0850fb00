package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestClientExecSQL(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sql" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("Failed to parse form: %v", err)
		}
		gotQuery = r.PostFormValue("query")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"took":1,"timed_out":false,"hits":{"total":1,"hits":[{"_id":42,"_source":{"title":"doc"}}]}}`)
	}))
	defer server.Close()

	client := NewClientFromURL(server.URL, time.Second, zap.NewNop())
	result, err := client.ExecSQL(context.Background(), "SELECT * FROM docs")
	if err != nil {
		t.Fatalf("ExecSQL failed: %v", err)
	}
	if gotQuery != "SELECT * FROM docs" {
		t.Errorf("Query not forwarded, got %q", gotQuery)
	}
	if result.Hits.Total != 1 || len(result.Hits.Hits) != 1 {
		t.Fatalf("Unexpected hits: %+v", result.Hits)
	}
	if id, _ := result.Hits.Hits[0].ID.Int64(); id != 42 {
		t.Errorf("Expected id 42, got %v", result.Hits.Hits[0].ID)
	}
}

func TestClientExecSQLError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":"unknown table 'missing'"}`)
	}))
	defer server.Close()

	client := NewClientFromURL(server.URL, time.Second, zap.NewNop())
	if _, err := client.ExecSQL(context.Background(), "SELECT * FROM missing"); err == nil {
		t.Fatal("Expected error for engine-side failure")
	}
}

func TestClientExecCLI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cli_json" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "SHOW TABLES" {
			t.Errorf("Expected raw query body, got %q", body)
		}
		io.WriteString(w, `[{"columns":[{"Table":{"type":"string"}}],"data":[{"Table":"docs"}],"total":1,"error":"","warning":""}]`)
	}))
	defer server.Close()

	client := NewClientFromURL(server.URL, time.Second, zap.NewNop())
	results, err := client.ExecCLI(context.Background(), "SHOW TABLES")
	if err != nil {
		t.Fatalf("ExecCLI failed: %v", err)
	}
	if len(results) != 1 || len(results[0].Data) != 1 {
		t.Fatalf("Unexpected results: %+v", results)
	}
	if results[0].Data[0]["Table"] != "docs" {
		t.Errorf("Unexpected row: %+v", results[0].Data[0])
	}
}

func TestClientSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Bad request body: %v", err)
		}
		if req.Table != "docs" {
			t.Errorf("Expected table docs, got %s", req.Table)
		}
		io.WriteString(w, `{"took":0,"hits":{"total":0,"hits":[]}}`)
	}))
	defer server.Close()

	client := NewClientFromURL(server.URL, time.Second, zap.NewNop())
	resp, err := client.Search(context.Background(), &SearchRequest{
		Table: "docs",
		Query: map[string]interface{}{"match_all": map[string]interface{}{}},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Hits.Total != 0 {
		t.Errorf("Expected empty result, got %+v", resp.Hits)
	}
}

func TestClientInsert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Bad request body: %v", err)
		}
		if req.Table != "docs" || req.ID != 7 {
			t.Errorf("Unexpected insert: %+v", req)
		}
		io.WriteString(w, `{"_id":7,"created":true}`)
	}))
	defer server.Close()

	client := NewClientFromURL(server.URL, time.Second, zap.NewNop())
	err := client.Insert(context.Background(), &InsertRequest{
		Table: "docs",
		ID:    7,
		Doc:   map[string]interface{}{"title": "hello"},
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

func TestEscapeString(t *testing.T) {
	if got := EscapeString("it's a 'test'"); got != "it''s a ''test''" {
		t.Errorf("Unexpected escaping: %q", got)
	}
}

package search

import "encoding/json"

// Hit is one document returned by the engine's JSON search endpoints.
type Hit struct {
	ID     json.Number            `json:"_id"`
	Score  float64                `json:"_score,omitempty"`
	Source map[string]interface{} `json:"_source"`
}

// SQLResult is the /sql endpoint's response shape for SELECT queries.
type SQLResult struct {
	Took     int    `json:"took"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
	Warning  string `json:"warning,omitempty"`
	Hits     struct {
		Total int   `json:"total"`
		Hits  []Hit `json:"hits"`
	} `json:"hits"`
}

// CLIResult is one result set from the /cli_json endpoint, which returns
// tabular rows instead of hit documents.
type CLIResult struct {
	Columns []map[string]struct {
		Type string `json:"type"`
	} `json:"columns"`
	Data    []map[string]interface{} `json:"data"`
	Total   int                      `json:"total"`
	Error   string                   `json:"error"`
	Warning string                   `json:"warning"`
}

// SearchRequest is a /search endpoint query.
type SearchRequest struct {
	Table  string                 `json:"table"`
	Query  map[string]interface{} `json:"query,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// SearchResponse is the /search endpoint's response.
type SearchResponse struct {
	Took     int    `json:"took"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
	Hits     struct {
		Total int   `json:"total"`
		Hits  []Hit `json:"hits"`
	} `json:"hits"`
}

// InsertRequest is a /insert endpoint document.
type InsertRequest struct {
	Table string                 `json:"table"`
	ID    int64                  `json:"id,omitempty"`
	Doc   map[string]interface{} `json:"doc"`
}

package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/search"
)

// SettingsTable holds one row per registered vector column.
const SettingsTable = "manager_vector_column_settings"

// VectorColumnSetting maps a (table, column) pair to the model that fills
// it and the field weights used for combined embeddings.
type VectorColumnSetting struct {
	Table          string             `json:"table_name"`
	Column         string             `json:"column_name"`
	Model          string             `json:"model_name"`
	Dimensions     int                `json:"dimensions,omitempty"`
	CombinedFields map[string]float64 `json:"combined_fields,omitempty"`
	CreatedAt      string             `json:"created_at,omitempty"`
	UpdatedAt      string             `json:"updated_at,omitempty"`
}

// DimensionResolver resolves a model name to its output width, loading the
// model when needed.
type DimensionResolver interface {
	ModelDimensions(ctx context.Context, name string) (int, error)
}

// Store persists vector column settings in the search engine itself; there
// is no separate database in the deployment.
type Store struct {
	client   *search.Client
	resolver DimensionResolver
	logger   *zap.Logger
}

func NewStore(client *search.Client, resolver DimensionResolver, logger *zap.Logger) *Store {
	return &Store{client: client, resolver: resolver, logger: logger}
}

// EnsureTable creates the settings table when it does not exist yet.
func (s *Store) EnsureTable(ctx context.Context) error {
	// DESCRIBE answers for existing tables; probe with a select as a
	// second opinion since some engine versions reject DESCRIBE over JSON.
	if _, err := s.client.ExecCLI(ctx, "DESCRIBE "+SettingsTable); err == nil {
		return nil
	}
	if _, err := s.client.ExecSQL(ctx, "SELECT id FROM "+SettingsTable+" LIMIT 1"); err == nil {
		return nil
	}

	create := fmt.Sprintf(
		"CREATE TABLE %s (id bigint, tbl_name string, col_name string, mdl_name string, dims int, combined_fields json, created_at string, updated_at string)",
		SettingsTable)
	if _, err := s.client.ExecCLI(ctx, create); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create settings table: %w", err)
	}

	s.logger.Info("Settings table created", zap.String("table", SettingsTable))
	return nil
}

// Save upserts a setting row keyed by (table, column).
func (s *Store) Save(ctx context.Context, setting *VectorColumnSetting) error {
	combined := "{}"
	if len(setting.CombinedFields) > 0 {
		data, err := json.Marshal(setting.CombinedFields)
		if err != nil {
			return fmt.Errorf("failed to encode combined fields: %w", err)
		}
		combined = string(data)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	existing, err := s.Get(ctx, setting.Table, setting.Column)
	if err != nil {
		return err
	}

	if existing != nil {
		update := fmt.Sprintf(
			"UPDATE %s SET mdl_name='%s', dims=%d, combined_fields='%s', updated_at='%s' WHERE tbl_name='%s' AND col_name='%s'",
			SettingsTable,
			search.EscapeString(setting.Model),
			setting.Dimensions,
			search.EscapeString(combined),
			now,
			search.EscapeString(setting.Table),
			search.EscapeString(setting.Column))
		if _, err := s.client.ExecCLI(ctx, update); err != nil {
			return fmt.Errorf("failed to update setting: %w", err)
		}
		return nil
	}

	// Microsecond timestamps keep generated ids unique enough for a
	// settings table.
	insert := fmt.Sprintf(
		"INSERT INTO %s (id, tbl_name, col_name, mdl_name, dims, combined_fields, created_at, updated_at) VALUES (%d, '%s', '%s', '%s', %d, '%s', '%s', '%s')",
		SettingsTable,
		time.Now().UnixMicro(),
		search.EscapeString(setting.Table),
		search.EscapeString(setting.Column),
		search.EscapeString(setting.Model),
		setting.Dimensions,
		search.EscapeString(combined),
		now,
		now)
	if _, err := s.client.ExecCLI(ctx, insert); err != nil {
		return fmt.Errorf("failed to insert setting: %w", err)
	}
	return nil
}

// Get returns the setting for a (table, column) pair, nil when absent.
func (s *Store) Get(ctx context.Context, table, column string) (*VectorColumnSetting, error) {
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE tbl_name='%s' AND col_name='%s' LIMIT 1",
		SettingsTable, search.EscapeString(table), search.EscapeString(column))
	result, err := s.client.ExecSQL(ctx, query)
	if err != nil {
		// A missing settings table reads as no settings.
		if strings.Contains(err.Error(), "unknown table") || strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, err
	}
	if len(result.Hits.Hits) == 0 {
		return nil, nil
	}
	return settingFromSource(result.Hits.Hits[0].Source), nil
}

// TableColumns returns every registered vector column of a table.
func (s *Store) TableColumns(ctx context.Context, table string) ([]*VectorColumnSetting, error) {
	resp, err := s.client.Search(ctx, &search.SearchRequest{
		Table: SettingsTable,
		Query: map[string]interface{}{
			"equals": map[string]interface{}{"tbl_name": table},
		},
		Limit: 100,
	})
	if err != nil {
		return nil, err
	}
	settings := make([]*VectorColumnSetting, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		settings = append(settings, settingFromSource(hit.Source))
	}
	return settings, nil
}

// ListTables returns the distinct table names with registered columns.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	result, err := s.client.ExecSQL(ctx, "SELECT tbl_name FROM "+SettingsTable+" LIMIT 1000")
	if err != nil {
		if strings.Contains(err.Error(), "unknown table") || strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, err
	}
	seen := make(map[string]bool)
	var tables []string
	for _, hit := range result.Hits.Hits {
		if name, ok := hit.Source["tbl_name"].(string); ok && !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	return tables, nil
}

// Delete removes a single column registration. Returns false when no row
// matched.
func (s *Store) Delete(ctx context.Context, table, column string) (bool, error) {
	existing, err := s.Get(ctx, table, column)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE tbl_name='%s' AND col_name='%s'",
		SettingsTable, search.EscapeString(table), search.EscapeString(column))
	if _, err := s.client.ExecCLI(ctx, query); err != nil {
		return false, fmt.Errorf("failed to delete setting: %w", err)
	}
	return true, nil
}

// DeleteTable removes every registration for a table.
func (s *Store) DeleteTable(ctx context.Context, table string) error {
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE tbl_name='%s'",
		SettingsTable, search.EscapeString(table))
	if _, err := s.client.ExecCLI(ctx, query); err != nil {
		return fmt.Errorf("failed to delete table settings: %w", err)
	}
	return nil
}

// SaveVectorColumn resolves the model's dimensionality (loading the model
// when necessary), adds the vector column to the target table, and
// persists the registration.
func (s *Store) SaveVectorColumn(ctx context.Context, setting *VectorColumnSetting) (*VectorColumnSetting, error) {
	dims, err := s.resolver.ModelDimensions(ctx, setting.Model)
	if err != nil {
		return nil, err
	}
	setting.Dimensions = dims

	alter := fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s float_vector knn_type='hnsw' knn_dims='%d' hnsw_similarity='l2'",
		setting.Table, setting.Column, dims)
	if _, err := s.client.ExecCLI(ctx, alter); err != nil {
		// Re-registering an existing column only refreshes its settings.
		if !strings.Contains(err.Error(), "duplicate") && !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to add vector column: %w", err)
		}
	}

	if err := s.Save(ctx, setting); err != nil {
		return nil, err
	}

	s.logger.Info("Vector column registered",
		zap.String("table", setting.Table),
		zap.String("column", setting.Column),
		zap.String("model", setting.Model),
		zap.Int("dimensions", dims))
	return setting, nil
}

// settingFromSource decodes a settings row from engine column names.
func settingFromSource(source map[string]interface{}) *VectorColumnSetting {
	setting := &VectorColumnSetting{}
	if v, ok := source["tbl_name"].(string); ok {
		setting.Table = v
	}
	if v, ok := source["col_name"].(string); ok {
		setting.Column = v
	}
	if v, ok := source["mdl_name"].(string); ok {
		setting.Model = v
	}
	if v, ok := source["dims"].(float64); ok {
		setting.Dimensions = int(v)
	}
	if v, ok := source["created_at"].(string); ok {
		setting.CreatedAt = v
	}
	if v, ok := source["updated_at"].(string); ok {
		setting.UpdatedAt = v
	}
	switch combined := source["combined_fields"].(type) {
	case string:
		if combined != "" {
			var fields map[string]float64
			if err := json.Unmarshal([]byte(combined), &fields); err == nil {
				setting.CombinedFields = fields
			}
		}
	case map[string]interface{}:
		fields := make(map[string]float64, len(combined))
		for name, weight := range combined {
			if w, ok := weight.(float64); ok {
				fields[name] = w
			}
		}
		if len(fields) > 0 {
			setting.CombinedFields = fields
		}
	}
	return setting
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

// getData loads the data column of one row into dst.
func (s *Store) getData(ctx context.Context, what, query, id string, dst any) error {
	defer s.observe(time.Now())
	var data string
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, what, id)
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", what, id, err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

// listData decodes the data column of every row returned by query.
func listData[T any](ctx context.Context, s *Store, what, query string, args ...any) ([]T, error) {
	defer s.observe(time.Now())
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

// GetTemplate returns a template or store.ErrNotFound.
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	if err := s.getData(ctx, "template", `SELECT data FROM module_templates WHERE id = ?`, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates returns the active templates visible to tenantID by name.
func (s *Store) ListTemplates(ctx context.Context, tenantID string) ([]models.Template, error) {
	return listData[models.Template](ctx, s, "templates", `SELECT data FROM module_templates
		WHERE is_active = 1 AND (? = '' OR tenant_id = ? OR is_public = 1)
		ORDER BY name ASC`, tenantID, tenantID)
}

// SaveTemplate inserts or replaces a template.
func (s *Store) SaveTemplate(ctx context.Context, t *models.Template) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	defer s.observe(time.Now())
	_, err = s.DB.ExecContext(ctx, `INSERT INTO module_templates (id, name, tenant_id, is_active, is_public, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, tenant_id = excluded.tenant_id,
			is_active = excluded.is_active, is_public = excluded.is_public, data = excluded.data`,
		t.ID, t.Name, t.TenantID, t.IsActive, t.IsPublic, string(data))
	if err != nil {
		return fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return nil
}

// ListProviderConfigs returns every configuration by ascending priority.
func (s *Store) ListProviderConfigs(ctx context.Context) ([]models.ProviderConfiguration, error) {
	return listData[models.ProviderConfiguration](ctx, s, "provider configs",
		`SELECT data FROM llm_configs ORDER BY priority ASC, id ASC`)
}

// GetProviderConfig returns a configuration or store.ErrNotFound.
func (s *Store) GetProviderConfig(ctx context.Context, id string) (*models.ProviderConfiguration, error) {
	var cfg models.ProviderConfiguration
	if err := s.getData(ctx, "provider config", `SELECT data FROM llm_configs WHERE id = ?`, id, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveProviderConfig inserts or replaces a configuration.
func (s *Store) SaveProviderConfig(ctx context.Context, cfg *models.ProviderConfiguration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode provider config: %w", err)
	}
	defer s.observe(time.Now())
	_, err = s.DB.ExecContext(ctx, `INSERT INTO llm_configs (id, priority, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET priority = excluded.priority, data = excluded.data`,
		cfg.ID, cfg.Priority, string(data))
	if err != nil {
		return fmt.Errorf("save provider config %s: %w", cfg.ID, err)
	}
	return nil
}

// GetStagingTarget returns a target or store.ErrNotFound.
func (s *Store) GetStagingTarget(ctx context.Context, id string) (*models.StagingTarget, error) {
	var t models.StagingTarget
	if err := s.getData(ctx, "staging target", `SELECT data FROM staging_targets WHERE id = ?`, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListStagingTargets returns every target by ID.
func (s *Store) ListStagingTargets(ctx context.Context) ([]models.StagingTarget, error) {
	return listData[models.StagingTarget](ctx, s, "staging targets",
		`SELECT data FROM staging_targets ORDER BY id ASC`)
}

// SaveStagingTarget inserts or replaces a target.
func (s *Store) SaveStagingTarget(ctx context.Context, t *models.StagingTarget) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode staging target: %w", err)
	}
	defer s.observe(time.Now())
	_, err = s.DB.ExecContext(ctx, `INSERT INTO staging_targets (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, t.ID, string(data))
	if err != nil {
		return fmt.Errorf("save staging target %s: %w", t.ID, err)
	}
	return nil
}

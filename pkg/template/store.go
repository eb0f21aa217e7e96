package template

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/gpuorch/internal/db"
)

// Store provides database operations for job templates, plus an
// invalidate-on-write in-memory cache matching the caching note in spec §5
// ("Job templates cache with invalidation on write").
type Store struct {
	dbtx  db.DBTX
	cache *templateCache
}

// NewStore creates a template Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx, cache: newTemplateCache()}
}

const templateColumns = `id, name, job_type, model_name, gpu_type_required, gpu_count_required,
	memory_gb_required, max_runtime_minutes, config_defaults, created_by, created_at, updated_at`

func scanTemplate(row pgx.Row) (Template, error) {
	var t Template
	err := row.Scan(
		&t.ID, &t.Name, &t.JobType, &t.ModelName, &t.GPUTypeRequired, &t.GPUCountRequired,
		&t.MemoryGBRequired, &t.MaxRuntimeMinutes, &t.ConfigDefaults, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func scanTemplates(rows pgx.Rows) ([]Template, error) {
	defer rows.Close()
	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ErrNotFound is returned by GetByName when no template matches.
var ErrNotFound = errors.New("template not found")

// CreateParams is the set of fields Create persists.
type CreateParams struct {
	Name              string
	JobType           JobType
	ModelName         string
	GPUTypeRequired   string
	GPUCountRequired  int
	MemoryGBRequired  int
	MaxRuntimeMinutes int
	ConfigDefaults    []byte
	CreatedBy         uuid.UUID
}

// Create inserts a new named template.
func (s *Store) Create(ctx context.Context, p CreateParams) (Template, error) {
	query := `INSERT INTO job_templates (
			name, job_type, model_name, gpu_type_required, gpu_count_required,
			memory_gb_required, max_runtime_minutes, config_defaults, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING ` + templateColumns

	row := s.dbtx.QueryRow(ctx, query,
		p.Name, p.JobType, p.ModelName, p.GPUTypeRequired, p.GPUCountRequired,
		p.MemoryGBRequired, p.MaxRuntimeMinutes, p.ConfigDefaults, p.CreatedBy,
	)
	t, err := scanTemplate(row)
	if err != nil {
		return Template{}, err
	}
	s.cache.invalidate(t.Name)
	return t, nil
}

// List returns every template.
func (s *Store) List(ctx context.Context) ([]Template, error) {
	query := `SELECT ` + templateColumns + ` FROM job_templates ORDER BY name`
	rows, err := s.dbtx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	return scanTemplates(rows)
}

// GetByName returns a template by name, consulting the invalidate-on-write
// cache before querying the database. Returns ErrNotFound when no template
// matches, mapped by callers to TEMPLATE_NOT_FOUND per spec §4.4.
func (s *Store) GetByName(ctx context.Context, name string) (Template, error) {
	if t, ok := s.cache.get(name); ok {
		return t, nil
	}

	query := `SELECT ` + templateColumns + ` FROM job_templates WHERE name = $1`
	t, err := scanTemplate(s.dbtx.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Template{}, ErrNotFound
		}
		return Template{}, err
	}
	s.cache.set(t)
	return t, nil
}

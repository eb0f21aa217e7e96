// Package template implements JobTemplate CRUD: named default config
// (resource requirements + engine config) for a job type/model, with
// shallow-merge-with-overrides-winning expansion at submission time.
package template

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType mirrors pkg/job's Type values without importing that package
// (which itself imports this one for submission-time expansion).
type JobType string

// Template is a named, reusable default resource+config bundle. Once a
// Job references it, the Template row itself is immutable — edits create
// no retroactive effect on jobs already submitted.
type Template struct {
	ID                uuid.UUID
	Name              string
	JobType           JobType
	ModelName         string
	GPUTypeRequired   string
	GPUCountRequired  int
	MemoryGBRequired  int
	MaxRuntimeMinutes int
	ConfigDefaults    json.RawMessage
	CreatedBy         uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Overrides is the set of fields a submission may supply on top of a
// template's defaults; explicit overrides always win.
type Overrides struct {
	GPUTypeRequired   *string
	GPUCountRequired  *int
	MemoryGBRequired  *int
	MaxRuntimeMinutes *int
	ConfigOverrides   map[string]any
}

// Expanded is the result of merging a Template with Overrides: the
// effective job fields used for admission and placement.
type Expanded struct {
	JobType           JobType
	ModelName         string
	GPUTypeRequired   string
	GPUCountRequired  int
	MemoryGBRequired  int
	MaxRuntimeMinutes int
	Config            map[string]any
}

// Expand merges t's defaults with o, with o's fields winning key-by-key on
// every field, including the top-level config keys in ConfigOverrides (shallow
// merge: no merge happens inside config values — the override value wins
// whole). `template ⊕ overrides = effective`.
func Expand(t Template, o Overrides) (Expanded, error) {
	exp := Expanded{
		JobType:           t.JobType,
		ModelName:         t.ModelName,
		GPUTypeRequired:   t.GPUTypeRequired,
		GPUCountRequired:  t.GPUCountRequired,
		MemoryGBRequired:  t.MemoryGBRequired,
		MaxRuntimeMinutes: t.MaxRuntimeMinutes,
	}

	config := map[string]any{}
	if len(t.ConfigDefaults) > 0 {
		if err := json.Unmarshal(t.ConfigDefaults, &config); err != nil {
			return Expanded{}, err
		}
	}
	for k, v := range o.ConfigOverrides {
		config[k] = v
	}
	exp.Config = config

	if o.GPUTypeRequired != nil {
		exp.GPUTypeRequired = *o.GPUTypeRequired
	}
	if o.GPUCountRequired != nil {
		exp.GPUCountRequired = *o.GPUCountRequired
	}
	if o.MemoryGBRequired != nil {
		exp.MemoryGBRequired = *o.MemoryGBRequired
	}
	if o.MaxRuntimeMinutes != nil {
		exp.MaxRuntimeMinutes = *o.MaxRuntimeMinutes
	}

	return exp, nil
}

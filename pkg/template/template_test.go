package template

import (
	"encoding/json"
	"testing"
)

func baseTemplate() Template {
	return Template{
		Name:              "llama-70b-default",
		JobType:           JobType("LLAMA_INFERENCE"),
		ModelName:         "llama-3.1-70b",
		GPUTypeRequired:   "A100",
		GPUCountRequired:  2,
		MemoryGBRequired:  160,
		MaxRuntimeMinutes: 60,
		ConfigDefaults:    json.RawMessage(`{"temperature": 0.7, "max_tokens": 512}`),
	}
}

func TestExpandWithNoOverridesReturnsDefaults(t *testing.T) {
	exp, err := Expand(baseTemplate(), Overrides{})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if exp.GPUTypeRequired != "A100" || exp.GPUCountRequired != 2 {
		t.Errorf("exp = %+v, want template defaults unchanged", exp)
	}
	if exp.Config["temperature"] != 0.7 {
		t.Errorf("config.temperature = %v, want 0.7", exp.Config["temperature"])
	}
}

func TestExpandOverridesWinOnEveryField(t *testing.T) {
	gpuType := "H100"
	gpuCount := 4
	maxRuntime := 120

	exp, err := Expand(baseTemplate(), Overrides{
		GPUTypeRequired:   &gpuType,
		GPUCountRequired:  &gpuCount,
		MaxRuntimeMinutes: &maxRuntime,
		ConfigOverrides:   map[string]any{"temperature": 0.2},
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if exp.GPUTypeRequired != "H100" {
		t.Errorf("GPUTypeRequired = %q, want H100 (override should win)", exp.GPUTypeRequired)
	}
	if exp.GPUCountRequired != 4 {
		t.Errorf("GPUCountRequired = %d, want 4", exp.GPUCountRequired)
	}
	if exp.MaxRuntimeMinutes != 120 {
		t.Errorf("MaxRuntimeMinutes = %d, want 120", exp.MaxRuntimeMinutes)
	}
	if exp.Config["temperature"] != 0.2 {
		t.Errorf("config.temperature = %v, want 0.2 (override should win)", exp.Config["temperature"])
	}
	// Unoverridden config key survives from the template defaults.
	if exp.Config["max_tokens"] != float64(512) {
		t.Errorf("config.max_tokens = %v, want 512 to survive from defaults", exp.Config["max_tokens"])
	}
}

func TestExpandMemoryFieldOverride(t *testing.T) {
	mem := 320
	exp, err := Expand(baseTemplate(), Overrides{MemoryGBRequired: &mem})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if exp.MemoryGBRequired != 320 {
		t.Errorf("MemoryGBRequired = %d, want 320", exp.MemoryGBRequired)
	}
}

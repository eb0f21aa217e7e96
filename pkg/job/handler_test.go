package job

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/pkg/provider"
)

func TestToResponseFormatsTimestampsAndOmitsNil(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := Job{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		JobType:          TypeLlamaInference,
		Status:           StatusQueued,
		CreatedAt:        now,
		EstimatedCostUSD: decimal.NewFromFloat(1.5),
		ActualCostUSD:    decimal.Zero,
	}

	resp := toResponse(j)

	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Errorf("CreatedAt = %q, want %q", resp.CreatedAt, now.Format(time.RFC3339))
	}
	if resp.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", resp.StartedAt)
	}
	if resp.InstanceID != nil {
		t.Errorf("InstanceID = %v, want nil", resp.InstanceID)
	}
	if resp.EstimatedCostUSD != "1.5" {
		t.Errorf("EstimatedCostUSD = %q, want %q", resp.EstimatedCostUSD, "1.5")
	}
}

func TestToResponseIncludesInstanceID(t *testing.T) {
	instID := uuid.New()
	j := Job{ID: uuid.New(), UserID: uuid.New(), InstanceID: &instID, CreatedAt: time.Now()}

	resp := toResponse(j)

	if resp.InstanceID == nil || *resp.InstanceID != instID.String() {
		t.Errorf("InstanceID = %v, want %s", resp.InstanceID, instID)
	}
}

func TestRespondServiceErrorMapsClassToStatus(t *testing.T) {
	h := &Handler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	cases := []struct {
		class provider.ErrClass
		want  int
	}{
		{provider.ClassValidation, 400},
		{provider.ClassTemplateNotFound, 404},
		{provider.ClassQueueFull, 503},
		{provider.ClassQuotaExceeded, 429},
		{provider.ClassNoPlacement, 503},
		{provider.ClassInternal, 500},
	}

	for _, c := range cases {
		rec := httptest.NewRecorder()
		h.respondServiceError(rec, provider.New(c.class, "boom"), "test action")
		if rec.Code != c.want {
			t.Errorf("class %s: status = %d, want %d", c.class, rec.Code, c.want)
		}
	}
}

func TestRespondServiceErrorDefaultsUnknownErrorTo500(t *testing.T) {
	h := &Handler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	rec := httptest.NewRecorder()
	h.respondServiceError(rec, errUnexpected, "test action")
	if rec.Code != 500 {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

var errUnexpected = errBoom("boom")

type errBoom string

func (e errBoom) Error() string { return string(e) }

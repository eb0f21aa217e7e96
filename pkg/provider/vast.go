package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
)

// Vast speaks vast.ai's REST spot marketplace API. Grounded on RunPod's
// adapter structure (same retry/rate-limit/idempotency shape) but over
// plain net/http + encoding/json rather than GraphQL, since vast.ai exposes
// a conventional JSON REST surface.
type Vast struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *LimiterSet
	cfg        ProviderConfig
}

func NewVast(baseURL, apiKey string, cfg ProviderConfig, limiter *LimiterSet) *Vast {
	limiter.Configure("vast", 10, 20)
	return &Vast{
		name:       "vast",
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		limiter:    limiter,
		cfg:        cfg,
	}
}

func (v *Vast) Name() string                     { return v.name }
func (v *Vast) Enabled() bool                     { return v.cfg.Enabled }
func (v *Vast) Priority() int                     { return v.cfg.Priority }
func (v *Vast) MaxHourlyCostUSD() decimal.Decimal { return v.cfg.MaxHourlyCostUSD }

func (v *Vast) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Wrap(ClassInternal, "marshal vast request", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, reader)
	if err != nil {
		return Wrap(ClassInternal, "build vast request", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Wrap(ClassProviderError, "vast request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return New(ClassProviderError, "vast returned "+strconv.Itoa(resp.StatusCode))
	}
	if resp.StatusCode == http.StatusNotFound {
		return New(ClassInsufficientResources, "vast instance not found")
	}
	if resp.StatusCode >= 400 {
		return New(ClassProviderPermanent, "vast returned "+strconv.Itoa(resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Wrap(ClassProviderError, "decode vast response", err)
	}
	return nil
}

type vastOffer struct {
	ID           int64   `json:"id"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	GPURAM       int     `json:"gpu_ram"`
	DPHTotal     float64 `json:"dph_total"`
	GeolocationS string  `json:"geolocation"`
	NumRentable  int     `json:"rentable"`
}

type vastSearchResponse struct {
	Offers []vastOffer `json:"offers"`
}

func (v *Vast) ListGPUOfferings(ctx context.Context) ([]GPUOffering, error) {
	if err := v.limiter.For(v.name).Wait(ctx); err != nil {
		return nil, Wrap(ClassProviderError, "rate limiter wait", err)
	}

	var search vastSearchResponse
	query := map[string]any{
		"rentable": map[string]any{"eq": true},
		"order":    [][2]string{{"dph_total", "asc"}},
	}
	if err := v.doJSON(ctx, http.MethodPut, "/api/v0/bundles/", query, &search); err != nil {
		return nil, err
	}

	offerings := make([]GPUOffering, 0, len(search.Offers))
	for _, o := range search.Offers {
		standard := standardVastGPUName(o.GPUName)
		if standard == "" || o.DPHTotal <= 0 {
			continue
		}
		offerings = append(offerings, GPUOffering{
			GPUType:        standard,
			MemoryGB:       o.GPURAM / 1024,
			HourlyPriceUSD: decimal.NewFromFloat(o.DPHTotal),
			AvailableCount: o.NumRentable,
			Regions:        []string{o.GeolocationS},
		})
	}
	return offerings, nil
}

func standardVastGPUName(vastName string) string {
	switch vastName {
	case "H100_SXM", "H100_PCIE":
		return "H100"
	case "A100_SXM4", "A100_PCIE":
		return "A100"
	case "RTX_4090":
		return "RTX4090"
	case "RTX_3090":
		return "RTX3090"
	default:
		return ""
	}
}

func (v *Vast) EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (decimal.Decimal, error) {
	offerings, err := v.ListGPUOfferings(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, o := range offerings {
		if o.GPUType == gpuType {
			hours := decimal.NewFromInt(int64(runtimeMinutes)).Div(decimal.NewFromInt(60))
			return o.HourlyPriceUSD.Mul(decimal.NewFromInt(int64(gpuCount))).Mul(hours), nil
		}
	}
	return decimal.Zero, New(ClassValidation, string(ReasonUnsupportedGPU))
}

func (v *Vast) ValidateRequirements(ctx context.Context, job JobRequirements, gpuType string, gpuCount int) error {
	if !v.cfg.Enabled {
		return New(ClassValidation, string(ReasonProviderDisabled))
	}
	offerings, err := v.ListGPUOfferings(ctx)
	if err != nil {
		return err
	}
	var matched *GPUOffering
	for i := range offerings {
		if offerings[i].GPUType == gpuType {
			matched = &offerings[i]
			break
		}
	}
	if matched == nil {
		return New(ClassValidation, string(ReasonUnsupportedGPU))
	}
	if matched.AvailableCount < gpuCount {
		return New(ClassValidation, string(ReasonInsufficientAvailability))
	}
	cost, err := v.EstimateCost(ctx, gpuType, gpuCount, job.MaxRuntimeMinutes)
	if err != nil {
		return err
	}
	if job.EstimatedBudget.IsPositive() && cost.GreaterThan(job.EstimatedBudget.Mul(decimal.NewFromFloat(1.5))) {
		return New(ClassValidation, string(ReasonOverBudget))
	}
	return nil
}

type vastCreateResponse struct {
	Success    bool  `json:"success"`
	NewContract int64 `json:"new_contract"`
}

func (v *Vast) CreateInstance(ctx context.Context, job JobRequirements, gpuType string, gpuCount int, opts InstanceOptions, idempotencyToken string) (*ProviderInstance, error) {
	offerings, err := v.ListGPUOfferings(ctx)
	if err != nil {
		return nil, err
	}
	var offerID int64 = -1
	var hourly decimal.Decimal
	for _, o := range offerings {
		if o.GPUType == gpuType && o.AvailableCount >= gpuCount {
			hourly = o.HourlyPriceUSD
			offerID = 1
			break
		}
	}
	if offerID == -1 {
		return nil, New(ClassInsufficientResources, "no matching vast offer")
	}

	body := map[string]any{
		"client_id": idempotencyToken,
		"image":     "pytorch/pytorch:latest",
		"disk":      opts.StorageGB,
		"label":     fmt.Sprintf("gpuorch-%s", idempotencyToken),
	}

	var created vastCreateResponse
	err = retry.Do(
		func() error {
			if err := v.limiter.For(v.name).Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			innerErr := v.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/v0/asks/%d/", offerID), body, &created)
			if innerErr != nil && ClassOf(innerErr) == ClassProviderPermanent {
				return retry.Unrecoverable(innerErr)
			}
			return innerErr
		},
		retry.Attempts(3),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, err
	}
	if !created.Success {
		return nil, New(ClassInsufficientResources, "vast rejected rental")
	}

	return &ProviderInstance{
		ProviderInstanceID: strconv.FormatInt(created.NewContract, 10),
		Status:             InstancePending,
		GPUType:            gpuType,
		GPUCount:           gpuCount,
		StorageGB:          opts.StorageGB,
		HourlyCostUSD:      hourly,
		Region:             opts.Region,
		Preemptible:        true,
		CreatedAt:          time.Now(),
	}, nil
}

func (v *Vast) TerminateInstance(ctx context.Context, providerInstanceID string) (bool, error) {
	if err := v.limiter.For(v.name).Wait(ctx); err != nil {
		return false, Wrap(ClassProviderError, "rate limiter wait", err)
	}
	var out struct {
		Success bool `json:"success"`
	}
	err := v.doJSON(ctx, http.MethodDelete, "/api/v0/instances/"+providerInstanceID+"/", nil, &out)
	if err != nil {
		if ClassOf(err) == ClassInsufficientResources {
			return true, nil // already gone
		}
		return false, err
	}
	return out.Success, nil
}

type vastInstanceResponse struct {
	Instances struct {
		ActualStatus string `json:"actual_status"`
	} `json:"instances"`
}

func (v *Vast) GetInstanceStatus(ctx context.Context, providerInstanceID string) (InstanceStatus, error) {
	if err := v.limiter.For(v.name).Wait(ctx); err != nil {
		return "", Wrap(ClassProviderError, "rate limiter wait", err)
	}
	var out vastInstanceResponse
	if err := v.doJSON(ctx, http.MethodGet, "/api/v0/instances/"+providerInstanceID+"/", nil, &out); err != nil {
		if ClassOf(err) == ClassInsufficientResources {
			return InstanceTerminated, nil
		}
		return "", err
	}
	return mapVastStatus(out.Instances.ActualStatus), nil
}

func mapVastStatus(status string) InstanceStatus {
	switch status {
	case "loading", "created":
		return InstancePending
	case "running":
		return InstanceRunning
	case "exited":
		return InstanceStopped
	case "":
		return InstanceTerminated
	default:
		return InstancePending
	}
}

func (v *Vast) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	offerings, err := v.ListGPUOfferings(ctx)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return HealthStatus{Healthy: false, LatencyMS: latency, Error: err.Error()}, nil
	}
	return HealthStatus{Healthy: true, LatencyMS: latency, OfferingsCount: len(offerings)}, nil
}

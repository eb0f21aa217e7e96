package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Khan/genqlient/graphql"
	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
)

// RunPod speaks RunPod's public GraphQL API (serverless/community GPU
// marketplace). Query functions below are hand-authored in the shape
// genqlient itself generates: a typed request/response pair built around
// graphql.Client.MakeRequest, without running the genqlient code generator.
type RunPod struct {
	name             string
	client           graphql.Client
	httpClient       *http.Client
	limiter          *LimiterSet
	cfg              ProviderConfig
	gpuTypeIDs       map[string]string // standard name -> RunPod gpuTypeId
}

// authTransport injects the bearer API key on every GraphQL request.
type authTransport struct {
	apiKey string
	base   http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.base.RoundTrip(req)
}

// NewRunPod builds the RunPod adapter against endpoint using apiKey, with
// the given ProviderConfig governing enablement, priority and the hourly cost
// ceiling. Its rate limit is fixed at 20 requests per second, burst 40.
func NewRunPod(endpoint, apiKey string, cfg ProviderConfig, limiter *LimiterSet) *RunPod {
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &authTransport{apiKey: apiKey, base: http.DefaultTransport},
	}
	limiter.Configure("runpod", 20, 40)

	return &RunPod{
		name:       "runpod",
		client:     graphql.NewClient(endpoint, httpClient),
		httpClient: httpClient,
		limiter:    limiter,
		cfg:        cfg,
		gpuTypeIDs: map[string]string{
			"A100":    "NVIDIA A100 80GB PCIe",
			"H100":    "NVIDIA H100 80GB HBM3",
			"RTX4090": "NVIDIA GeForce RTX 4090",
			"RTX3090": "NVIDIA GeForce RTX 3090",
		},
	}
}

func (r *RunPod) Name() string                     { return r.name }
func (r *RunPod) Enabled() bool                     { return r.cfg.Enabled }
func (r *RunPod) Priority() int                     { return r.cfg.Priority }
func (r *RunPod) MaxHourlyCostUSD() decimal.Decimal { return r.cfg.MaxHourlyCostUSD }

type gpuTypesResponse struct {
	GpuTypes []struct {
		ID                 string  `json:"id"`
		DisplayName        string  `json:"displayName"`
		MemoryInGb         int     `json:"memoryInGb"`
		CommunityPrice     float64 `json:"communityPrice"`
		CommunitySpotPrice float64 `json:"communitySpotPrice"`
		SecureCloud        bool    `json:"secureCloud"`
	} `json:"gpuTypes"`
}

const listGPUTypesQuery = `query ListGpuTypes {
	gpuTypes {
		id
		displayName
		memoryInGb
		communityPrice
		communitySpotPrice
		secureCloud
	}
}`

// listGPUTypes is the genqlient-shaped query function for fetching RunPod's
// current GPU type catalogue and community pricing.
func listGPUTypes(ctx context.Context, client graphql.Client) (*gpuTypesResponse, error) {
	req := &graphql.Request{OpName: "ListGpuTypes", Query: listGPUTypesQuery}
	var data gpuTypesResponse
	resp := &graphql.Response{Data: &data}
	if err := client.MakeRequest(ctx, req, resp); err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *RunPod) ListGPUOfferings(ctx context.Context) ([]GPUOffering, error) {
	if err := r.limiter.For(r.name).Wait(ctx); err != nil {
		return nil, Wrap(ClassProviderError, "rate limiter wait", err)
	}

	data, err := listGPUTypes(ctx, r.client)
	if err != nil {
		return nil, classifyHTTPError(err)
	}

	offerings := make([]GPUOffering, 0, len(data.GpuTypes))
	for _, gt := range data.GpuTypes {
		standard := standardGPUName(gt.DisplayName)
		if standard == "" || gt.CommunityPrice <= 0 {
			continue
		}
		offering := GPUOffering{
			GPUType:        standard,
			MemoryGB:       gt.MemoryInGb,
			HourlyPriceUSD: decimal.NewFromFloat(gt.CommunityPrice),
			AvailableCount: 1,
			Regions:        []string{"US-CA-1", "US-TX-1"},
		}
		if gt.CommunitySpotPrice > 0 {
			spot := decimal.NewFromFloat(gt.CommunitySpotPrice)
			offering.SpotPriceUSD = &spot
		}
		offerings = append(offerings, offering)
	}

	return offerings, nil
}

func standardGPUName(runpodDisplayName string) string {
	lower := strings.ToLower(runpodDisplayName)
	switch {
	case strings.Contains(lower, "h100"):
		return "H100"
	case strings.Contains(lower, "a100"):
		return "A100"
	case strings.Contains(lower, "rtx 4090"):
		return "RTX4090"
	case strings.Contains(lower, "rtx 3090"):
		return "RTX3090"
	default:
		return ""
	}
}

func (r *RunPod) EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (decimal.Decimal, error) {
	offerings, err := r.ListGPUOfferings(ctx)
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

func (r *RunPod) ValidateRequirements(ctx context.Context, job JobRequirements, gpuType string, gpuCount int) error {
	if !r.cfg.Enabled {
		return New(ClassValidation, string(ReasonProviderDisabled))
	}
	if _, ok := r.gpuTypeIDs[gpuType]; !ok {
		return New(ClassValidation, string(ReasonUnsupportedGPU))
	}
	cost, err := r.EstimateCost(ctx, gpuType, gpuCount, job.MaxRuntimeMinutes)
	if err != nil {
		return err
	}
	if job.EstimatedBudget.IsPositive() && cost.GreaterThan(job.EstimatedBudget.Mul(decimal.NewFromFloat(1.5))) {
		return New(ClassValidation, string(ReasonOverBudget))
	}
	return nil
}

type podRentResponse struct {
	PodRentInterruptable struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"podRentInterruptable"`
}

const rentPodMutation = `mutation RentSpotInstance($input: PodRentInterruptableInput!) {
	podRentInterruptable(input: $input) {
		id
		status
	}
}`

func rentSpotInstance(ctx context.Context, client graphql.Client, gpuTypeID, podName, imageName string, gpuCount int) (*podRentResponse, error) {
	req := &graphql.Request{
		OpName: "RentSpotInstance",
		Query:  rentPodMutation,
		Variables: map[string]any{
			"input": map[string]any{
				"cloudType":         "ALL",
				"gpuCount":          gpuCount,
				"gpuTypeId":         gpuTypeID,
				"name":              podName,
				"imageName":         imageName,
				"volumeInGb":        20,
				"containerDiskInGb": 10,
			},
		},
	}
	var data podRentResponse
	resp := &graphql.Response{Data: &data}
	if err := client.MakeRequest(ctx, req, resp); err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *RunPod) CreateInstance(ctx context.Context, job JobRequirements, gpuType string, gpuCount int, opts InstanceOptions, idempotencyToken string) (*ProviderInstance, error) {
	gpuTypeID, ok := r.gpuTypeIDs[gpuType]
	if !ok {
		return nil, New(ClassValidation, string(ReasonUnsupportedGPU))
	}

	podName := fmt.Sprintf("gpuorch-%s", idempotencyToken)
	image := "runpod/pytorch:2.0-cuda11.8"
	if opts.APIEndpoint != "" {
		image = opts.APIEndpoint
	}

	var resp *podRentResponse
	err := retry.Do(
		func() error {
			if err := r.limiter.For(r.name).Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			var innerErr error
			resp, innerErr = rentSpotInstance(ctx, r.client, gpuTypeID, podName, image, gpuCount)
			if innerErr != nil {
				if isPermanentProviderError(innerErr) {
					return retry.Unrecoverable(innerErr)
				}
				return innerErr
			}
			return nil
		},
		retry.Attempts(3),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		if isPermanentProviderError(err) {
			return nil, Wrap(ClassProviderPermanent, "runpod create_instance", err)
		}
		return nil, Wrap(ClassProviderError, "runpod create_instance", err)
	}

	if resp.PodRentInterruptable.ID == "" {
		return nil, New(ClassInsufficientResources, "runpod returned empty pod id")
	}

	hourlyCost, _ := r.EstimateCost(ctx, gpuType, gpuCount, 60)

	return &ProviderInstance{
		ProviderInstanceID: resp.PodRentInterruptable.ID,
		Status:             mapRunPodStatus(resp.PodRentInterruptable.Status),
		GPUType:            gpuType,
		GPUCount:           gpuCount,
		StorageGB:          opts.StorageGB,
		HourlyCostUSD:      hourlyCost,
		Region:             opts.Region,
		Preemptible:        true,
		Metadata:           map[string]string{"pod_name": podName},
		CreatedAt:          time.Now(),
	}, nil
}

func mapRunPodStatus(podStatus string) InstanceStatus {
	switch strings.ToUpper(podStatus) {
	case "PENDING", "CREATED":
		return InstancePending
	case "RUNNING":
		return InstanceRunning
	case "STOPPED", "EXITED":
		return InstanceStopped
	case "TERMINATED":
		return InstanceTerminated
	case "FAILED":
		return InstanceFailed
	default:
		return InstancePending
	}
}

type podTerminateResponse struct {
	PodTerminate struct {
		ID string `json:"id"`
	} `json:"podTerminate"`
}

const terminatePodMutation = `mutation TerminatePod($input: PodTerminateInput!) {
	podTerminate(input: $input) {
		id
	}
}`

func (r *RunPod) TerminateInstance(ctx context.Context, providerInstanceID string) (bool, error) {
	if err := r.limiter.For(r.name).Wait(ctx); err != nil {
		return false, Wrap(ClassProviderError, "rate limiter wait", err)
	}

	req := &graphql.Request{
		OpName:    "TerminatePod",
		Query:     terminatePodMutation,
		Variables: map[string]any{"input": map[string]any{"podId": providerInstanceID}},
	}
	var data podTerminateResponse
	resp := &graphql.Response{Data: &data}
	if err := r.client.MakeRequest(ctx, req, resp); err != nil {
		return false, classifyHTTPError(err)
	}
	return data.PodTerminate.ID == providerInstanceID, nil
}

type podStatusResponse struct {
	Pod struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"pod"`
}

const getPodQuery = `query GetPod($id: String!) {
	pod(id: $id) {
		id
		status
	}
}`

func (r *RunPod) GetInstanceStatus(ctx context.Context, providerInstanceID string) (InstanceStatus, error) {
	if err := r.limiter.For(r.name).Wait(ctx); err != nil {
		return "", Wrap(ClassProviderError, "rate limiter wait", err)
	}

	req := &graphql.Request{OpName: "GetPod", Query: getPodQuery, Variables: map[string]any{"id": providerInstanceID}}
	var data podStatusResponse
	resp := &graphql.Response{Data: &data}
	if err := r.client.MakeRequest(ctx, req, resp); err != nil {
		return "", classifyHTTPError(err)
	}
	return mapRunPodStatus(data.Pod.Status), nil
}

func (r *RunPod) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	offerings, err := r.ListGPUOfferings(ctx)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return HealthStatus{Healthy: false, LatencyMS: latency, Error: err.Error()}, nil
	}
	return HealthStatus{Healthy: true, LatencyMS: latency, OfferingsCount: len(offerings)}, nil
}

// isPermanentProviderError reports whether a GraphQL error indicates a
// client-side (4xx-equivalent) failure that should never be retried, e.g.
// billing/credit problems reported inline in the GraphQL error message.
func isPermanentProviderError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "credit") ||
		strings.Contains(msg, "billing") ||
		strings.Contains(msg, "insufficient balance") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden")
}

func classifyHTTPError(err error) error {
	if isPermanentProviderError(err) {
		return Wrap(ClassProviderPermanent, "runpod api error", err)
	}
	return Wrap(ClassProviderError, "runpod api error", err)
}

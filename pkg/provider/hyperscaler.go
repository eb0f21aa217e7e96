package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/shopspring/decimal"
)

// gpuInstanceTypes maps a standard GPU name onto the cheapest EC2 instance
// type that carries it, modeled on aws-karpenter-provider-aws's instance
// type / GPU capacity bookkeeping.
var gpuInstanceTypes = map[string]string{
	"A100":    "p4d.24xlarge",
	"H100":    "p5.48xlarge",
	"RTX4090": "g5.xlarge",
	"RTX3090": "g5.2xlarge",
}

// Hyperscaler adapts EC2 on-demand/spot GPU capacity, modeled on
// aws-karpenter-provider-aws's pricing and EC2 client usage: a pricing.Client
// for on-demand rate lookups, an ec2.Client for instance lifecycle, and
// imds for optional region auto-detection at startup.
type Hyperscaler struct {
	name       string
	region     string
	ec2Client  *ec2.Client
	pricing    *pricing.Client
	limiter    *LimiterSet
	cfg        ProviderConfig
	amiID      string
	keyPair    string
}

// NewHyperscaler builds the adapter from an ambient AWS config, resolving
// region via imds when region is empty (matching EC2-hosted controllers).
func NewHyperscaler(ctx context.Context, region string, cfg ProviderConfig, limiter *LimiterSet) (*Hyperscaler, error) {
	if region == "" {
		client := imds.New(imds.Options{})
		if out, err := client.GetRegion(ctx, &imds.GetRegionInput{}); err == nil {
			region = out.Region
		} else {
			region = "us-east-1"
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, Wrap(ClassInternal, "load aws config", err)
	}

	limiter.Configure("hyperscaler", 5, 10)

	return &Hyperscaler{
		name:      "hyperscaler",
		region:    region,
		ec2Client: ec2.NewFromConfig(awsCfg),
		pricing:   pricing.NewFromConfig(awsCfg, func(o *pricing.Options) { o.Region = "us-east-1" }),
		limiter:   limiter,
		cfg:       cfg,
		amiID:     "ami-0c55b159cbfafe1f0",
	}, nil
}

func (h *Hyperscaler) Name() string                     { return h.name }
func (h *Hyperscaler) Enabled() bool                     { return h.cfg.Enabled }
func (h *Hyperscaler) Priority() int                     { return h.cfg.Priority }
func (h *Hyperscaler) MaxHourlyCostUSD() decimal.Decimal { return h.cfg.MaxHourlyCostUSD }

func (h *Hyperscaler) ListGPUOfferings(ctx context.Context) ([]GPUOffering, error) {
	if err := h.limiter.For(h.name).Wait(ctx); err != nil {
		return nil, Wrap(ClassProviderError, "rate limiter wait", err)
	}

	offerings := make([]GPUOffering, 0, len(gpuInstanceTypes))
	for gpuType, instanceType := range gpuInstanceTypes {
		price, err := h.onDemandHourlyPrice(ctx, instanceType)
		if err != nil {
			continue // skip GPU types whose pricing we cannot resolve this tick
		}
		offerings = append(offerings, GPUOffering{
			GPUType:        gpuType,
			HourlyPriceUSD: price,
			AvailableCount: 1,
			Regions:        []string{h.region},
		})
	}
	if len(offerings) == 0 {
		return nil, New(ClassProviderError, "no hyperscaler offerings resolved")
	}
	return offerings, nil
}

// onDemandHourlyPrice queries the AWS Price List API for instanceType's
// on-demand Linux/shared-tenancy rate in the adapter's region.
func (h *Hyperscaler) onDemandHourlyPrice(ctx context.Context, instanceType string) (decimal.Decimal, error) {
	out, err := h.pricing.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("regionCode"), Value: aws.String(h.region)},
		},
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return decimal.Zero, Wrap(ClassProviderError, "aws pricing GetProducts", err)
	}
	if len(out.PriceList) == 0 {
		return decimal.Zero, New(ClassProviderError, "no price list entry for "+instanceType)
	}
	price, ok := extractOnDemandPrice(out.PriceList[0])
	if !ok {
		return decimal.Zero, New(ClassProviderError, "could not parse price list entry")
	}
	return price, nil
}

// extractOnDemandPrice pulls the USD hourly rate out of the Price List
// API's deeply nested JSON document shape, which pricing.GetProducts
// returns as a raw JSON string per entry.
func extractOnDemandPrice(priceListJSON string) (decimal.Decimal, bool) {
	// The Price List payload nests as terms.OnDemand.<sku>.<offer>.priceDimensions.<dim>.pricePerUnit.USD.
	// Rather than unmarshal the whole document, scan for the first USD rate —
	// karpenter's own pricing client does the equivalent flattening step.
	idx := strings.Index(priceListJSON, `"USD":"`)
	if idx == -1 {
		return decimal.Zero, false
	}
	rest := priceListJSON[idx+len(`"USD":"`):]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(rest[:end])
	if err != nil || d.IsZero() {
		return decimal.Zero, false
	}
	return d, true
}

func (h *Hyperscaler) EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (decimal.Decimal, error) {
	offerings, err := h.ListGPUOfferings(ctx)
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

func (h *Hyperscaler) ValidateRequirements(ctx context.Context, job JobRequirements, gpuType string, gpuCount int) error {
	if !h.cfg.Enabled {
		return New(ClassValidation, string(ReasonProviderDisabled))
	}
	if _, ok := gpuInstanceTypes[gpuType]; !ok {
		return New(ClassValidation, string(ReasonUnsupportedGPU))
	}
	if gpuCount > 8 {
		return New(ClassValidation, string(ReasonInsufficientAvailability))
	}
	cost, err := h.EstimateCost(ctx, gpuType, gpuCount, job.MaxRuntimeMinutes)
	if err != nil {
		return err
	}
	if job.EstimatedBudget.IsPositive() && cost.GreaterThan(job.EstimatedBudget.Mul(decimal.NewFromFloat(1.5))) {
		return New(ClassValidation, string(ReasonOverBudget))
	}
	return nil
}

func (h *Hyperscaler) CreateInstance(ctx context.Context, job JobRequirements, gpuType string, gpuCount int, opts InstanceOptions, idempotencyToken string) (*ProviderInstance, error) {
	instanceType, ok := gpuInstanceTypes[gpuType]
	if !ok {
		return nil, New(ClassValidation, string(ReasonUnsupportedGPU))
	}

	if err := h.limiter.For(h.name).Wait(ctx); err != nil {
		return nil, Wrap(ClassProviderError, "rate limiter wait", err)
	}

	marketType := ec2types.MarketTypeSpot
	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(h.amiID),
		InstanceType:      ec2types.InstanceType(instanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		ClientToken:       aws.String(idempotencyToken),
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/xvda"),
				Ebs: &ec2types.EbsBlockDevice{
					VolumeSize: aws.Int32(int32(max(opts.StorageGB, 40))),
					VolumeType: ec2types.VolumeTypeGp3,
				},
			},
		},
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("gpuorch:job-id"), Value: aws.String(job.JobID)},
					{Key: aws.String("Name"), Value: aws.String(fmt.Sprintf("gpuorch-%s", idempotencyToken))},
				},
			},
		},
	}
	if opts.UseSpot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: marketType,
			SpotOptions: &ec2types.SpotMarketOptions{
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	out, err := h.ec2Client.RunInstances(ctx, input)
	if err != nil {
		if isQuotaError(err) {
			return nil, Wrap(ClassInsufficientResources, "aws ec2 RunInstances quota", err)
		}
		return nil, Wrap(ClassProviderError, "aws ec2 RunInstances", err)
	}
	if len(out.Instances) == 0 {
		return nil, New(ClassInsufficientResources, "aws returned no instances")
	}

	inst := out.Instances[0]
	hourly, _ := h.EstimateCost(ctx, gpuType, gpuCount, 60)

	return &ProviderInstance{
		ProviderInstanceID: aws.ToString(inst.InstanceId),
		Status:             mapEC2Status(inst.State.Name),
		GPUType:            gpuType,
		GPUCount:           gpuCount,
		StorageGB:          opts.StorageGB,
		HourlyCostUSD:      hourly,
		Region:             h.region,
		Preemptible:        opts.UseSpot,
		CreatedAt:          time.Now(),
	}, nil
}

func isQuotaError(err error) bool {
	return strings.Contains(err.Error(), "VcpuLimitExceeded") ||
		strings.Contains(err.Error(), "InsufficientInstanceCapacity")
}

func mapEC2Status(state ec2types.InstanceStateName) InstanceStatus {
	switch state {
	case ec2types.InstanceStateNamePending:
		return InstancePending
	case ec2types.InstanceStateNameRunning:
		return InstanceRunning
	case ec2types.InstanceStateNameStopping:
		return InstanceStopping
	case ec2types.InstanceStateNameStopped:
		return InstanceStopped
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
		return InstanceTerminated
	default:
		return InstancePending
	}
}

func (h *Hyperscaler) TerminateInstance(ctx context.Context, providerInstanceID string) (bool, error) {
	if err := h.limiter.For(h.name).Wait(ctx); err != nil {
		return false, Wrap(ClassProviderError, "rate limiter wait", err)
	}
	out, err := h.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{providerInstanceID},
	})
	if err != nil {
		return false, Wrap(ClassProviderError, "aws ec2 TerminateInstances", err)
	}
	return len(out.TerminatingInstances) > 0, nil
}

func (h *Hyperscaler) GetInstanceStatus(ctx context.Context, providerInstanceID string) (InstanceStatus, error) {
	if err := h.limiter.For(h.name).Wait(ctx); err != nil {
		return "", Wrap(ClassProviderError, "rate limiter wait", err)
	}
	out, err := h.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{providerInstanceID},
	})
	if err != nil {
		return "", Wrap(ClassProviderError, "aws ec2 DescribeInstances", err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return InstanceTerminated, nil
	}
	return mapEC2Status(out.Reservations[0].Instances[0].State.Name), nil
}

func (h *Hyperscaler) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	offerings, err := h.ListGPUOfferings(ctx)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return HealthStatus{Healthy: false, LatencyMS: latency, Error: err.Error()}, nil
	}
	return HealthStatus{Healthy: true, LatencyMS: latency, OfferingsCount: len(offerings)}, nil
}

// Package aws provisions the AWS side of a stack: network, EKS, IAM, SQS,
// EventBridge and ECR resources.
package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/hemantobora/clusterboot/internal/config"
	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/models"
)

// Provider implements executor.Provisioner for the AWS node kinds
type Provider struct {
	dc      config.DeploymentContext
	clients Clients
	logger  *zap.Logger

	waitTimeout  time.Duration
	pollInterval time.Duration
}

// ProviderOption is a functional option for provider configuration
type ProviderOption func(*Provider)

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWaitTimeout bounds how long the provider waits for a resource to
// become active or to be deleted
func WithWaitTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.waitTimeout = d }
}

// WithPollInterval sets the delay between status polls
func WithPollInterval(d time.Duration) ProviderOption {
	return func(p *Provider) { p.pollInterval = d }
}

// LoadConfig loads AWS configuration with an optional profile. An explicit
// region wins over the profile's; without either the region defaults to
// us-east-1.
func LoadConfig(ctx context.Context, profile, region string) (aws.Config, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if profile != "" {
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(profile))
	}
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, &models.ProviderError{
			Provider:  "aws",
			Operation: "load-config",
			Resource:  fmt.Sprintf("profile:%s", profile),
			Cause:     fmt.Errorf("failed to load AWS config: %w", err),
		}
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg, nil
}

// NewClients creates one client per service from cfg
func NewClients(cfg aws.Config) Clients {
	return Clients{
		EC2:         ec2.NewFromConfig(cfg),
		EKS:         eks.NewFromConfig(cfg),
		IAM:         iam.NewFromConfig(cfg),
		SQS:         sqs.NewFromConfig(cfg),
		EventBridge: eventbridge.NewFromConfig(cfg),
		ECR:         ecr.NewFromConfig(cfg),
	}
}

// STSClient returns the client used to discover the account id
func STSClient(cfg aws.Config) config.STSClient {
	return sts.NewFromConfig(cfg)
}

// NewProvider creates a provider that acts in the deployment context
func NewProvider(dc config.DeploymentContext, clients Clients, opts ...ProviderOption) *Provider {
	p := &Provider{
		dc:           dc,
		clients:      clients,
		logger:       zap.NewNop(),
		waitTimeout:  30 * time.Minute,
		pollInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handles reports whether kind is provisioned by this provider
func (p *Provider) Handles(kind graph.Kind) bool {
	switch kind {
	case graph.KindNetwork, graph.KindCluster, graph.KindNodeGroup, graph.KindAddon,
		graph.KindAccessEntry, graph.KindServiceIdentity, graph.KindPolicy,
		graph.KindQueue, graph.KindEventRule, graph.KindRegistry:
		return true
	}
	return false
}

func (p *Provider) Apply(ctx context.Context, node graph.Node, outputs executor.OutputReader) (executor.Attributes, error) {
	cfg, err := node.Config.Interpolate(outputs.Lookup)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("applying aws resource", zap.String("node", string(node.ID)), zap.Stringer("kind", node.Kind))

	switch node.Kind {
	case graph.KindNetwork:
		return p.applyNetwork(ctx, cfg)
	case graph.KindCluster:
		return p.applyCluster(ctx, cfg)
	case graph.KindNodeGroup:
		return p.applyNodeGroup(ctx, cfg)
	case graph.KindAddon:
		return p.applyAddon(ctx, cfg)
	case graph.KindAccessEntry:
		return p.applyAccessEntry(ctx, cfg)
	case graph.KindServiceIdentity:
		return p.applyServiceIdentity(ctx, cfg)
	case graph.KindPolicy:
		return p.applyPolicy(ctx, cfg)
	case graph.KindQueue:
		return p.applyQueue(ctx, cfg)
	case graph.KindEventRule:
		return p.applyEventRule(ctx, cfg, outputs)
	case graph.KindRegistry:
		return p.applyRegistry(ctx, cfg)
	}
	return nil, fmt.Errorf("aws provider cannot apply %s node %s", node.Kind, node.ID)
}

func (p *Provider) Delete(ctx context.Context, node graph.Node, outputs executor.OutputReader) error {
	// Outputs of dependencies may be gone after a partial teardown; names
	// needed for deletion are literal in the node config.
	cfg, err := node.Config.Interpolate(outputs.Lookup)
	if err != nil {
		cfg = node.Config.Clone()
	}
	own, _ := outputs.Get(node.ID)
	p.logger.Debug("deleting aws resource", zap.String("node", string(node.ID)), zap.Stringer("kind", node.Kind))

	switch node.Kind {
	case graph.KindNetwork:
		return p.deleteNetwork(ctx, cfg, own)
	case graph.KindCluster:
		return p.deleteCluster(ctx, cfg)
	case graph.KindNodeGroup:
		return p.deleteNodeGroup(ctx, cfg)
	case graph.KindAddon:
		return p.deleteAddon(ctx, cfg)
	case graph.KindAccessEntry:
		return p.deleteAccessEntry(ctx, cfg, own)
	case graph.KindServiceIdentity:
		return p.deleteServiceIdentity(ctx, cfg)
	case graph.KindPolicy:
		return p.deletePolicy(ctx, cfg)
	case graph.KindQueue:
		return p.deleteQueue(ctx, cfg)
	case graph.KindEventRule:
		return p.deleteEventRule(ctx, cfg)
	case graph.KindRegistry:
		return p.deleteRegistry(ctx, cfg)
	}
	return fmt.Errorf("aws provider cannot delete %s node %s", node.Kind, node.ID)
}

// required returns the string at path or an error naming it
func required(cfg *document.Document, path string) (string, error) {
	v := cfg.String(path)
	if v == "" {
		return "", fmt.Errorf("missing required setting %q", path)
	}
	return v, nil
}

// intOr returns the integer at path or def
func intOr(cfg *document.Document, path string, def int) int {
	if v, ok := cfg.Int(path); ok {
		return v
	}
	return def
}

// list reads a setting that is either a sequence or a comma separated
// string, the form list outputs are recorded in.
func list(cfg *document.Document, path string) []string {
	if items := cfg.Strings(path); items != nil {
		var out []string
		for _, item := range items {
			out = append(out, splitList(item)...)
		}
		return out
	}
	return splitList(cfg.String(path))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

// tags merges the deployment tags with the node's own
func (p *Provider) tags(cfg *document.Document) map[string]string {
	out := make(map[string]string, len(p.dc.Tags))
	for k, v := range p.dc.Tags {
		out[k] = v
	}
	for k, v := range cfg.StringMap("tags") {
		out[k] = v
	}
	return out
}

func (p *Provider) managedPolicyARN(name string) string {
	if strings.HasPrefix(name, "arn:") {
		return name
	}
	return fmt.Sprintf("arn:%s:iam::aws:policy/%s", p.dc.Partition(), name)
}

package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"

	awscloud "github.com/hemantobora/clusterboot/internal/cloud/aws"
	"github.com/hemantobora/clusterboot/internal/config"
	"github.com/hemantobora/clusterboot/internal/kube"
	"github.com/hemantobora/clusterboot/internal/stack"
	"github.com/hemantobora/clusterboot/internal/state"
)

// Session is everything one command needs to act on a stack
type Session struct {
	Context     config.DeploymentContext
	AWS         aws.Config
	Provisioner *Dispatcher
	Store       state.Store
}

// Factory creates sessions from command line options
type Factory struct {
	opts factoryOptions
}

type factoryOptions struct {
	profile     string
	region      string
	kubeconfig  string
	kubeContext string
	stateBucket string
	helm        kube.HelmSettings
	logger      *zap.Logger
}

// Option is a functional option for factory configuration
type Option func(*factoryOptions)

// WithProfile specifies the AWS profile to use
func WithProfile(profile string) Option {
	return func(o *factoryOptions) { o.profile = profile }
}

// WithRegion overrides the region from the profile and the stack file
func WithRegion(region string) Option {
	return func(o *factoryOptions) { o.region = region }
}

// WithKubeconfig connects to the cluster through a kubeconfig instead of
// the cluster node's outputs
func WithKubeconfig(path, kubeContext string) Option {
	return func(o *factoryOptions) {
		o.kubeconfig = path
		o.kubeContext = kubeContext
	}
}

// WithStateBucket keeps run state in the named S3 bucket
func WithStateBucket(bucket string) Option {
	return func(o *factoryOptions) { o.stateBucket = bucket }
}

// WithHelmSettings sets where chart repositories are cached
func WithHelmSettings(settings kube.HelmSettings) Option {
	return func(o *factoryOptions) { o.helm = settings }
}

// WithLogger sets the logger handed to every provider
func WithLogger(logger *zap.Logger) Option {
	return func(o *factoryOptions) { o.logger = logger }
}

// NewFactory creates a factory
func NewFactory(options ...Option) *Factory {
	opts := factoryOptions{logger: zap.NewNop()}
	for _, opt := range options {
		opt(&opts)
	}
	return &Factory{opts: opts}
}

// AWSConfig loads AWS configuration for the stack's region
func (f *Factory) AWSConfig(ctx context.Context, st *config.Stack) (aws.Config, error) {
	region := f.opts.region
	if region == "" {
		region = st.Region
	}
	return awscloud.LoadConfig(ctx, f.opts.profile, region)
}

// DeploymentContext resolves the account and region the stack deploys
// into. The account is only looked up when the stack file does not pin it.
func (f *Factory) DeploymentContext(ctx context.Context, st *config.Stack) (config.DeploymentContext, aws.Config, error) {
	cfg, err := f.AWSConfig(ctx, st)
	if err != nil {
		return config.DeploymentContext{}, aws.Config{}, err
	}
	dc, err := config.ResolveContext(ctx, st, cfg.Region, awscloud.STSClient(cfg))
	if err != nil {
		return config.DeploymentContext{}, aws.Config{}, err
	}
	return dc, cfg, nil
}

// Session resolves the deployment context, opens the state store and wires
// the AWS and Kubernetes providers behind one dispatcher
func (f *Factory) Session(ctx context.Context, st *config.Stack) (*Session, error) {
	// Step 1: Resolve account and region
	dc, awsCfg, err := f.DeploymentContext(ctx, st)
	if err != nil {
		return nil, err
	}

	// Step 2: Open the state store
	if f.opts.stateBucket != "" {
		st.State.Backend = "s3"
		st.State.Bucket = f.opts.stateBucket
	}
	store, err := state.StoreForStack(ctx, st, dc, awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	// Step 3: Wire providers
	logger := f.opts.logger
	awsProvider := awscloud.NewProvider(dc, awscloud.NewClients(awsCfg),
		awscloud.WithLogger(logger.Named("aws")))

	kubeconfig, kubeContext := f.opts.kubeconfig, f.opts.kubeContext
	if kubeconfig == "" {
		kubeconfig = st.ResolvePath(st.Kubernetes.Kubeconfig)
		kubeContext = st.Kubernetes.Context
	}
	connector := kube.NewConnector(kube.ConnectOptions{
		Kubeconfig:  kubeconfig,
		Context:     kubeContext,
		ClusterNode: stack.NodeCluster,
		Tokens:      kube.NewSTSTokenSource(awsCfg),
		Helm:        f.opts.helm,
		Logger:      logger.Named("kube"),
	})
	kubeProvider := kube.NewProvider(connector, kube.WithLogger(logger.Named("kube")))

	dispatcher := NewDispatcher().
		Register(ProviderAWS, awsProvider).
		Register(ProviderKubernetes, kubeProvider)

	return &Session{
		Context:     dc,
		AWS:         awsCfg,
		Provisioner: dispatcher,
		Store:       store,
	}, nil
}

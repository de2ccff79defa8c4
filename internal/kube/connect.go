package kube

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/cli-runtime/pkg/genericclioptions"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/models"
)

// Session is an open connection to one cluster.
type Session struct {
	Clientset kubernetes.Interface
	Releases  Releaser
}

// Connector opens a session. The cluster is located either by a
// kubeconfig or by the recorded outputs of the cluster node.
type Connector func(ctx context.Context, outputs executor.OutputReader) (*Session, error)

// TokenSource issues bearer tokens for an EKS cluster.
type TokenSource interface {
	Token(ctx context.Context, cluster string) (string, error)
}

// ClientConfigFunc returns client configuration with namespace as the
// default namespace.
type ClientConfigFunc func(namespace string) clientcmd.ClientConfig

// ConnectOptions configures NewConnector.
type ConnectOptions struct {
	// Kubeconfig and Context select a cluster from a kubeconfig file. When
	// Kubeconfig is empty the cluster node's outputs are used instead.
	Kubeconfig string
	Context    string

	ClusterNode graph.NodeID
	Tokens      TokenSource
	Helm        HelmSettings
	Logger      *zap.Logger
}

// NewConnector returns a Connector backed by client-go and Helm.
func NewConnector(opts ConnectOptions) Connector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, outputs executor.OutputReader) (*Session, error) {
		configFor, err := clientConfigFunc(ctx, opts, outputs)
		if err != nil {
			return nil, err
		}
		restConfig, err := configFor("").ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes client config: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		logger.Debug("connected to cluster", zap.String("host", restConfig.Host))
		return &Session{
			Clientset: clientset,
			Releases:  NewHelmReleaser(configFor, opts.Helm, logger),
		}, nil
	}
}

func clientConfigFunc(ctx context.Context, opts ConnectOptions, outputs executor.OutputReader) (ClientConfigFunc, error) {
	if opts.Kubeconfig != "" {
		return FromKubeconfig(opts.Kubeconfig, opts.Context), nil
	}

	attrs, ok := outputs.Get(opts.ClusterNode)
	if !ok || attrs["endpoint"] == "" {
		return nil, &models.PreconditionError{
			Resource:    "kubernetes",
			Requirement: fmt.Sprintf("cluster node %s must be applied or --kubeconfig given", opts.ClusterNode),
		}
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("no token source for cluster %s", attrs["name"])
	}
	ca, err := base64.StdEncoding.DecodeString(attrs["certificate_authority"])
	if err != nil {
		return nil, fmt.Errorf("invalid certificate authority for cluster %s: %w", attrs["name"], err)
	}
	token, err := opts.Tokens.Token(ctx, attrs["name"])
	if err != nil {
		return nil, fmt.Errorf("failed to get token for cluster %s: %w", attrs["name"], err)
	}
	return FromCluster(attrs["name"], attrs["endpoint"], ca, token), nil
}

// FromKubeconfig loads client configuration from a kubeconfig file.
func FromKubeconfig(path, kubeContext string) ClientConfigFunc {
	return func(namespace string) clientcmd.ClientConfig {
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: path},
			&clientcmd.ConfigOverrides{
				CurrentContext: kubeContext,
				Context:        clientcmdapi.Context{Namespace: namespace},
			})
	}
}

// FromCluster builds an in-memory kubeconfig for an EKS endpoint.
func FromCluster(name, endpoint string, caData []byte, token string) ClientConfigFunc {
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[name] = &clientcmdapi.Cluster{
		Server:                   endpoint,
		CertificateAuthorityData: caData,
	}
	cfg.AuthInfos[name] = &clientcmdapi.AuthInfo{Token: token}
	cfg.Contexts[name] = &clientcmdapi.Context{Cluster: name, AuthInfo: name}
	cfg.CurrentContext = name

	return func(namespace string) clientcmd.ClientConfig {
		return clientcmd.NewDefaultClientConfig(*cfg, &clientcmd.ConfigOverrides{
			Context: clientcmdapi.Context{Namespace: namespace},
		})
	}
}

// restGetter adapts a ClientConfig to the RESTClientGetter Helm needs.
type restGetter struct {
	config clientcmd.ClientConfig
}

var _ genericclioptions.RESTClientGetter = (*restGetter)(nil)

func (g *restGetter) ToRESTConfig() (*rest.Config, error) {
	return g.config.ClientConfig()
}

func (g *restGetter) ToDiscoveryClient() (discovery.CachedDiscoveryInterface, error) {
	cfg, err := g.ToRESTConfig()
	if err != nil {
		return nil, err
	}
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return memory.NewMemCacheClient(dc), nil
}

func (g *restGetter) ToRESTMapper() (meta.RESTMapper, error) {
	dc, err := g.ToDiscoveryClient()
	if err != nil {
		return nil, err
	}
	return restmapper.NewDeferredDiscoveryRESTMapper(dc), nil
}

func (g *restGetter) ToRawKubeConfigLoader() clientcmd.ClientConfig {
	return g.config
}

const (
	clusterIDHeader = "x-k8s-aws-id"
	tokenPrefix     = "k8s-aws-v1."
)

// STSTokenSource issues EKS tokens from a presigned STS
// GetCallerIdentity request, the same token `aws eks get-token` prints.
type STSTokenSource struct {
	client *sts.Client
}

func NewSTSTokenSource(cfg aws.Config) *STSTokenSource {
	return &STSTokenSource{client: sts.NewFromConfig(cfg)}
}

func (s *STSTokenSource) Token(ctx context.Context, cluster string) (string, error) {
	presigner := sts.NewPresignClient(s.client)
	req, err := presigner.PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions, func(opts *sts.Options) {
			opts.APIOptions = append(opts.APIOptions,
				smithyhttp.AddHeaderValue(clusterIDHeader, cluster),
				smithyhttp.AddHeaderValue("X-Amz-Expires", "60"))
		})
	})
	if err != nil {
		return "", err
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(req.URL)), nil
}

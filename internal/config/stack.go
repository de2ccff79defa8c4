package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/hemantobora/clusterboot/internal/models"
)

// Stack is the declarative description of one cluster bootstrap.
type Stack struct {
	Name        string            `yaml:"name"`
	Account     string            `yaml:"account,omitempty"`
	Region      string            `yaml:"region,omitempty"`
	Environment string            `yaml:"environment,omitempty"`
	Tags        map[string]string `yaml:"tags,omitempty"`

	Network    NetworkConfig    `yaml:"network"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	NodeGroups []NodeGroup      `yaml:"nodeGroups"`
	Addons     []Addon          `yaml:"addons"`
	Karpenter  KarpenterConfig  `yaml:"karpenter"`
	ArgoCD     ArgoCDConfig     `yaml:"argocd"`
	Registries []Registry       `yaml:"registries"`
	State      StateConfig      `yaml:"state"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`

	// dir is where the stack file lives; values files resolve against it.
	dir string
}

type NetworkConfig struct {
	CIDR        string `yaml:"cidr"`
	MaxAZs      int    `yaml:"maxAzs"`
	SubnetMask  int    `yaml:"subnetMask"`
	NATGateways int    `yaml:"natGateways"`
}

type ClusterConfig struct {
	Name               string         `yaml:"name"`
	Version            string         `yaml:"version"`
	AuthenticationMode string         `yaml:"authenticationMode"`
	PublicSubnets      bool           `yaml:"publicSubnets"`
	ALBController      ALBController  `yaml:"albController"`
	AdminRole          string         `yaml:"adminRole,omitempty"`
	Access             []AccessConfig `yaml:"access"`
}

type ALBController struct {
	Enabled bool   `yaml:"enabled"`
	Version string `yaml:"version"`
}

// AccessConfig grants a principal an EKS access policy. An empty
// PrincipalARN means the cluster admin role created by the stack.
type AccessConfig struct {
	Name         string   `yaml:"name"`
	PrincipalARN string   `yaml:"principalArn,omitempty"`
	Policy       string   `yaml:"policy"`
	Namespaces   []string `yaml:"namespaces,omitempty"`
}

type NodeGroup struct {
	Name          string            `yaml:"name"`
	InstanceTypes []string          `yaml:"instanceTypes"`
	CapacityType  string            `yaml:"capacityType"`
	AMIType       string            `yaml:"amiType"`
	MinSize       int               `yaml:"minSize"`
	MaxSize       int               `yaml:"maxSize"`
	DesiredSize   int               `yaml:"desiredSize"`
	DiskSize      int               `yaml:"diskSize"`
	Labels        map[string]string `yaml:"labels,omitempty"`
}

type Addon struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
}

type KarpenterConfig struct {
	Enabled                bool        `yaml:"enabled"`
	Namespace              string      `yaml:"namespace"`
	ServiceAccount         string      `yaml:"serviceAccount"`
	Chart                  ChartConfig `yaml:"chart"`
	DefaultInstanceProfile string      `yaml:"defaultInstanceProfile"`
	Queue                  QueueConfig `yaml:"queue"`
}

type QueueConfig struct {
	Name                     string `yaml:"name"`
	VisibilityTimeoutSeconds int    `yaml:"visibilityTimeoutSeconds"`
	RetentionSeconds         int    `yaml:"retentionSeconds"`
}

type ArgoCDConfig struct {
	Enabled      bool               `yaml:"enabled"`
	Namespace    string             `yaml:"namespace"`
	Chart        ChartConfig        `yaml:"chart"`
	ImageUpdater ImageUpdaterConfig `yaml:"imageUpdater"`
}

type ImageUpdaterConfig struct {
	Enabled        bool        `yaml:"enabled"`
	ServiceAccount string      `yaml:"serviceAccount"`
	Chart          ChartConfig `yaml:"chart"`
}

// ChartConfig locates a Helm chart and its values file.
type ChartConfig struct {
	Name       string `yaml:"name"`
	Repository string `yaml:"repository"`
	Version    string `yaml:"version,omitempty"`
	ValuesFile string `yaml:"valuesFile,omitempty"`
}

type Registry struct {
	Name          string `yaml:"name"`
	ImmutableTags bool   `yaml:"immutableTags"`
	ScanOnPush    bool   `yaml:"scanOnPush"`
}

// StateConfig selects where run state is kept.
type StateConfig struct {
	Backend string `yaml:"backend"` // "file" or "s3"
	Path    string `yaml:"path,omitempty"`
	Bucket  string `yaml:"bucket,omitempty"`
}

type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
	Context    string `yaml:"context,omitempty"`
}

// Default returns the stack the tool bootstraps when no file is given.
func Default() *Stack {
	return &Stack{
		Name:        "my-eks-cluster",
		Environment: "test",
		Tags: map[string]string{
			"Project":     "EKS",
			"Owner":       "Roger",
			"Environment": "Test",
		},
		Network: NetworkConfig{CIDR: "10.190.0.0/16", MaxAZs: 3, SubnetMask: 24, NATGateways: 1},
		Cluster: ClusterConfig{
			Name:               "my-eks-cluster",
			Version:            "1.32",
			AuthenticationMode: "API_AND_CONFIG_MAP",
			PublicSubnets:      true,
			ALBController:      ALBController{Enabled: true, Version: "v2.8.2"},
			AdminRole:          "my-eks-cluster-admin",
			Access: []AccessConfig{
				{Name: "admin-role", Policy: "AmazonEKSAdminPolicy", Namespaces: []string{"karpenter"}},
				{Name: "admin-cluster", Policy: "AmazonEKSClusterAdminPolicy"},
			},
		},
		NodeGroups: []NodeGroup{{
			Name:          "prefix-ng-spot",
			InstanceTypes: []string{"m5.large", "t3.small", "t3a.small"},
			CapacityType:  "SPOT",
			AMIType:       "AL2023_x86_64_STANDARD",
			MinSize:       2,
			DiskSize:      20,
			Labels:        map[string]string{"role": "prefix-ng-spot"},
		}},
		Addons: []Addon{
			{Name: "aws-ebs-csi-driver", Version: "v1.40.0-eksbuild.1"},
			{Name: "eks-pod-identity-agent"},
		},
		Karpenter: KarpenterConfig{
			Enabled:                true,
			Namespace:              "karpenter",
			ServiceAccount:         "karpenter",
			Chart:                  ChartConfig{Name: "karpenter", Repository: "https://charts.karpenter.sh"},
			DefaultInstanceProfile: "karpenter-node-instance-profile",
			Queue:                  QueueConfig{Name: "interruption-queue", VisibilityTimeoutSeconds: 300, RetentionSeconds: 300},
		},
		ArgoCD: ArgoCDConfig{
			Enabled:   true,
			Namespace: "argocd",
			Chart:     ChartConfig{Name: "argo-cd", Repository: "https://argoproj.github.io/argo-helm"},
			ImageUpdater: ImageUpdaterConfig{
				Enabled:        true,
				ServiceAccount: "argocd-image-updater",
				Chart:          ChartConfig{Name: "argocd-image-updater", Repository: "https://argoproj.github.io/argo-helm"},
			},
		},
		Registries: []Registry{
			{Name: "payments", ImmutableTags: true},
			{Name: "users", ImmutableTags: true},
		},
		State: StateConfig{Backend: "file", Path: ".clusterboot/state.json"},
	}
}

// Load reads a stack file. Fields absent from the file keep their defaults.
func Load(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack file: %w", err)
	}

	stack := Default()
	if err := yaml.Unmarshal(data, stack); err != nil {
		return nil, fmt.Errorf("failed to parse stack file %s: %w", path, err)
	}
	stack.dir = filepath.Dir(path)

	if err := stack.Validate(); err != nil {
		return nil, err
	}
	return stack, nil
}

// ResolvePath resolves a path from the stack file relative to its directory.
func (s *Stack) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || s.dir == "" {
		return p
	}
	return filepath.Join(s.dir, p)
}

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	clusterPattern = regexp.MustCompile(`^[0-9A-Za-z][A-Za-z0-9\-_]*$`)
	accountPattern = regexp.MustCompile(`^[0-9]{12}$`)
)

// Validate checks the stack for values that would fail before any API
// call is worth making.
func (s *Stack) Validate() error {
	if !namePattern.MatchString(s.Name) {
		return &models.ValidationError{Field: "name", Message: fmt.Sprintf("%q must be lowercase letters, numbers and hyphens", s.Name)}
	}
	if s.Account != "" && !accountPattern.MatchString(s.Account) {
		return &models.ValidationError{Field: "account", Message: "must be a 12 digit account id"}
	}

	_, ipnet, err := net.ParseCIDR(s.Network.CIDR)
	if err != nil {
		return &models.ValidationError{Field: "network.cidr", Message: err.Error()}
	}
	prefix, _ := ipnet.Mask.Size()
	if s.Network.SubnetMask <= prefix || s.Network.SubnetMask > 28 {
		return &models.ValidationError{Field: "network.subnetMask", Message: fmt.Sprintf("must be between /%d and /28", prefix+1)}
	}
	if s.Network.MaxAZs < 1 {
		return &models.ValidationError{Field: "network.maxAzs", Message: "at least one availability zone is required"}
	}
	if needed := 2 * s.Network.MaxAZs; needed > 1<<(s.Network.SubnetMask-prefix) {
		return &models.ValidationError{Field: "network.subnetMask", Message: fmt.Sprintf("%s cannot hold %d subnets of /%d", s.Network.CIDR, needed, s.Network.SubnetMask)}
	}
	if s.Network.NATGateways < 0 || s.Network.NATGateways > s.Network.MaxAZs {
		return &models.ValidationError{Field: "network.natGateways", Message: "must be between 0 and maxAzs"}
	}

	if !clusterPattern.MatchString(s.Cluster.Name) || len(s.Cluster.Name) > 100 {
		return &models.ValidationError{Field: "cluster.name", Message: fmt.Sprintf("%q is not a valid EKS cluster name", s.Cluster.Name)}
	}
	if s.Cluster.Version == "" {
		return &models.ValidationError{Field: "cluster.version", Message: "kubernetes version is required"}
	}
	switch s.Cluster.AuthenticationMode {
	case "API", "API_AND_CONFIG_MAP", "CONFIG_MAP":
	default:
		return &models.ValidationError{Field: "cluster.authenticationMode", Message: fmt.Sprintf("unknown mode %q", s.Cluster.AuthenticationMode)}
	}
	seen := map[string]struct{}{}
	for i, a := range s.Cluster.Access {
		field := fmt.Sprintf("cluster.access[%d]", i)
		if !namePattern.MatchString(a.Name) {
			return &models.ValidationError{Field: field + ".name", Message: fmt.Sprintf("%q is not a valid name", a.Name)}
		}
		if _, dup := seen[a.Name]; dup {
			return &models.ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate access entry %q", a.Name)}
		}
		seen[a.Name] = struct{}{}
		if a.Policy == "" {
			return &models.ValidationError{Field: field + ".policy", Message: "access policy is required"}
		}
		if a.PrincipalARN == "" && s.Cluster.AdminRole == "" {
			return &models.ValidationError{Field: field + ".principalArn", Message: "required when cluster.adminRole is empty"}
		}
	}

	for i, ng := range s.NodeGroups {
		field := fmt.Sprintf("nodeGroups[%d]", i)
		if !namePattern.MatchString(ng.Name) {
			return &models.ValidationError{Field: field + ".name", Message: fmt.Sprintf("%q is not a valid name", ng.Name)}
		}
		if len(ng.InstanceTypes) == 0 {
			return &models.ValidationError{Field: field + ".instanceTypes", Message: "at least one instance type is required"}
		}
		if ng.MinSize < 0 || (ng.MaxSize != 0 && ng.MaxSize < ng.MinSize) {
			return &models.ValidationError{Field: field, Message: "maxSize must be at least minSize"}
		}
		switch ng.CapacityType {
		case "", "ON_DEMAND", "SPOT":
		default:
			return &models.ValidationError{Field: field + ".capacityType", Message: fmt.Sprintf("unknown capacity type %q", ng.CapacityType)}
		}
	}

	for i, a := range s.Addons {
		if a.Name == "" {
			return &models.ValidationError{Field: fmt.Sprintf("addons[%d].name", i), Message: "addon name is required"}
		}
	}

	if s.Karpenter.Enabled {
		if !namePattern.MatchString(s.Karpenter.Namespace) {
			return &models.ValidationError{Field: "karpenter.namespace", Message: fmt.Sprintf("%q is not a valid namespace", s.Karpenter.Namespace)}
		}
		if s.Karpenter.ServiceAccount == "" {
			return &models.ValidationError{Field: "karpenter.serviceAccount", Message: "service account name is required"}
		}
		q := s.Karpenter.Queue
		if q.Name == "" {
			return &models.ValidationError{Field: "karpenter.queue.name", Message: "queue name is required"}
		}
		if q.VisibilityTimeoutSeconds < 0 || q.VisibilityTimeoutSeconds > 43200 {
			return &models.ValidationError{Field: "karpenter.queue.visibilityTimeoutSeconds", Message: "must be between 0 and 43200"}
		}
		if q.RetentionSeconds < 60 || q.RetentionSeconds > 1209600 {
			return &models.ValidationError{Field: "karpenter.queue.retentionSeconds", Message: "must be between 60 and 1209600"}
		}
		if err := validateChart("karpenter.chart", s.Karpenter.Chart); err != nil {
			return err
		}
	}

	if s.ArgoCD.Enabled {
		if !namePattern.MatchString(s.ArgoCD.Namespace) {
			return &models.ValidationError{Field: "argocd.namespace", Message: fmt.Sprintf("%q is not a valid namespace", s.ArgoCD.Namespace)}
		}
		if err := validateChart("argocd.chart", s.ArgoCD.Chart); err != nil {
			return err
		}
		if s.ArgoCD.ImageUpdater.Enabled {
			if s.ArgoCD.ImageUpdater.ServiceAccount == "" {
				return &models.ValidationError{Field: "argocd.imageUpdater.serviceAccount", Message: "service account name is required"}
			}
			if err := validateChart("argocd.imageUpdater.chart", s.ArgoCD.ImageUpdater.Chart); err != nil {
				return err
			}
		}
	} else if s.ArgoCD.ImageUpdater.Enabled {
		return &models.ValidationError{Field: "argocd.imageUpdater.enabled", Message: "the image updater requires argocd"}
	}

	for i, r := range s.Registries {
		if !namePattern.MatchString(r.Name) {
			return &models.ValidationError{Field: fmt.Sprintf("registries[%d].name", i), Message: fmt.Sprintf("%q is not a valid repository name", r.Name)}
		}
	}

	switch s.State.Backend {
	case "", "file", "s3":
	default:
		return &models.ValidationError{Field: "state.backend", Message: fmt.Sprintf("unknown backend %q", s.State.Backend)}
	}
	return nil
}

func validateChart(field string, c ChartConfig) error {
	if c.Name == "" {
		return &models.ValidationError{Field: field + ".name", Message: "chart name is required"}
	}
	if c.Repository == "" {
		return &models.ValidationError{Field: field + ".repository", Message: "chart repository is required"}
	}
	return nil
}

// Package stack declares the resource graph of one EKS bootstrap from a
// stack file: network, cluster, capacity, access, Karpenter with its
// interruption queue, ArgoCD with the image updater, and registries.
package stack

import (
	"fmt"
	"os"

	"github.com/hemantobora/clusterboot/internal/config"
	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/events"
	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/models"
	"github.com/hemantobora/clusterboot/internal/planner"
	"github.com/hemantobora/clusterboot/internal/policy"
)

// Fixed node ids. Per-item nodes (node groups, addons, access entries,
// registries) are prefixed with the item kind.
const (
	NodeNetwork            graph.NodeID = "network"
	NodeCluster            graph.NodeID = "cluster"
	NodeKarpenterNamespace graph.NodeID = "karpenter-namespace"
	NodeKarpenterIdentity  graph.NodeID = "karpenter-identity"
	NodeKarpenterPolicy    graph.NodeID = "karpenter-policy"
	NodeInterruptionQueue  graph.NodeID = "interruption-queue"
	NodeKarpenterChart     graph.NodeID = "karpenter-chart"
	NodeArgoCDChart        graph.NodeID = "argocd-chart"
	NodeImageUpdaterIdent  graph.NodeID = "image-updater-identity"
	NodeImageUpdaterChart  graph.NodeID = "image-updater-chart"
	NodeALBIdentity        graph.NodeID = "alb-controller-identity"
	NodeALBChart           graph.NodeID = "alb-controller-chart"
)

const (
	podIdentityAddon = "eks-pod-identity-agent"

	albChartRepository = "https://aws.github.io/eks-charts"
	albChartName       = "aws-load-balancer-controller"
	albNamespace       = "kube-system"
)

// NodeGroupID returns the node id of a managed node group.
func NodeGroupID(name string) graph.NodeID { return graph.NodeID("nodegroup-" + name) }

// AddonID returns the node id of a cluster addon.
func AddonID(name string) graph.NodeID { return graph.NodeID("addon-" + name) }

// AccessID returns the node id of an access entry.
func AccessID(name string) graph.NodeID { return graph.NodeID("access-" + name) }

// RegistryID returns the node id of a container registry.
func RegistryID(name string) graph.NodeID { return graph.NodeID("registry-" + name) }

// Stack is a declared and planned bootstrap.
type Stack struct {
	Config  *config.Stack
	Context config.DeploymentContext

	Graph  *graph.Graph
	Plan   *planner.Plan
	Routes *events.Table

	// Policies holds every composed permission document by the node that
	// attaches it.
	Policies map[graph.NodeID]*policy.Document

	outputs []OutputSpec
}

// Build declares the graph for cfg in dc, composes its policies and plans
// it. Nothing here talks to a provider; every structural error surfaces
// before the first apply.
func Build(dc config.DeploymentContext, cfg *config.Stack) (*Stack, error) {
	if err := dc.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &builder{
		cfg: cfg,
		dc:  dc,
		s: &Stack{
			Config:   cfg,
			Context:  dc,
			Graph:    graph.New(),
			Routes:   events.NewTable(),
			Policies: map[graph.NodeID]*policy.Document{},
		},
	}

	b.network()
	b.cluster()
	b.capacity()
	b.addons()
	b.access()
	b.albController()
	b.karpenter()
	b.argocd()
	b.registries()
	if b.err != nil {
		return nil, b.err
	}

	plan, err := planner.Build(b.s.Graph.View())
	if err != nil {
		return nil, err
	}
	b.s.Plan = plan
	return b.s, nil
}

// RoleName returns the IAM role name the stack gives a component.
func RoleName(cfg *config.Stack, component string) string {
	return cfg.Cluster.Name + "-" + component
}

type setting struct {
	path  string
	value interface{}
	skip  bool
}

func set(path string, value interface{}) setting {
	return setting{path: path, value: value}
}

// setIf drops empty strings and zero numbers.
func setIf(path string, value interface{}) setting {
	s := set(path, value)
	switch v := value.(type) {
	case string:
		s.skip = v == ""
	case int:
		s.skip = v == 0
	case []string:
		s.skip = len(v) == 0
	case map[string]string:
		s.skip = len(v) == 0
	}
	return s
}

// builder records the first error and turns every later call into a no-op.
type builder struct {
	cfg *config.Stack
	dc  config.DeploymentContext
	s   *Stack
	err error

	nodeGroups []graph.NodeID
	identities []graph.NodeID
}

func (b *builder) declare(id graph.NodeID, kind graph.Kind, settings ...setting) *document.Document {
	if b.err != nil {
		return nil
	}
	doc := document.New()
	for _, s := range settings {
		if s.skip {
			continue
		}
		if err := doc.Set(s.path, s.value); err != nil {
			b.err = fmt.Errorf("node %s: %w", id, err)
			return nil
		}
	}
	if _, err := b.s.Graph.AddNode(id, kind, doc); err != nil {
		b.err = err
		return nil
	}
	return doc
}

func (b *builder) dependsOn(id graph.NodeID, deps ...graph.NodeID) {
	if b.err != nil {
		return
	}
	if err := b.s.Graph.DependsOn(id, deps...); err != nil {
		b.err = err
	}
}

func (b *builder) output(name, description string, node graph.NodeID, attribute string) {
	b.s.outputs = append(b.s.outputs, OutputSpec{Name: name, Description: description, Node: node, Attribute: attribute})
}

func ref(id graph.NodeID, attribute string) string {
	return fmt.Sprintf("${%s.%s}", id, attribute)
}

func (b *builder) network() {
	n := b.cfg.Network
	b.declare(NodeNetwork, graph.KindNetwork,
		set("name", b.cfg.Cluster.Name+"-vpc"),
		set("cidr", n.CIDR),
		set("max_azs", n.MaxAZs),
		set("subnet_mask", n.SubnetMask),
		set("nat_gateways", n.NATGateways),
		set("cluster_name", b.cfg.Cluster.Name),
	)
}

func (b *builder) cluster() {
	c := b.cfg.Cluster
	subnets := ref(NodeNetwork, "private_subnet_ids")
	if c.PublicSubnets {
		subnets = ref(NodeNetwork, "public_subnet_ids")
	}
	b.declare(NodeCluster, graph.KindCluster,
		set("name", c.Name),
		setIf("version", c.Version),
		setIf("authentication_mode", c.AuthenticationMode),
		set("subnet_ids", subnets),
		set("role_name", RoleName(b.cfg, "cluster-role")),
	)
	b.dependsOn(NodeCluster, NodeNetwork)

	b.output("cluster-name", "EKS cluster name", NodeCluster, "name")
	b.output("cluster-endpoint", "Kubernetes API endpoint", NodeCluster, "endpoint")
}

func (b *builder) capacity() {
	for _, ng := range b.cfg.NodeGroups {
		id := NodeGroupID(ng.Name)
		b.declare(id, graph.KindNodeGroup,
			set("cluster_name", b.cfg.Cluster.Name),
			set("name", ng.Name),
			set("instance_types", ng.InstanceTypes),
			setIf("capacity_type", ng.CapacityType),
			setIf("ami_type", ng.AMIType),
			set("min_size", ng.MinSize),
			setIf("max_size", ng.MaxSize),
			setIf("desired_size", ng.DesiredSize),
			setIf("disk_size", ng.DiskSize),
			setIf("labels", ng.Labels),
			set("subnet_ids", ref(NodeNetwork, "private_subnet_ids")),
			set("role_name", RoleName(b.cfg, ng.Name+"-node-role")),
		)
		b.dependsOn(id, NodeCluster)
		b.nodeGroups = append(b.nodeGroups, id)
	}
}

func (b *builder) addons() {
	for _, a := range b.cfg.Addons {
		id := AddonID(a.Name)
		b.declare(id, graph.KindAddon,
			set("cluster_name", b.cfg.Cluster.Name),
			set("name", a.Name),
			setIf("version", a.Version),
		)
		// addons schedule pods and need capacity to become active
		b.dependsOn(id, append([]graph.NodeID{NodeCluster}, b.nodeGroups...)...)
	}
}

// access grants principals cluster access. The first entry without an
// explicit principal creates the admin role; later ones reuse its ARN so
// only one node owns the role.
func (b *builder) access() {
	var roleOwner graph.NodeID
	for _, a := range b.cfg.Cluster.Access {
		id := AccessID(a.Name)
		settings := []setting{
			set("cluster_name", b.cfg.Cluster.Name),
			set("policy", a.Policy),
			setIf("namespaces", a.Namespaces),
		}
		deps := []graph.NodeID{NodeCluster}
		switch {
		case a.PrincipalARN != "":
			settings = append(settings, set("principal_arn", a.PrincipalARN))
		case roleOwner == "":
			settings = append(settings, set("role_name", b.cfg.Cluster.AdminRole))
			roleOwner = id
		default:
			settings = append(settings, set("principal_arn", ref(roleOwner, "principal_arn")))
			deps = append(deps, roleOwner)
		}
		b.declare(id, graph.KindAccessEntry, settings...)
		b.dependsOn(id, deps...)
	}
	if roleOwner != "" {
		b.output("cluster-admin-role-arn", "role granted cluster access", roleOwner, "principal_arn")
	}
}

// identity declares a pod identity: IAM role, pod identity association and
// service account.
func (b *builder) identity(id graph.NodeID, roleName, namespace, serviceAccount, description string, managedPolicies []string) {
	b.declare(id, graph.KindServiceIdentity,
		set("role_name", roleName),
		set("cluster_name", b.cfg.Cluster.Name),
		set("namespace", namespace),
		set("service_account", serviceAccount),
		setIf("description", description),
		setIf("managed_policies", managedPolicies),
	)
	b.dependsOn(id, NodeCluster)
	if b.hasAddon(podIdentityAddon) {
		b.dependsOn(id, AddonID(podIdentityAddon))
	}
	b.identities = append(b.identities, id)
}

func (b *builder) hasAddon(name string) bool {
	for _, a := range b.cfg.Addons {
		if a.Name == name {
			return true
		}
	}
	return false
}

// chart declares a release whose values start from the chart's values file
// when one is configured; settings override the file.
func (b *builder) chart(id graph.NodeID, field, release, namespace string, chart config.ChartConfig, createNamespace bool, values ...setting) {
	if b.err != nil {
		return
	}
	doc, err := b.loadValues(field, chart.ValuesFile)
	if err != nil {
		b.err = err
		return
	}
	for _, v := range values {
		if v.skip {
			continue
		}
		if err := doc.Set(v.path, v.value); err != nil {
			b.err = fmt.Errorf("node %s: %w", id, err)
			return
		}
	}
	b.declare(id, graph.KindChartRelease,
		set("release", release),
		set("chart", chart.Name),
		set("repository", chart.Repository),
		setIf("version", chart.Version),
		set("namespace", namespace),
		set("create_namespace", createNamespace),
		set("values", doc),
	)
	b.dependsOn(id, NodeCluster)
	b.dependsOn(id, b.nodeGroups...)
}

func (b *builder) loadValues(field, path string) (*document.Document, error) {
	if path == "" {
		return document.New(), nil
	}
	resolved := b.cfg.ResolvePath(path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, &models.ValidationError{Field: field + ".valuesFile", Message: fmt.Sprintf("cannot read %s: %v", resolved, err)}
	}
	doc, err := document.FromYAML(data)
	if err != nil {
		return nil, &models.ValidationError{Field: field + ".valuesFile", Message: err.Error()}
	}
	return doc, nil
}

func (b *builder) albController() {
	alb := b.cfg.Cluster.ALBController
	if !alb.Enabled {
		return
	}
	const serviceAccount = "aws-load-balancer-controller"
	b.identity(NodeALBIdentity, RoleName(b.cfg, "alb-controller"), albNamespace, serviceAccount,
		"aws load balancer controller", []string{"ElasticLoadBalancingFullAccess", "AmazonEC2ReadOnlyAccess"})

	b.chart(NodeALBChart, "cluster.albController", albChartName, albNamespace,
		config.ChartConfig{Name: albChartName, Repository: albChartRepository}, false,
		set("clusterName", ref(NodeCluster, "name")),
		set("region", b.dc.Region),
		set("vpcId", ref(NodeNetwork, "vpc_id")),
		set("serviceAccount", map[string]interface{}{"create": false, "name": serviceAccount}),
		setIf("image.tag", alb.Version),
	)
	b.dependsOn(NodeALBChart, NodeALBIdentity)
}

func (b *builder) karpenter() {
	k := b.cfg.Karpenter
	if !k.Enabled {
		return
	}
	roleName := RoleName(b.cfg, "karpenter")

	b.declare(NodeKarpenterNamespace, graph.KindNamespace, set("name", k.Namespace))
	b.dependsOn(NodeKarpenterNamespace, NodeCluster)

	b.identity(NodeKarpenterIdentity, roleName, k.Namespace, k.ServiceAccount, "karpenter controller", nil)
	b.dependsOn(NodeKarpenterIdentity, NodeKarpenterNamespace)

	b.declare(NodeInterruptionQueue, graph.KindQueue,
		set("name", k.Queue.Name),
		setIf("visibility_timeout", k.Queue.VisibilityTimeoutSeconds),
		setIf("retention_period", k.Queue.RetentionSeconds),
	)
	events.KarpenterInterruptionRoutes(b.s.Routes, NodeInterruptionQueue)
	if b.err == nil {
		if _, err := b.s.Routes.Materialize(b.s.Graph); err != nil {
			b.err = err
		}
	}

	doc, err := policy.Compose(roleName, policy.KarpenterControllerTemplates(), policy.Bindings{
		policy.PlaceholderClusterName:   b.cfg.Cluster.Name,
		policy.PlaceholderRegion:        b.dc.Region,
		policy.PlaceholderAccount:       b.dc.Account,
		policy.PlaceholderQueueARN:      b.dc.QueueARN(k.Queue.Name),
		policy.PlaceholderControllerARN: b.dc.RoleARN(roleName),
		policy.PlaceholderPartition:     b.dc.Partition(),
	})
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("karpenter controller policy: %w", err)
	}
	if b.err != nil {
		return
	}
	body, err := doc.JSON()
	if err != nil {
		b.err = err
		return
	}
	b.s.Policies[NodeKarpenterPolicy] = doc
	b.declare(NodeKarpenterPolicy, graph.KindPolicy,
		set("role_name", roleName),
		set("policy_name", "KarpenterInlinePolicy"),
		set("document", body),
	)
	b.dependsOn(NodeKarpenterPolicy, NodeKarpenterIdentity, NodeInterruptionQueue)

	b.chart(NodeKarpenterChart, "karpenter.chart", k.Chart.Name, k.Namespace, k.Chart, false,
		set("serviceAccount", map[string]interface{}{"create": false, "name": k.ServiceAccount}),
		set("clusterName", ref(NodeCluster, "name")),
		set("clusterEndpoint", ref(NodeCluster, "endpoint")),
		setIf("aws.defaultInstanceProfile", k.DefaultInstanceProfile),
		set("settings.interruptionQueue", k.Queue.Name),
	)
	b.dependsOn(NodeKarpenterChart, NodeKarpenterIdentity, NodeKarpenterPolicy, NodeInterruptionQueue)

	b.output("karpenter-role-arn", "karpenter controller role", NodeKarpenterIdentity, "role_arn")
	b.output("interruption-queue-arn", "karpenter interruption queue", NodeInterruptionQueue, "arn")
}

func (b *builder) argocd() {
	a := b.cfg.ArgoCD
	if !a.Enabled {
		return
	}
	b.chart(NodeArgoCDChart, "argocd.chart", "argocd", a.Namespace, a.Chart, true)

	u := a.ImageUpdater
	if !u.Enabled {
		return
	}
	b.identity(NodeImageUpdaterIdent, RoleName(b.cfg, "image-updater"), a.Namespace, u.ServiceAccount,
		"argocd image updater role to access ECR", policy.ImageUpdaterManagedPolicies(b.dc.Partition()))
	b.dependsOn(NodeImageUpdaterIdent, NodeArgoCDChart)

	b.chart(NodeImageUpdaterChart, "argocd.imageUpdater.chart", u.Chart.Name, a.Namespace, u.Chart, false,
		set("serviceAccount", map[string]interface{}{"create": false, "name": u.ServiceAccount}),
	)
	b.dependsOn(NodeImageUpdaterChart, NodeArgoCDChart, NodeImageUpdaterIdent)

	b.output("image-updater-role-arn", "argocd image updater role", NodeImageUpdaterIdent, "role_arn")
}

func (b *builder) registries() {
	for _, r := range b.cfg.Registries {
		id := RegistryID(r.Name)
		b.declare(id, graph.KindRegistry,
			set("name", r.Name),
			set("immutable_tags", r.ImmutableTags),
			set("scan_on_push", r.ScanOnPush),
		)
		b.output("registry-"+r.Name+"-uri", "repository uri for "+r.Name, id, "uri")
	}
}

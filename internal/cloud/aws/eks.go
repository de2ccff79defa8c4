package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
)

var (
	clusterRolePolicies = []string{"AmazonEKSClusterPolicy"}
	nodeRolePolicies    = []string{
		"AmazonEKSWorkerNodePolicy",
		"AmazonEKS_CNI_Policy",
		"AmazonEC2ContainerRegistryReadOnly",
		"AmazonSSMManagedInstanceCore",
	}
)

func (p *Provider) applyCluster(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	name, err := required(cfg, "name")
	if err != nil {
		return nil, err
	}
	subnets := list(cfg, "subnet_ids")
	if len(subnets) == 0 {
		return nil, fmt.Errorf("cluster %s: no subnets", name)
	}
	roleName := cfg.String("role_name")
	if roleName == "" {
		roleName = name + "-cluster-role"
	}
	authMode := cfg.String("authentication_mode")
	if authMode == "" {
		authMode = string(ekstypes.AuthenticationModeApiAndConfigMap)
	}
	tags := p.tags(cfg)

	roleARN, err := p.ensureRole(ctx, roleName, fmt.Sprintf(serviceTrustPolicy, "eks.amazonaws.com"), "EKS cluster service role", tags)
	if err != nil {
		return nil, err
	}
	if err := p.attachManagedPolicies(ctx, roleName, clusterRolePolicies); err != nil {
		return nil, err
	}

	input := &eks.CreateClusterInput{
		Name:    aws.String(name),
		RoleArn: aws.String(roleARN),
		ResourcesVpcConfig: &ekstypes.VpcConfigRequest{
			SubnetIds:             subnets,
			EndpointPublicAccess:  aws.Bool(true),
			EndpointPrivateAccess: aws.Bool(true),
		},
		AccessConfig: &ekstypes.CreateAccessConfigRequest{
			AuthenticationMode:                      ekstypes.AuthenticationMode(authMode),
			BootstrapClusterCreatorAdminPermissions: aws.Bool(true),
		},
		Tags: tags,
	}
	if v := cfg.String("version"); v != "" {
		input.Version = aws.String(v)
	}

	// a freshly created role takes a moment to become assumable by EKS
	err = wait.PollUntilContextTimeout(ctx, p.pollInterval, p.waitTimeout, true, func(ctx context.Context) (bool, error) {
		_, err := p.clients.EKS.CreateCluster(ctx, input)
		switch {
		case err == nil, isAlreadyExists(err):
			return true, nil
		case errorCode(err) == "InvalidParameterException":
			p.logger.Debug("cluster role not assumable yet", zap.Error(err))
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return nil, fail("create-cluster", name, err)
	}

	waiter := eks.NewClusterActiveWaiter(p.clients.EKS, func(o *eks.ClusterActiveWaiterOptions) {
		o.MinDelay = p.pollInterval
		o.MaxDelay = 4 * p.pollInterval
	})
	if err := waiter.Wait(ctx, &eks.DescribeClusterInput{Name: aws.String(name)}, p.waitTimeout); err != nil {
		return nil, fail("wait-cluster-active", name, err)
	}

	out, err := p.clients.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
	if err != nil {
		return nil, fail("describe-cluster", name, err)
	}
	cluster := out.Cluster
	attrs := executor.Attributes{
		"name":      aws.ToString(cluster.Name),
		"arn":       aws.ToString(cluster.Arn),
		"endpoint":  aws.ToString(cluster.Endpoint),
		"version":   aws.ToString(cluster.Version),
		"role_arn":  roleARN,
		"role_name": roleName,
	}
	if cluster.CertificateAuthority != nil {
		attrs["certificate_authority"] = aws.ToString(cluster.CertificateAuthority.Data)
	}
	if cluster.ResourcesVpcConfig != nil {
		attrs["security_group_id"] = aws.ToString(cluster.ResourcesVpcConfig.ClusterSecurityGroupId)
	}
	if cluster.Identity != nil && cluster.Identity.Oidc != nil {
		attrs["oidc_issuer"] = aws.ToString(cluster.Identity.Oidc.Issuer)
	}
	p.logger.Info("cluster active", zap.String("cluster", name), zap.String("endpoint", attrs["endpoint"]))
	return attrs, nil
}

func (p *Provider) deleteCluster(ctx context.Context, cfg *document.Document) error {
	name, err := required(cfg, "name")
	if err != nil {
		return err
	}
	roleName := cfg.String("role_name")
	if roleName == "" {
		roleName = name + "-cluster-role"
	}

	_, err = p.clients.EKS.DeleteCluster(ctx, &eks.DeleteClusterInput{Name: aws.String(name)})
	if err != nil && !isNotFound(err) {
		return fail("delete-cluster", name, err)
	}
	if err == nil {
		waiter := eks.NewClusterDeletedWaiter(p.clients.EKS, func(o *eks.ClusterDeletedWaiterOptions) {
			o.MinDelay = p.pollInterval
			o.MaxDelay = 4 * p.pollInterval
		})
		if err := waiter.Wait(ctx, &eks.DescribeClusterInput{Name: aws.String(name)}, p.waitTimeout); err != nil {
			return fail("wait-cluster-deleted", name, err)
		}
	}
	return p.deleteRole(ctx, roleName)
}

func (p *Provider) applyNodeGroup(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	clusterName, err := required(cfg, "cluster_name")
	if err != nil {
		return nil, err
	}
	name, err := required(cfg, "name")
	if err != nil {
		return nil, err
	}
	subnets := list(cfg, "subnet_ids")
	if len(subnets) == 0 {
		return nil, fmt.Errorf("node group %s: no subnets", name)
	}
	roleName := cfg.String("role_name")
	if roleName == "" {
		roleName = name + "-node-role"
	}
	tags := p.tags(cfg)

	roleARN, err := p.ensureRole(ctx, roleName, fmt.Sprintf(serviceTrustPolicy, "ec2.amazonaws.com"), "EKS managed node group role", tags)
	if err != nil {
		return nil, err
	}
	if err := p.attachManagedPolicies(ctx, roleName, nodeRolePolicies); err != nil {
		return nil, err
	}

	minSize := intOr(cfg, "min_size", 1)
	desired := intOr(cfg, "desired_size", minSize)
	if desired < minSize {
		desired = minSize
	}
	maxSize := intOr(cfg, "max_size", desired)
	if maxSize < desired {
		maxSize = desired
	}

	input := &eks.CreateNodegroupInput{
		ClusterName:   aws.String(clusterName),
		NodegroupName: aws.String(name),
		NodeRole:      aws.String(roleARN),
		Subnets:       subnets,
		InstanceTypes: list(cfg, "instance_types"),
		ScalingConfig: &ekstypes.NodegroupScalingConfig{
			MinSize:     aws.Int32(int32(minSize)),
			DesiredSize: aws.Int32(int32(desired)),
			MaxSize:     aws.Int32(int32(maxSize)),
		},
		Labels: cfg.StringMap("labels"),
		Tags:   tags,
	}
	if v := cfg.String("capacity_type"); v != "" {
		input.CapacityType = ekstypes.CapacityTypes(v)
	}
	if v := cfg.String("ami_type"); v != "" {
		input.AmiType = ekstypes.AMITypes(v)
	}
	if v, ok := cfg.Int("disk_size"); ok {
		input.DiskSize = aws.Int32(int32(v))
	}

	if _, err := p.clients.EKS.CreateNodegroup(ctx, input); err != nil && !isAlreadyExists(err) {
		return nil, fail("create-nodegroup", name, err)
	}

	waiter := eks.NewNodegroupActiveWaiter(p.clients.EKS, func(o *eks.NodegroupActiveWaiterOptions) {
		o.MinDelay = p.pollInterval
		o.MaxDelay = 4 * p.pollInterval
	})
	describe := &eks.DescribeNodegroupInput{ClusterName: aws.String(clusterName), NodegroupName: aws.String(name)}
	if err := waiter.Wait(ctx, describe, p.waitTimeout); err != nil {
		return nil, fail("wait-nodegroup-active", name, err)
	}

	out, err := p.clients.EKS.DescribeNodegroup(ctx, describe)
	if err != nil {
		return nil, fail("describe-nodegroup", name, err)
	}
	return executor.Attributes{
		"name":      name,
		"arn":       aws.ToString(out.Nodegroup.NodegroupArn),
		"role_arn":  roleARN,
		"role_name": roleName,
	}, nil
}

func (p *Provider) deleteNodeGroup(ctx context.Context, cfg *document.Document) error {
	clusterName, err := required(cfg, "cluster_name")
	if err != nil {
		return err
	}
	name, err := required(cfg, "name")
	if err != nil {
		return err
	}
	roleName := cfg.String("role_name")
	if roleName == "" {
		roleName = name + "-node-role"
	}

	_, err = p.clients.EKS.DeleteNodegroup(ctx, &eks.DeleteNodegroupInput{
		ClusterName:   aws.String(clusterName),
		NodegroupName: aws.String(name),
	})
	if err != nil && !isNotFound(err) {
		return fail("delete-nodegroup", name, err)
	}
	if err == nil {
		waiter := eks.NewNodegroupDeletedWaiter(p.clients.EKS, func(o *eks.NodegroupDeletedWaiterOptions) {
			o.MinDelay = p.pollInterval
			o.MaxDelay = 4 * p.pollInterval
		})
		if err := waiter.Wait(ctx, &eks.DescribeNodegroupInput{
			ClusterName:   aws.String(clusterName),
			NodegroupName: aws.String(name),
		}, p.waitTimeout); err != nil {
			return fail("wait-nodegroup-deleted", name, err)
		}
	}
	return p.deleteRole(ctx, roleName)
}

func (p *Provider) applyAddon(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	clusterName, err := required(cfg, "cluster_name")
	if err != nil {
		return nil, err
	}
	name, err := required(cfg, "name")
	if err != nil {
		return nil, err
	}

	input := &eks.CreateAddonInput{
		ClusterName:      aws.String(clusterName),
		AddonName:        aws.String(name),
		ResolveConflicts: ekstypes.ResolveConflictsOverwrite,
		Tags:             p.tags(cfg),
	}
	if v := cfg.String("version"); v != "" {
		input.AddonVersion = aws.String(v)
	}
	if v := cfg.String("service_account_role_arn"); v != "" {
		input.ServiceAccountRoleArn = aws.String(v)
	}
	if _, err := p.clients.EKS.CreateAddon(ctx, input); err != nil && !isAlreadyExists(err) {
		return nil, fail("create-addon", name, err)
	}

	waiter := eks.NewAddonActiveWaiter(p.clients.EKS, func(o *eks.AddonActiveWaiterOptions) {
		o.MinDelay = p.pollInterval
		o.MaxDelay = 4 * p.pollInterval
	})
	describe := &eks.DescribeAddonInput{ClusterName: aws.String(clusterName), AddonName: aws.String(name)}
	if err := waiter.Wait(ctx, describe, p.waitTimeout); err != nil {
		return nil, fail("wait-addon-active", name, err)
	}

	out, err := p.clients.EKS.DescribeAddon(ctx, describe)
	if err != nil {
		return nil, fail("describe-addon", name, err)
	}
	return executor.Attributes{
		"name":    name,
		"arn":     aws.ToString(out.Addon.AddonArn),
		"version": aws.ToString(out.Addon.AddonVersion),
	}, nil
}

func (p *Provider) deleteAddon(ctx context.Context, cfg *document.Document) error {
	clusterName, err := required(cfg, "cluster_name")
	if err != nil {
		return err
	}
	name, err := required(cfg, "name")
	if err != nil {
		return err
	}

	_, err = p.clients.EKS.DeleteAddon(ctx, &eks.DeleteAddonInput{
		ClusterName: aws.String(clusterName),
		AddonName:   aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fail("delete-addon", name, err)
	}
	waiter := eks.NewAddonDeletedWaiter(p.clients.EKS, func(o *eks.AddonDeletedWaiterOptions) {
		o.MinDelay = p.pollInterval
		o.MaxDelay = 4 * p.pollInterval
	})
	if err := waiter.Wait(ctx, &eks.DescribeAddonInput{
		ClusterName: aws.String(clusterName),
		AddonName:   aws.String(name),
	}, p.waitTimeout); err != nil {
		return fail("wait-addon-deleted", name, err)
	}
	return nil
}

// applyAccessEntry grants a principal an EKS access policy. When the node
// names a role instead of a principal, the role is created first and made
// assumable by the account root.
func (p *Provider) applyAccessEntry(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	clusterName, err := required(cfg, "cluster_name")
	if err != nil {
		return nil, err
	}
	policy, err := required(cfg, "policy")
	if err != nil {
		return nil, err
	}
	tags := p.tags(cfg)

	attrs := executor.Attributes{}
	principal := cfg.String("principal_arn")
	if roleName := cfg.String("role_name"); principal == "" && roleName != "" {
		principal, err = p.ensureRole(ctx, roleName, fmt.Sprintf(accountTrustPolicy, p.accountRoot()), "EKS cluster admin role", tags)
		if err != nil {
			return nil, err
		}
		attrs["role_name"] = roleName
		attrs["role_arn"] = principal
	}
	if principal == "" {
		return nil, fmt.Errorf("access entry on %s: no principal_arn or role_name", clusterName)
	}

	entryARN := ""
	created, err := p.clients.EKS.CreateAccessEntry(ctx, &eks.CreateAccessEntryInput{
		ClusterName:  aws.String(clusterName),
		PrincipalArn: aws.String(principal),
		Tags:         tags,
	})
	switch {
	case err == nil:
		entryARN = aws.ToString(created.AccessEntry.AccessEntryArn)
	case isAlreadyExists(err):
		got, err := p.clients.EKS.DescribeAccessEntry(ctx, &eks.DescribeAccessEntryInput{
			ClusterName:  aws.String(clusterName),
			PrincipalArn: aws.String(principal),
		})
		if err != nil {
			return nil, fail("describe-access-entry", principal, err)
		}
		entryARN = aws.ToString(got.AccessEntry.AccessEntryArn)
	default:
		return nil, fail("create-access-entry", principal, err)
	}

	scope := &ekstypes.AccessScope{Type: ekstypes.AccessScopeTypeCluster}
	if namespaces := list(cfg, "namespaces"); len(namespaces) > 0 {
		scope = &ekstypes.AccessScope{Type: ekstypes.AccessScopeTypeNamespace, Namespaces: namespaces}
	}
	policyARN := fmt.Sprintf("arn:%s:eks::aws:cluster-access-policy/%s", p.dc.Partition(), policy)
	if _, err := p.clients.EKS.AssociateAccessPolicy(ctx, &eks.AssociateAccessPolicyInput{
		ClusterName:  aws.String(clusterName),
		PrincipalArn: aws.String(principal),
		PolicyArn:    aws.String(policyARN),
		AccessScope:  scope,
	}); err != nil {
		return nil, fail("associate-access-policy", principal, err)
	}

	attrs["principal_arn"] = principal
	attrs["access_entry_arn"] = entryARN
	attrs["policy_arn"] = policyARN
	return attrs, nil
}

func (p *Provider) deleteAccessEntry(ctx context.Context, cfg *document.Document, own executor.Attributes) error {
	clusterName, err := required(cfg, "cluster_name")
	if err != nil {
		return err
	}
	roleName := cfg.String("role_name")
	principal := cfg.String("principal_arn")
	if principal == "" {
		principal = own["principal_arn"]
	}
	if principal == "" && roleName != "" {
		principal = p.dc.RoleARN(roleName)
	}

	if principal != "" {
		if _, err := p.clients.EKS.DeleteAccessEntry(ctx, &eks.DeleteAccessEntryInput{
			ClusterName:  aws.String(clusterName),
			PrincipalArn: aws.String(principal),
		}); err != nil && !isNotFound(err) {
			return fail("delete-access-entry", principal, err)
		}
	}
	if roleName != "" && cfg.String("principal_arn") == "" {
		return p.deleteRole(ctx, roleName)
	}
	return nil
}

package policy

// Placeholder names used by the built-in template sets.
const (
	PlaceholderClusterName   = "cluster_name"
	PlaceholderRegion        = "region"
	PlaceholderAccount       = "account"
	PlaceholderQueueARN      = "queue_arn"
	PlaceholderControllerARN = "karpenter_role_arn"
	PlaceholderPartition     = "partition"
)

var ec2NodeResources = []string{
	"arn:{partition}:ec2:*:*:instance/*",
	"arn:{partition}:ec2:*:*:volume/*",
	"arn:{partition}:ec2:*:*:network-interface/*",
	"arn:{partition}:ec2:*:*:launch-template/*",
	"arn:{partition}:ec2:*:*:spot-instances-request/*",
	"arn:{partition}:ec2:*:*:fleet/*",
}

// KarpenterControllerTemplates returns the statements the Karpenter
// controller needs to launch and reclaim nodes for one cluster.
func KarpenterControllerTemplates() []StatementTemplate {
	clusterOwned := map[string]string{"aws:ResourceTag/kubernetes.io/cluster/{cluster_name}": "owned"}
	clusterRequested := map[string]string{"aws:RequestTag/eks:cluster-name": "{cluster_name}"}
	nodepoolResource := map[string]string{"aws:ResourceTag/karpenter.sh/nodepool": "*"}
	nodepoolRequested := map[string]string{"aws:RequestTag/karpenter.sh/nodepool": "*"}

	return []StatementTemplate{
		{
			Sid:     "AllowScopedEC2InstanceAccessActions",
			Actions: []string{"ec2:RunInstances", "ec2:CreateFleet"},
			Resources: []string{
				"arn:{partition}:ec2:*:*:snapshot/*",
				"arn:{partition}:ec2:*:*:security-group/*",
				"arn:{partition}:ec2:*:*:subnet/*",
				"arn:{partition}:ec2:*:*:image/*",
			},
		},
		{
			Sid:       "AllowScopedEC2LaunchTemplateAccessActions",
			Actions:   []string{"ec2:RunInstances", "ec2:CreateFleet"},
			Resources: []string{"arn:{partition}:ec2:*:*:launch-template/*"},
			Conditions: []ConditionBlock{
				{Operator: "StringEquals", Values: clusterOwned},
				{Operator: "StringLike", Values: nodepoolResource},
			},
		},
		{
			Sid:       "AllowScopedEC2InstanceActionsWithTags",
			Actions:   []string{"ec2:RunInstances", "ec2:CreateFleet", "ec2:CreateLaunchTemplate"},
			Resources: ec2NodeResources,
			Conditions: []ConditionBlock{
				{Operator: "StringEquals", Values: clusterRequested},
				{Operator: "StringLike", Values: nodepoolRequested},
			},
		},
		{
			Sid:       "KarpenterSQSPermissions",
			Actions:   []string{"sqs:SendMessage", "sqs:ReceiveMessage", "sqs:DeleteMessage", "sqs:GetQueueAttributes"},
			Resources: []string{"{queue_arn}"},
		},
		{
			Sid:       "AllowScopedResourceCreationTagging",
			Actions:   []string{"ec2:CreateTags"},
			Resources: ec2NodeResources,
			Conditions: []ConditionBlock{
				{Operator: "StringEquals", Values: merge(clusterOwned, clusterRequested)},
				{Operator: "StringLike", Values: nodepoolRequested},
			},
		},
		{
			Sid:       "AllowScopedResourceTagging",
			Actions:   []string{"ec2:CreateTags"},
			Resources: []string{"arn:{partition}:ec2:*:*:instance/*"},
		},
		{
			Sid:     "AllowScopedEC2LaunchTemplateActions",
			Actions: []string{"ec2:TerminateInstances", "ec2:DeleteLaunchTemplate"},
			Resources: []string{
				"arn:{partition}:ec2:*:*:instance/*",
				"arn:{partition}:ec2:*:*:launch-template/*",
			},
		},
		{
			Sid: "AllowRegionalReadActions",
			Actions: []string{
				"ec2:DescribeImages",
				"ec2:DescribeInstances",
				"ec2:DescribeInstanceTypeOfferings",
				"ec2:DescribeInstanceTypes",
				"ec2:DescribeLaunchTemplates",
				"ec2:DescribeSecurityGroups",
				"ec2:DescribeSpotPriceHistory",
				"ec2:DescribeSubnets",
			},
			Resources: []string{"*"},
			Conditions: []ConditionBlock{
				{Operator: "StringEquals", Values: map[string]string{"aws:RequestedRegion": "{region}"}},
			},
		},
		{
			Sid:       "AllowSSMReadActions",
			Actions:   []string{"ssm:GetParameter"},
			Resources: []string{"arn:{partition}:ssm:{region}::parameter/aws/service/*"},
		},
		{
			Sid:       "AllowPricingReadActions",
			Actions:   []string{"pricing:GetProducts"},
			Resources: []string{"*"},
		},
		{
			Sid:       "AllowPassingInstanceRole",
			Actions:   []string{"iam:PassRole"},
			Resources: []string{"{karpenter_role_arn}"},
			Conditions: []ConditionBlock{
				{Operator: "StringEquals", Values: map[string]string{"iam:PassedToService": "ec2.amazonaws.com"}},
			},
		},
		{
			Sid:       "AllowScopedInstanceProfileCreationActions",
			Actions:   []string{"iam:CreateInstanceProfile"},
			Resources: []string{"arn:{partition}:iam::{account}:instance-profile/*"},
		},
		{
			Sid:       "AllowScopedInstanceProfileTagActions",
			Actions:   []string{"iam:TagInstanceProfile"},
			Resources: []string{"arn:{partition}:iam::{account}:instance-profile/*"},
		},
	}
}

// ImageUpdaterManagedPolicies are the AWS managed policies attached to the
// ArgoCD image updater identity.
func ImageUpdaterManagedPolicies(partition string) []string {
	return []string{"arn:" + partition + ":iam::aws:policy/AmazonEC2ContainerRegistryReadOnly"}
}

func merge(blocks ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, b := range blocks {
		for k, v := range b {
			out[k] = v
		}
	}
	return out
}

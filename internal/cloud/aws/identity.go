package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"go.uber.org/zap"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
)

// Trust policies. %s is the principal.
const (
	serviceTrustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": { "Service": "%s" },
      "Action": "sts:AssumeRole"
    }
  ]
}`

	// EKS pod identity also needs to tag the session it hands to the pod
	podIdentityTrustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": { "Service": "pods.eks.amazonaws.com" },
      "Action": ["sts:AssumeRole", "sts:TagSession"]
    }
  ]
}`

	accountTrustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": { "AWS": "%s" },
      "Action": "sts:AssumeRole"
    }
  ]
}`
)

func (p *Provider) accountRoot() string {
	return fmt.Sprintf("arn:%s:iam::%s:root", p.dc.Partition(), p.dc.Account)
}

// ensureRole returns the ARN of the named role, creating it when missing
func (p *Provider) ensureRole(ctx context.Context, name, trust, description string, tags map[string]string) (string, error) {
	got, err := p.clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err == nil {
		return aws.ToString(got.Role.Arn), nil
	}
	if !isNotFound(err) {
		return "", fail("get-role", name, err)
	}

	created, err := p.clients.IAM.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(name),
		AssumeRolePolicyDocument: aws.String(trust),
		Description:              aws.String(description),
		Tags:                     iamTags(tags),
	})
	if err != nil {
		if isAlreadyExists(err) {
			got, err := p.clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
			if err != nil {
				return "", fail("get-role", name, err)
			}
			return aws.ToString(got.Role.Arn), nil
		}
		return "", fail("create-role", name, err)
	}
	p.logger.Info("created role", zap.String("role", name))
	return aws.ToString(created.Role.Arn), nil
}

func (p *Provider) attachManagedPolicies(ctx context.Context, role string, policies []string) error {
	for _, policy := range policies {
		arn := p.managedPolicyARN(policy)
		if _, err := p.clients.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(role),
			PolicyArn: aws.String(arn),
		}); err != nil {
			return fail("attach-role-policy", role, fmt.Errorf("%s: %w", arn, err))
		}
	}
	return nil
}

// deleteRole detaches managed policies, removes inline ones and deletes
// the role. A missing role is not an error.
func (p *Provider) deleteRole(ctx context.Context, name string) error {
	attached, err := p.clients.IAM.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fail("list-attached-role-policies", name, err)
	}
	for _, policy := range attached.AttachedPolicies {
		if _, err := p.clients.IAM.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(name),
			PolicyArn: policy.PolicyArn,
		}); err != nil && !isNotFound(err) {
			return fail("detach-role-policy", name, err)
		}
	}

	inline, err := p.clients.IAM.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil && !isNotFound(err) {
		return fail("list-role-policies", name, err)
	}
	if inline != nil {
		for _, policy := range inline.PolicyNames {
			if _, err := p.clients.IAM.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   aws.String(name),
				PolicyName: aws.String(policy),
			}); err != nil && !isNotFound(err) {
				return fail("delete-role-policy", name, err)
			}
		}
	}

	if _, err := p.clients.IAM.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)}); err != nil && !isNotFound(err) {
		return fail("delete-role", name, err)
	}
	p.logger.Info("deleted role", zap.String("role", name))
	return nil
}

// applyServiceIdentity creates the IAM half of a service identity: a role
// pods can assume through EKS pod identity, and the association binding it
// to the service account.
func (p *Provider) applyServiceIdentity(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	roleName, err := required(cfg, "role_name")
	if err != nil {
		return nil, err
	}
	clusterName, err := required(cfg, "cluster_name")
	if err != nil {
		return nil, err
	}
	namespace, err := required(cfg, "namespace")
	if err != nil {
		return nil, err
	}
	serviceAccount, err := required(cfg, "service_account")
	if err != nil {
		return nil, err
	}
	tags := p.tags(cfg)

	description := cfg.String("description")
	if description == "" {
		description = fmt.Sprintf("pod identity for %s/%s", namespace, serviceAccount)
	}
	roleARN, err := p.ensureRole(ctx, roleName, podIdentityTrustPolicy, description, tags)
	if err != nil {
		return nil, err
	}
	if err := p.attachManagedPolicies(ctx, roleName, list(cfg, "managed_policies")); err != nil {
		return nil, err
	}

	associationID, err := p.findPodIdentityAssociation(ctx, clusterName, namespace, serviceAccount)
	if err != nil {
		return nil, err
	}
	if associationID == "" {
		out, err := p.clients.EKS.CreatePodIdentityAssociation(ctx, &eks.CreatePodIdentityAssociationInput{
			ClusterName:    aws.String(clusterName),
			Namespace:      aws.String(namespace),
			ServiceAccount: aws.String(serviceAccount),
			RoleArn:        aws.String(roleARN),
			Tags:           tags,
		})
		if err != nil {
			return nil, fail("create-pod-identity-association", serviceAccount, err)
		}
		associationID = aws.ToString(out.Association.AssociationId)
	}

	return executor.Attributes{
		"role_arn":        roleARN,
		"role_name":       roleName,
		"association_id":  associationID,
		"namespace":       namespace,
		"service_account": serviceAccount,
	}, nil
}

func (p *Provider) findPodIdentityAssociation(ctx context.Context, cluster, namespace, serviceAccount string) (string, error) {
	out, err := p.clients.EKS.ListPodIdentityAssociations(ctx, &eks.ListPodIdentityAssociationsInput{
		ClusterName:    aws.String(cluster),
		Namespace:      aws.String(namespace),
		ServiceAccount: aws.String(serviceAccount),
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fail("list-pod-identity-associations", serviceAccount, err)
	}
	if len(out.Associations) == 0 {
		return "", nil
	}
	return aws.ToString(out.Associations[0].AssociationId), nil
}

func (p *Provider) deleteServiceIdentity(ctx context.Context, cfg *document.Document) error {
	roleName, err := required(cfg, "role_name")
	if err != nil {
		return err
	}
	clusterName := cfg.String("cluster_name")
	namespace := cfg.String("namespace")
	serviceAccount := cfg.String("service_account")

	if clusterName != "" && namespace != "" && serviceAccount != "" {
		id, err := p.findPodIdentityAssociation(ctx, clusterName, namespace, serviceAccount)
		if err != nil {
			return err
		}
		if id != "" {
			if _, err := p.clients.EKS.DeletePodIdentityAssociation(ctx, &eks.DeletePodIdentityAssociationInput{
				ClusterName:   aws.String(clusterName),
				AssociationId: aws.String(id),
			}); err != nil && !isNotFound(err) {
				return fail("delete-pod-identity-association", id, err)
			}
		}
	}
	return p.deleteRole(ctx, roleName)
}

// applyPolicy puts a composed policy document inline on a role
func (p *Provider) applyPolicy(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	roleName, err := required(cfg, "role_name")
	if err != nil {
		return nil, err
	}
	policyName, err := required(cfg, "policy_name")
	if err != nil {
		return nil, err
	}
	doc, err := required(cfg, "document")
	if err != nil {
		return nil, err
	}

	if _, err := p.clients.IAM.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(roleName),
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(doc),
	}); err != nil {
		return nil, fail("put-role-policy", policyName, err)
	}
	return executor.Attributes{"policy_name": policyName, "role_name": roleName}, nil
}

func (p *Provider) deletePolicy(ctx context.Context, cfg *document.Document) error {
	roleName, err := required(cfg, "role_name")
	if err != nil {
		return err
	}
	policyName, err := required(cfg, "policy_name")
	if err != nil {
		return err
	}
	if _, err := p.clients.IAM.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(policyName),
	}); err != nil && !isNotFound(err) {
		return fail("delete-role-policy", policyName, err)
	}
	return nil
}

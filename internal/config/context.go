// Package config holds the deployment context and the stack definition
// loaded from YAML.
package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/hemantobora/clusterboot/internal/models"
)

// DeploymentContext is the account, region and environment a stack is
// deployed into. It is passed explicitly to every component.
type DeploymentContext struct {
	Account     string
	Region      string
	Environment string
	Tags        map[string]string
}

// Partition returns the ARN partition for the region.
func (dc DeploymentContext) Partition() string {
	switch {
	case len(dc.Region) >= 3 && dc.Region[:3] == "cn-":
		return "aws-cn"
	case len(dc.Region) >= 7 && dc.Region[:7] == "us-gov-":
		return "aws-us-gov"
	}
	return "aws"
}

// RoleARN returns the ARN of an IAM role in the deployment account.
func (dc DeploymentContext) RoleARN(name string) string {
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", dc.Partition(), dc.Account, name)
}

// QueueARN returns the ARN of an SQS queue in the deployment account.
func (dc DeploymentContext) QueueARN(name string) string {
	return fmt.Sprintf("arn:%s:sqs:%s:%s:%s", dc.Partition(), dc.Region, dc.Account, name)
}

// Validate checks the context is complete.
func (dc DeploymentContext) Validate() error {
	if dc.Account == "" {
		return &models.ValidationError{Field: "account", Message: "account id is required"}
	}
	if dc.Region == "" {
		return &models.ValidationError{Field: "region", Message: "region is required"}
	}
	return nil
}

// STSClient is the subset of the STS API used to discover the account.
type STSClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ResolveContext builds the deployment context for stack. The account comes
// from the stack file when set, otherwise from the caller identity.
func ResolveContext(ctx context.Context, stack *Stack, region string, client STSClient) (DeploymentContext, error) {
	dc := DeploymentContext{
		Account:     stack.Account,
		Region:      stack.Region,
		Environment: stack.Environment,
		Tags:        map[string]string{},
	}
	for k, v := range stack.Tags {
		dc.Tags[k] = v
	}
	if region != "" {
		dc.Region = region
	}

	if dc.Account == "" {
		out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return DeploymentContext{}, &models.ProviderError{
				Provider:  "aws",
				Operation: "get-caller-identity",
				Resource:  "sts",
				Cause:     err,
			}
		}
		if out.Account == nil {
			return DeploymentContext{}, fmt.Errorf("caller identity returned no account")
		}
		dc.Account = *out.Account
	}
	return dc, dc.Validate()
}

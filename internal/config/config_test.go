package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantobora/clusterboot/internal/models"
)

func writeStack(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultAccessEntries(t *testing.T) {
	access := Default().Cluster.Access
	require.Len(t, access, 2)
	assert.Equal(t, AccessConfig{Name: "admin-role", Policy: "AmazonEKSAdminPolicy", Namespaces: []string{"karpenter"}}, access[0])
	assert.Equal(t, AccessConfig{Name: "admin-cluster", Policy: "AmazonEKSClusterAdminPolicy"}, access[1])
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeStack(t, `
name: demo
region: eu-west-1
cluster:
  name: demo
  version: "1.31"
registries:
  - name: orders
    immutableTags: true
argocd:
  chart:
    valuesFile: helm_values/argocd.yaml
`)
	stack, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", stack.Name)
	assert.Equal(t, "eu-west-1", stack.Region)
	assert.Equal(t, "1.31", stack.Cluster.Version)
	assert.Equal(t, "API_AND_CONFIG_MAP", stack.Cluster.AuthenticationMode, "unset fields keep defaults")
	assert.Equal(t, "10.190.0.0/16", stack.Network.CIDR)
	require.Len(t, stack.Registries, 1)
	assert.Equal(t, "orders", stack.Registries[0].Name)
	assert.Equal(t, "argo-cd", stack.ArgoCD.Chart.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "helm_values/argocd.yaml"), stack.ResolvePath(stack.ArgoCD.Chart.ValuesFile))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	grid := []struct {
		name   string
		mutate func(*Stack)
		field  string
	}{
		{"bad stack name", func(s *Stack) { s.Name = "Bad_Name" }, "name"},
		{"bad account", func(s *Stack) { s.Account = "123" }, "account"},
		{"bad cidr", func(s *Stack) { s.Network.CIDR = "10.0.0.0" }, "network.cidr"},
		{"mask too wide", func(s *Stack) { s.Network.SubnetMask = 16 }, "network.subnetMask"},
		{"not enough room", func(s *Stack) { s.Network.CIDR = "10.0.0.0/24"; s.Network.SubnetMask = 26 }, "network.subnetMask"},
		{"too many nat gateways", func(s *Stack) { s.Network.NATGateways = 4 }, "network.natGateways"},
		{"bad auth mode", func(s *Stack) { s.Cluster.AuthenticationMode = "IAM" }, "cluster.authenticationMode"},
		{"duplicate access", func(s *Stack) {
			s.Cluster.Access = append(s.Cluster.Access, s.Cluster.Access[0])
		}, "cluster.access[2].name"},
		{"no instance types", func(s *Stack) { s.NodeGroups[0].InstanceTypes = nil }, "nodeGroups[0].instanceTypes"},
		{"bad capacity type", func(s *Stack) { s.NodeGroups[0].CapacityType = "RESERVED" }, "nodeGroups[0].capacityType"},
		{"retention too short", func(s *Stack) { s.Karpenter.Queue.RetentionSeconds = 30 }, "karpenter.queue.retentionSeconds"},
		{"updater without argocd", func(s *Stack) { s.ArgoCD.Enabled = false }, "argocd.imageUpdater.enabled"},
		{"bad registry", func(s *Stack) { s.Registries[0].Name = "Payments" }, "registries[0].name"},
		{"bad backend", func(s *Stack) { s.State.Backend = "consul" }, "state.backend"},
	}

	for _, tc := range grid {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			tc.mutate(s)
			err := s.Validate()
			var verr *models.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

type fakeSTS struct {
	account string
	err     error
	calls   int
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

func TestResolveContextFromCallerIdentity(t *testing.T) {
	stack := Default()
	stack.Region = "eu-west-1"
	client := &fakeSTS{account: "123456789012"}

	dc, err := ResolveContext(context.Background(), stack, "", client)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", dc.Account)
	assert.Equal(t, "eu-west-1", dc.Region)
	assert.Equal(t, "EKS", dc.Tags["Project"])
	assert.Equal(t, 1, client.calls)

	dc.Tags["Project"] = "changed"
	assert.Equal(t, "EKS", stack.Tags["Project"], "context tags are a copy")
}

func TestResolveContextUsesConfiguredAccount(t *testing.T) {
	stack := Default()
	stack.Account = "210987654321"
	client := &fakeSTS{}

	dc, err := ResolveContext(context.Background(), stack, "us-west-2", client)
	require.NoError(t, err)
	assert.Equal(t, "210987654321", dc.Account)
	assert.Equal(t, "us-west-2", dc.Region)
	assert.Zero(t, client.calls)
}

func TestResolveContextSTSFailure(t *testing.T) {
	stack := Default()
	stack.Region = "eu-west-1"
	_, err := ResolveContext(context.Background(), stack, "", &fakeSTS{err: errors.New("expired token")})

	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "get-caller-identity", perr.Operation)
}

func TestDeploymentContextARNs(t *testing.T) {
	dc := DeploymentContext{Account: "123456789012", Region: "eu-west-1"}
	assert.Equal(t, "arn:aws:iam::123456789012:role/karpenter", dc.RoleARN("karpenter"))
	assert.Equal(t, "arn:aws:sqs:eu-west-1:123456789012:interruption-queue", dc.QueueARN("interruption-queue"))

	cn := DeploymentContext{Account: "123456789012", Region: "cn-north-1"}
	assert.Equal(t, "aws-cn", cn.Partition())
}

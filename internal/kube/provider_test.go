package kube

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/models"
)

type outputs map[graph.NodeID]executor.Attributes

func (o outputs) Get(id graph.NodeID) (executor.Attributes, bool) {
	a, ok := o[id]
	return a, ok
}

func (o outputs) Lookup(ref string) (string, bool) {
	for id, attrs := range o {
		prefix := string(id) + "."
		if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
			v, ok := attrs[ref[len(prefix):]]
			return v, ok
		}
	}
	return "", false
}

type fakeReleaser struct {
	installed map[string]Release
	err       error
}

func (f *fakeReleaser) InstallOrUpgrade(_ context.Context, rel Release) (ReleaseInfo, error) {
	if f.err != nil {
		return ReleaseInfo{}, f.err
	}
	revision := 1
	if _, ok := f.installed[rel.Name]; ok {
		revision = 2
	}
	f.installed[rel.Name] = rel
	return ReleaseInfo{Name: rel.Name, Namespace: rel.Namespace, Revision: revision, Status: "deployed", ChartVersion: rel.Version}, nil
}

func (f *fakeReleaser) Uninstall(_ context.Context, name, _ string) error {
	delete(f.installed, name)
	return nil
}

func newTestProvider(t *testing.T, objects ...runtime.Object) (*Provider, *fake.Clientset, *fakeReleaser) {
	t.Helper()
	clientset := fake.NewSimpleClientset(objects...)
	releaser := &fakeReleaser{installed: map[string]Release{}}
	connect := func(context.Context, executor.OutputReader) (*Session, error) {
		return &Session{Clientset: clientset, Releases: releaser}, nil
	}
	return NewProvider(connect, WithPollInterval(time.Millisecond)), clientset, releaser
}

func testNode(t *testing.T, id string, kind graph.Kind, body string) graph.Node {
	t.Helper()
	doc, err := document.FromYAML([]byte(body))
	require.NoError(t, err)
	return graph.Node{ID: graph.NodeID(id), Kind: kind, Config: doc}
}

func TestHandles(t *testing.T) {
	p, _, _ := newTestProvider(t)
	assert.True(t, p.Handles(graph.KindNamespace))
	assert.True(t, p.Handles(graph.KindChartRelease))
	assert.True(t, p.Handles(graph.KindServiceIdentity))
	assert.False(t, p.Handles(graph.KindCluster))
}

func TestNamespaceLifecycle(t *testing.T) {
	p, clientset, _ := newTestProvider(t)
	ctx := context.Background()
	n := testNode(t, "karpenter-namespace", graph.KindNamespace, "name: karpenter\nlabels:\n  team: platform\n")

	attrs, err := p.Apply(ctx, n, outputs{})
	require.NoError(t, err)
	assert.Equal(t, "karpenter", attrs["name"])

	ns, err := clientset.CoreV1().Namespaces().Get(ctx, "karpenter", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "clusterboot", ns.Labels[managedByLabel])
	assert.Equal(t, "platform", ns.Labels["team"])

	// applying again tolerates the existing namespace
	_, err = p.Apply(ctx, n, outputs{})
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, n, outputs{}))
	_, err = clientset.CoreV1().Namespaces().Get(ctx, "karpenter", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	require.NoError(t, p.Delete(ctx, n, outputs{}))
}

func TestNamespaceAdoptsExisting(t *testing.T) {
	existing := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "karpenter", Labels: map[string]string{"owner": "someone"}}}
	p, clientset, _ := newTestProvider(t, existing)
	ctx := context.Background()

	_, err := p.Apply(ctx, testNode(t, "ns", graph.KindNamespace, "name: karpenter\n"), outputs{})
	require.NoError(t, err)

	ns, err := clientset.CoreV1().Namespaces().Get(ctx, "karpenter", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "someone", ns.Labels["owner"])
	assert.Equal(t, "clusterboot", ns.Labels[managedByLabel])
}

func TestServiceAccountNeedsNamespace(t *testing.T) {
	p, _, _ := newTestProvider(t)
	n := testNode(t, "karpenter-identity", graph.KindServiceIdentity, "namespace: karpenter\nservice_account: karpenter\n")

	_, err := p.Apply(context.Background(), n, outputs{})
	var precondition *models.PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Equal(t, "serviceaccount karpenter/karpenter", precondition.Resource)
}

func TestServiceAccountLifecycle(t *testing.T) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "karpenter"}}
	p, clientset, _ := newTestProvider(t, ns)
	ctx := context.Background()
	n := testNode(t, "karpenter-identity", graph.KindServiceIdentity, `
namespace: karpenter
service_account: karpenter
annotations:
  example.com/role: ${karpenter-role.arn}
`)
	out := outputs{"karpenter-role": {"arn": "arn:aws:iam::123456789012:role/karpenter"}}

	attrs, err := p.Apply(ctx, n, out)
	require.NoError(t, err)
	assert.Equal(t, "karpenter", attrs["service_account"])

	sa, err := clientset.CoreV1().ServiceAccounts("karpenter").Get(ctx, "karpenter", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:iam::123456789012:role/karpenter", sa.Annotations["example.com/role"])

	_, err = p.Apply(ctx, n, out)
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, n, out))
	_, err = clientset.CoreV1().ServiceAccounts("karpenter").Get(ctx, "karpenter", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	require.NoError(t, p.Delete(ctx, n, out))
}

func TestChartRelease(t *testing.T) {
	p, _, releaser := newTestProvider(t)
	ctx := context.Background()
	n := testNode(t, "karpenter-chart", graph.KindChartRelease, `
release: karpenter
chart: karpenter
repository: https://charts.karpenter.sh
version: 0.16.3
namespace: karpenter
values:
  clusterName: ${cluster.name}
  clusterEndpoint: ${cluster.endpoint}
  serviceAccount:
    create: false
    name: karpenter
`)
	out := outputs{"cluster": {"name": "demo", "endpoint": "https://demo.eks"}}

	attrs, err := p.Apply(ctx, n, out)
	require.NoError(t, err)
	assert.Equal(t, "1", attrs["revision"])
	assert.Equal(t, "deployed", attrs["status"])

	rel := releaser.installed["karpenter"]
	assert.True(t, rel.Wait)
	assert.False(t, rel.CreateNamespace)
	assert.Equal(t, "demo", rel.Values["clusterName"])
	assert.Equal(t, "https://demo.eks", rel.Values["clusterEndpoint"])
	assert.Equal(t, map[string]interface{}{"create": false, "name": "karpenter"}, rel.Values["serviceAccount"])

	attrs, err = p.Apply(ctx, n, out)
	require.NoError(t, err)
	assert.Equal(t, "2", attrs["revision"])

	require.NoError(t, p.Delete(ctx, n, out))
	assert.Empty(t, releaser.installed)
}

func TestChartReleaseFailure(t *testing.T) {
	p, _, releaser := newTestProvider(t)
	releaser.err = errors.New("timed out waiting for the condition")
	n := testNode(t, "argocd", graph.KindChartRelease, `
release: argocd
chart: argo-cd
repository: https://argoproj.github.io/argo-helm
namespace: argocd
create_namespace: true
wait: false
`)
	_, err := p.Apply(context.Background(), n, outputs{})
	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "helm", perr.Provider)
	assert.Equal(t, "argocd", perr.Resource)
}

func TestChartReleaseNeedsChart(t *testing.T) {
	p, _, _ := newTestProvider(t)
	n := testNode(t, "broken", graph.KindChartRelease, "release: x\nnamespace: y\n")
	_, err := p.Apply(context.Background(), n, outputs{})
	assert.Error(t, err)
}

func TestSessionIsReused(t *testing.T) {
	calls := 0
	clientset := fake.NewSimpleClientset()
	connect := func(context.Context, executor.OutputReader) (*Session, error) {
		calls++
		return &Session{Clientset: clientset, Releases: &fakeReleaser{installed: map[string]Release{}}}, nil
	}
	p := NewProvider(connect)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	n := testNode(t, "ns", graph.KindNamespace, "name: a\n")
	_, err := p.Apply(context.Background(), n, outputs{})
	require.NoError(t, err)
	_, err = p.Apply(context.Background(), n, outputs{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	now = now.Add(sessionTTL)
	_, err = p.Apply(context.Background(), n, outputs{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type staticTokens string

func (s staticTokens) Token(context.Context, string) (string, error) { return string(s), nil }

func TestConnectFromClusterOutputs(t *testing.T) {
	opts := ConnectOptions{ClusterNode: "cluster", Tokens: staticTokens("k8s-aws-v1.abc")}

	_, err := clientConfigFunc(context.Background(), opts, outputs{})
	var precondition *models.PreconditionError
	require.ErrorAs(t, err, &precondition)

	ca := base64.StdEncoding.EncodeToString([]byte("-----BEGIN CERTIFICATE-----"))
	configFor, err := clientConfigFunc(context.Background(), opts, outputs{
		"cluster": {"name": "demo", "endpoint": "https://demo.eks", "certificate_authority": ca},
	})
	require.NoError(t, err)

	cc := configFor("karpenter")
	ns, _, err := cc.Namespace()
	require.NoError(t, err)
	assert.Equal(t, "karpenter", ns)

	rest, err := cc.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://demo.eks", rest.Host)
	assert.Equal(t, "k8s-aws-v1.abc", rest.BearerToken)
	assert.Equal(t, []byte("-----BEGIN CERTIFICATE-----"), rest.CAData)
}

func TestManagedRepoName(t *testing.T) {
	a := managedRepoName("https://charts.karpenter.sh")
	assert.Equal(t, a, managedRepoName("https://charts.karpenter.sh"))
	assert.NotEqual(t, a, managedRepoName("https://argoproj.github.io/argo-helm"))
	assert.Len(t, a, len("helm-manager-")+64)
}

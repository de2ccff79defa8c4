package document

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const argocdValues = `
server:
  service:
    type: ClusterIP
  replicas: 2
configs:
  params:
    server.insecure: true
global:
  domain: argocd.example.com
`

func TestFromYAMLKeepsOrder(t *testing.T) {
	d, err := FromYAML([]byte(argocdValues))
	require.NoError(t, err)
	assert.Equal(t, []string{"server", "configs", "global"}, d.Keys())

	out, err := d.YAML()
	require.NoError(t, err)
	serverIdx := strings.Index(string(out), "server:")
	globalIdx := strings.Index(string(out), "global:")
	assert.Less(t, serverIdx, globalIdx)
}

func TestFromYAMLRejectsNonMapping(t *testing.T) {
	_, err := FromYAML([]byte("- a\n- b\n"))
	assert.Error(t, err)

	d, err := FromYAML(nil)
	require.NoError(t, err)
	assert.Empty(t, d.Keys())
}

func TestSetAndGet(t *testing.T) {
	d := New()
	require.NoError(t, d.Set("serviceAccount.create", false))
	require.NoError(t, d.Set("serviceAccount.name", "karpenter"))
	require.NoError(t, d.Set("clusterName", "demo"))
	require.NoError(t, d.Set("replicas", 3))
	require.NoError(t, d.Set("instanceTypes", []string{"m5.large", "t3.small"}))
	require.NoError(t, d.SetIn([]string{"labels", "karpenter.sh/nodepool"}, "default"))

	assert.Equal(t, []string{"serviceAccount", "clusterName", "replicas", "instanceTypes", "labels"}, d.Keys())
	assert.Equal(t, "karpenter", d.String("serviceAccount.name"))
	assert.False(t, d.Bool("serviceAccount.create"))
	n, ok := d.Int("replicas")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"m5.large", "t3.small"}, d.Strings("instanceTypes"))
	assert.Equal(t, map[string]string{"karpenter.sh/nodepool": "default"}, d.StringMap("labels"))
	assert.True(t, d.Has("serviceAccount"))
	assert.False(t, d.Has("serviceAccount.annotations"))

	// overwriting keeps the position
	require.NoError(t, d.Set("serviceAccount", "flat"))
	assert.Equal(t, "serviceAccount", d.Keys()[0])
	assert.Error(t, d.Set("serviceAccount.name", "x"), "cannot descend into a scalar")
}

func TestSetDocument(t *testing.T) {
	values, err := FromYAML([]byte(argocdValues))
	require.NoError(t, err)

	cfg := New()
	require.NoError(t, cfg.Set("values", values))
	assert.Equal(t, "ClusterIP", cfg.String("values.server.service.type"))

	sub, ok := cfg.Sub("values")
	require.True(t, ok)
	assert.Equal(t, []string{"server", "configs", "global"}, sub.Keys())
}

func TestInterpolate(t *testing.T) {
	d := New()
	require.NoError(t, d.Set("clusterName", "${cluster.name}"))
	require.NoError(t, d.Set("clusterEndpoint", "${cluster.endpoint}"))
	require.NoError(t, d.Set("settings.queue", "queue is ${queue-interruption.name}"))
	require.NoError(t, d.Set("plain", "unchanged"))

	assert.Equal(t, []string{"cluster.name", "cluster.endpoint", "queue-interruption.name"}, d.References())

	values := map[string]string{
		"cluster.name":            "demo",
		"cluster.endpoint":        "https://ABC.gr7.eu-west-1.eks.amazonaws.com",
		"queue-interruption.name": "interruption-queue",
	}
	out, err := d.Interpolate(func(ref string) (string, bool) {
		v, ok := values[ref]
		return v, ok
	})
	require.NoError(t, err)
	assert.Equal(t, "demo", out.String("clusterName"))
	assert.Equal(t, "https://ABC.gr7.eu-west-1.eks.amazonaws.com", out.String("clusterEndpoint"))
	assert.Equal(t, "queue is interruption-queue", out.String("settings.queue"))
	assert.Equal(t, "unchanged", out.String("plain"))

	// the source document is untouched
	assert.Equal(t, "${cluster.name}", d.String("clusterName"))
}

func TestInterpolateUnresolved(t *testing.T) {
	d := New()
	require.NoError(t, d.Set("clusterEndpoint", "${cluster.endpoint}"))

	_, err := d.Interpolate(func(string) (string, bool) { return "", false })
	var unresolved *UnresolvedReferenceError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "cluster.endpoint", unresolved.Reference)
}

func TestToMapAndJSON(t *testing.T) {
	d, err := FromYAML([]byte(argocdValues))
	require.NoError(t, err)

	m, err := d.ToMap()
	require.NoError(t, err)
	server := m["server"].(map[string]interface{})
	assert.Equal(t, 2, server["replicas"])

	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var back Document
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "argocd.example.com", back.String("global.domain"))
}

func TestCloneIsDeep(t *testing.T) {
	d := New()
	require.NoError(t, d.Set("a.b", "1"))
	c := d.Clone()
	require.NoError(t, c.Set("a.b", "2"))
	assert.Equal(t, "1", d.String("a.b"))
	assert.Equal(t, "2", c.String("a.b"))
}

// Package kube provisions the in-cluster side of a stack: namespaces,
// service accounts and Helm chart releases.
package kube

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/models"
)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "clusterboot"

	// EKS tokens live 15 minutes; reconnect well before that
	sessionTTL = 10 * time.Minute
)

// Provider implements executor.Provisioner for the in-cluster node kinds
type Provider struct {
	connect Connector
	logger  *zap.Logger

	chartTimeout time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	session  *Session
	openedAt time.Time
	now      func() time.Time
}

type ProviderOption func(*Provider)

func WithLogger(logger *zap.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithChartTimeout bounds a single Helm install, upgrade or uninstall
func WithChartTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.chartTimeout = d }
}

// WithPollInterval sets how often namespace deletion is checked
func WithPollInterval(d time.Duration) ProviderOption {
	return func(p *Provider) { p.pollInterval = d }
}

func NewProvider(connect Connector, opts ...ProviderOption) *Provider {
	p := &Provider{
		connect:      connect,
		logger:       zap.NewNop(),
		chartTimeout: 10 * time.Minute,
		waitTimeout:  5 * time.Minute,
		pollInterval: 2 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handles reports whether kind is provisioned inside the cluster
func (p *Provider) Handles(kind graph.Kind) bool {
	switch kind {
	case graph.KindNamespace, graph.KindServiceIdentity, graph.KindChartRelease:
		return true
	}
	return false
}

func (p *Provider) sessionFor(ctx context.Context, outputs executor.OutputReader) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil && p.now().Sub(p.openedAt) < sessionTTL {
		return p.session, nil
	}
	s, err := p.connect(ctx, outputs)
	if err != nil {
		return nil, err
	}
	p.session = s
	p.openedAt = p.now()
	return s, nil
}

func (p *Provider) Apply(ctx context.Context, node graph.Node, outputs executor.OutputReader) (executor.Attributes, error) {
	cfg, err := node.Config.Interpolate(outputs.Lookup)
	if err != nil {
		return nil, err
	}
	s, err := p.sessionFor(ctx, outputs)
	if err != nil {
		return nil, err
	}

	switch node.Kind {
	case graph.KindNamespace:
		return p.applyNamespace(ctx, s, cfg)
	case graph.KindServiceIdentity:
		return p.applyServiceAccount(ctx, s, cfg)
	case graph.KindChartRelease:
		return p.applyChart(ctx, s, cfg)
	}
	return nil, fmt.Errorf("kubernetes provider cannot apply %s node %s", node.Kind, node.ID)
}

func (p *Provider) Delete(ctx context.Context, node graph.Node, outputs executor.OutputReader) error {
	cfg, err := node.Config.Interpolate(outputs.Lookup)
	if err != nil {
		cfg = node.Config.Clone()
	}
	s, err := p.sessionFor(ctx, outputs)
	if err != nil {
		return err
	}

	switch node.Kind {
	case graph.KindNamespace:
		return p.deleteNamespace(ctx, s, cfg)
	case graph.KindServiceIdentity:
		return p.deleteServiceAccount(ctx, s, cfg)
	case graph.KindChartRelease:
		return p.deleteChart(ctx, s, cfg)
	}
	return fmt.Errorf("kubernetes provider cannot delete %s node %s", node.Kind, node.ID)
}

func fail(operation, resource string, err error) error {
	return &models.ProviderError{Provider: "kubernetes", Operation: operation, Resource: resource, Cause: err}
}

func labelsFor(cfg *document.Document) map[string]string {
	labels := map[string]string{managedByLabel: managedByValue}
	for k, v := range cfg.StringMap("labels") {
		labels[k] = v
	}
	return labels
}

func mergeInto(dst *map[string]string, src map[string]string) bool {
	changed := false
	if *dst == nil {
		*dst = map[string]string{}
	}
	for k, v := range src {
		if (*dst)[k] != v {
			(*dst)[k] = v
			changed = true
		}
	}
	return changed
}

func (p *Provider) applyNamespace(ctx context.Context, s *Session, cfg *document.Document) (executor.Attributes, error) {
	name := cfg.String("name")
	if name == "" {
		return nil, fmt.Errorf("missing required setting %q", "name")
	}
	namespaces := s.Clientset.CoreV1().Namespaces()

	ns, err := namespaces.Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labelsFor(cfg)},
	}, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		ns, err = namespaces.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fail("get-namespace", name, err)
		}
		if ns.DeletionTimestamp != nil {
			return nil, &models.PreconditionError{Resource: "namespace " + name, Requirement: "namespace is still terminating"}
		}
		if mergeInto(&ns.Labels, labelsFor(cfg)) {
			ns, err = namespaces.Update(ctx, ns, metav1.UpdateOptions{})
		}
	}
	if err != nil {
		return nil, fail("create-namespace", name, err)
	}
	p.logger.Info("namespace ready", zap.String("namespace", name))
	return executor.Attributes{"name": name, "uid": string(ns.UID)}, nil
}

func (p *Provider) deleteNamespace(ctx context.Context, s *Session, cfg *document.Document) error {
	name := cfg.String("name")
	namespaces := s.Clientset.CoreV1().Namespaces()

	err := namespaces.Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationForeground),
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fail("delete-namespace", name, err)
	}

	err = wait.PollUntilContextTimeout(ctx, p.pollInterval, p.waitTimeout, true, func(ctx context.Context) (bool, error) {
		_, err := namespaces.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
	if err != nil {
		return fail("wait-namespace-deleted", name, err)
	}
	return nil
}

// applyServiceAccount creates the in-cluster half of a service identity.
// The namespace has to exist already; a missing one is a precondition
// failure rather than something to create implicitly.
func (p *Provider) applyServiceAccount(ctx context.Context, s *Session, cfg *document.Document) (executor.Attributes, error) {
	namespace := cfg.String("namespace")
	name := cfg.String("service_account")
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("service identity needs namespace and service_account")
	}
	resource := fmt.Sprintf("serviceaccount %s/%s", namespace, name)

	if _, err := s.Clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, &models.PreconditionError{
				Resource:    resource,
				Requirement: fmt.Sprintf("namespace %s must exist", namespace),
				Cause:       err,
			}
		}
		return nil, fail("get-namespace", namespace, err)
	}

	accounts := s.Clientset.CoreV1().ServiceAccounts(namespace)
	sa, err := accounts.Create(ctx, &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			Labels:      labelsFor(cfg),
			Annotations: cfg.StringMap("annotations"),
		},
	}, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		sa, err = accounts.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fail("get-serviceaccount", resource, err)
		}
		changed := mergeInto(&sa.Labels, labelsFor(cfg))
		if mergeInto(&sa.Annotations, cfg.StringMap("annotations")) {
			changed = true
		}
		if changed {
			sa, err = accounts.Update(ctx, sa, metav1.UpdateOptions{})
		}
	}
	if err != nil {
		return nil, fail("create-serviceaccount", resource, err)
	}
	return executor.Attributes{
		"namespace":       namespace,
		"service_account": sa.Name,
	}, nil
}

func (p *Provider) deleteServiceAccount(ctx context.Context, s *Session, cfg *document.Document) error {
	namespace := cfg.String("namespace")
	name := cfg.String("service_account")
	err := s.Clientset.CoreV1().ServiceAccounts(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fail("delete-serviceaccount", namespace+"/"+name, err)
	}
	return nil
}

func (p *Provider) release(cfg *document.Document) (Release, error) {
	rel := Release{
		Name:            cfg.String("release"),
		Chart:           cfg.String("chart"),
		Repository:      cfg.String("repository"),
		Version:         cfg.String("version"),
		Namespace:       cfg.String("namespace"),
		CreateNamespace: cfg.Bool("create_namespace"),
		Wait:            !cfg.Has("wait") || cfg.Bool("wait"),
		Timeout:         p.chartTimeout,
		Values:          map[string]interface{}{},
	}
	if rel.Name == "" || rel.Chart == "" || rel.Repository == "" || rel.Namespace == "" {
		return Release{}, fmt.Errorf("chart release needs release, chart, repository and namespace")
	}
	if values, ok := cfg.Sub("values"); ok {
		m, err := values.ToMap()
		if err != nil {
			return Release{}, err
		}
		rel.Values = m
	}
	return rel, nil
}

func (p *Provider) applyChart(ctx context.Context, s *Session, cfg *document.Document) (executor.Attributes, error) {
	rel, err := p.release(cfg)
	if err != nil {
		return nil, err
	}
	p.logger.Info("installing chart",
		zap.String("release", rel.Name),
		zap.String("chart", rel.Chart),
		zap.String("version", rel.Version),
		zap.String("namespace", rel.Namespace))

	info, err := s.Releases.InstallOrUpgrade(ctx, rel)
	if err != nil {
		return nil, &models.ProviderError{Provider: "helm", Operation: "install", Resource: rel.Name, Cause: err}
	}
	return executor.Attributes{
		"release":       info.Name,
		"namespace":     info.Namespace,
		"revision":      strconv.Itoa(info.Revision),
		"status":        info.Status,
		"chart_version": info.ChartVersion,
		"app_version":   info.AppVersion,
	}, nil
}

func (p *Provider) deleteChart(ctx context.Context, s *Session, cfg *document.Document) error {
	name := cfg.String("release")
	namespace := cfg.String("namespace")
	if err := s.Releases.Uninstall(ctx, name, namespace); err != nil {
		return &models.ProviderError{Provider: "helm", Operation: "uninstall", Resource: name, Cause: err}
	}
	return nil
}

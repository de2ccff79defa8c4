package kube

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/downloader"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/repo"
)

// Release information is kept in Secrets in the release namespace.
const secretStorageDriver = "secret"

// Release describes one chart installation.
type Release struct {
	Name            string
	Chart           string
	Repository      string
	Version         string
	Namespace       string
	CreateNamespace bool
	Wait            bool
	Timeout         time.Duration
	Values          map[string]interface{}
}

// ReleaseInfo is what an install or upgrade reports back.
type ReleaseInfo struct {
	Name         string
	Namespace    string
	Revision     int
	Status       string
	ChartVersion string
	AppVersion   string
}

// Releaser installs and removes chart releases.
type Releaser interface {
	InstallOrUpgrade(ctx context.Context, rel Release) (ReleaseInfo, error)
	Uninstall(ctx context.Context, name, namespace string) error
}

// HelmSettings holds where repositories and their indexes are cached.
type HelmSettings struct {
	RepositoryConfig string
	RepositoryCache  string
}

// NewHelmSettings keeps the Helm cache under rootDir.
func NewHelmSettings(rootDir string) HelmSettings {
	return HelmSettings{
		RepositoryConfig: filepath.Join(rootDir, "repositories.yaml"),
		RepositoryCache:  filepath.Join(rootDir, "repository"),
	}
}

// DefaultHelmSettings caches under the user cache directory.
func DefaultHelmSettings() HelmSettings {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return NewHelmSettings(filepath.Join(dir, "clusterboot", "helm"))
}

func (s HelmSettings) getterProviders() getter.Providers {
	return getter.All(&cli.EnvSettings{
		RepositoryConfig: s.RepositoryConfig,
		RepositoryCache:  s.RepositoryCache,
	})
}

// HelmReleaser is a Releaser backed by the Helm action package.
type HelmReleaser struct {
	configFor ClientConfigFunc
	settings  HelmSettings
	getters   getter.Providers
	logger    *zap.SugaredLogger

	// the repositories file is shared between releases
	repoMu sync.Mutex
}

func NewHelmReleaser(configFor ClientConfigFunc, settings HelmSettings, logger *zap.Logger) *HelmReleaser {
	if settings.RepositoryConfig == "" {
		settings = DefaultHelmSettings()
	}
	return &HelmReleaser{
		configFor: configFor,
		settings:  settings,
		getters:   settings.getterProviders(),
		logger:    logger.Sugar().With("component", "helm"),
	}
}

func (h *HelmReleaser) actionConfig(namespace string) (*action.Configuration, error) {
	cfg := new(action.Configuration)
	clientGetter := &restGetter{config: h.configFor(namespace)}
	if err := cfg.Init(clientGetter, namespace, secretStorageDriver, h.logger.Debugf); err != nil {
		return nil, fmt.Errorf("can not initialize helm action config: %w", err)
	}
	return cfg, nil
}

// InstallOrUpgrade installs the release when Helm has no record of it and
// upgrades it otherwise. A release whose first install never completed is
// removed and installed again.
func (h *HelmReleaser) InstallOrUpgrade(ctx context.Context, rel Release) (ReleaseInfo, error) {
	chartLoc, cleanup, err := h.downloadChart(rel)
	if err != nil {
		return ReleaseInfo{}, err
	}
	defer cleanup()

	chrt, err := loader.Load(chartLoc)
	if err != nil {
		return ReleaseInfo{}, fmt.Errorf("can not load chart: %w", err)
	}

	cfg, err := h.actionConfig(rel.Namespace)
	if err != nil {
		return ReleaseInfo{}, err
	}

	last, err := cfg.Releases.Last(rel.Name)
	installed := err == nil
	if installed && incomplete(last) {
		h.logger.Infow("removing incomplete release", "release", rel.Name, "status", last.Info.Status.String())
		if _, err := action.NewUninstall(cfg).Run(rel.Name); err != nil {
			return ReleaseInfo{}, fmt.Errorf("can not remove incomplete release %s: %w", rel.Name, err)
		}
		installed = false
	}

	var out *release.Release
	if !installed {
		install := action.NewInstall(cfg)
		install.Namespace = rel.Namespace
		install.ReleaseName = rel.Name
		install.CreateNamespace = rel.CreateNamespace
		install.Wait = rel.Wait
		install.Timeout = rel.Timeout
		out, err = install.RunWithContext(ctx, chrt, rel.Values)
	} else {
		upgrade := action.NewUpgrade(cfg)
		upgrade.Namespace = rel.Namespace
		upgrade.Wait = rel.Wait
		upgrade.Timeout = rel.Timeout
		out, err = upgrade.RunWithContext(ctx, rel.Name, chrt, rel.Values)
	}
	if err != nil {
		return ReleaseInfo{}, err
	}

	info := ReleaseInfo{
		Name:      out.Name,
		Namespace: out.Namespace,
		Revision:  out.Version,
	}
	if out.Info != nil {
		info.Status = out.Info.Status.String()
	}
	if out.Chart != nil && out.Chart.Metadata != nil {
		info.ChartVersion = out.Chart.Metadata.Version
		info.AppVersion = out.Chart.Metadata.AppVersion
	}
	return info, nil
}

func incomplete(rel *release.Release) bool {
	if rel.Version != 1 || rel.Info == nil {
		return false
	}
	return rel.Info.Status == release.StatusFailed || rel.Info.Status == release.StatusPendingInstall
}

// Uninstall removes the release. A release Helm does not know is already
// gone.
func (h *HelmReleaser) Uninstall(_ context.Context, name, namespace string) error {
	cfg, err := h.actionConfig(namespace)
	if err != nil {
		return err
	}
	if _, err := cfg.Releases.Last(name); err != nil {
		h.logger.Debugw("release not installed", "release", name, "namespace", namespace)
		return nil
	}
	uninstall := action.NewUninstall(cfg)
	uninstall.Wait = true
	if _, err := uninstall.Run(name); err != nil {
		return err
	}
	return nil
}

// downloadChart fetches the chart archive into a temporary directory and
// returns its path with a function removing it.
func (h *HelmReleaser) downloadChart(rel Release) (string, func(), error) {
	h.repoMu.Lock()
	defer h.repoMu.Unlock()

	if err := os.MkdirAll(h.settings.RepositoryCache, 0o755); err != nil {
		return "", nil, err
	}

	repoName := rel.Repository
	if !strings.HasPrefix(rel.Repository, "oci://") {
		var err error
		repoName, err = h.ensureRepository(rel.Repository)
		if err != nil {
			return "", nil, err
		}
	}

	regClient, err := registry.NewClient()
	if err != nil {
		return "", nil, fmt.Errorf("can not initialize registry client: %w", err)
	}

	dest, err := os.MkdirTemp("", "clusterboot-chart-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dest) }

	var out strings.Builder
	dl := downloader.ChartDownloader{
		Out:              &out,
		Verify:           downloader.VerifyNever,
		RepositoryConfig: h.settings.RepositoryConfig,
		RepositoryCache:  h.settings.RepositoryCache,
		Getters:          h.getters,
		RegistryClient:   regClient,
		Options:          []getter.Option{getter.WithRegistryClient(regClient)},
	}

	chartRef := repoName + "/" + rel.Chart
	chartLoc, _, err := dl.DownloadTo(chartRef, rel.Version, dest)
	if err != nil {
		cleanup()
		h.logger.Errorw("failed to download chart", "chart", chartRef, "version", rel.Version, "log", out.String())
		return "", nil, fmt.Errorf("can not download chart %s: %w", chartRef, err)
	}
	h.logger.Debugw("downloaded chart", "chart", chartRef, "version", rel.Version)
	return chartLoc, cleanup, nil
}

// ensureRepository registers url in the repositories file under a name
// derived from it and refreshes its index.
func (h *HelmReleaser) ensureRepository(url string) (string, error) {
	repoFile, err := repo.LoadFile(h.settings.RepositoryConfig)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	name := managedRepoName(url)
	entry := &repo.Entry{Name: name, URL: url}

	chartRepo, err := repo.NewChartRepository(entry, h.getters)
	if err != nil {
		return "", err
	}
	chartRepo.CachePath = h.settings.RepositoryCache
	if _, err := chartRepo.DownloadIndexFile(); err != nil {
		return "", fmt.Errorf("can not download index file for %s: %w", url, err)
	}

	if !repoFile.Has(name) {
		repoFile.Add(entry)
		if err := os.MkdirAll(filepath.Dir(h.settings.RepositoryConfig), 0o755); err != nil {
			return "", err
		}
		return name, repoFile.WriteFile(h.settings.RepositoryConfig, 0o644)
	}
	return name, nil
}

// managedRepoName matches the name helm itself gives repositories it manages.
func managedRepoName(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "helm-manager-" + hex.EncodeToString(sum[:])
}

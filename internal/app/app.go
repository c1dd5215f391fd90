// Package app wires the Config Store, Container Catalog, Engine Client,
// Registry Client, Lifecycle Engine, Mode Controller, and Auth Session into
// a single struct, the way the teacher's pkg/app/app.go wires its own
// equivalents together for the TUI. There is no TUI here: App is meant to be
// driven by an external HTTP facade, out of scope for this module.
package app

import (
	"errors"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/aio-orchestrator/masterd/internal/auth"
	"github.com/aio-orchestrator/masterd/internal/catalog"
	"github.com/aio-orchestrator/masterd/internal/config"
	"github.com/aio-orchestrator/masterd/internal/engine"
	"github.com/aio-orchestrator/masterd/internal/lifecycle"
	"github.com/aio-orchestrator/masterd/internal/mode"
	"github.com/aio-orchestrator/masterd/internal/obslog"
)

// Config names the on-disk layout App bootstraps from, mirroring
// original_source's data_const module.
type Config struct {
	// DataDir holds configuration.json and everything else this process
	// persists (e.g. /mnt/docker-aio-config/data in production).
	DataDir string
	// CatalogPath is the built-in container manifest (containers.json).
	CatalogPath string
	// CommunityContainersDir holds per-container community fragments.
	CommunityContainersDir string
	// DockerSocketPath overrides the configured socket path if non-empty.
	DockerSocketPath string

	Debug     bool
	Version   string
	Commit    string
	BuildDate string
}

// App is the single in-process owner of every long-lived collaborator.
type App struct {
	closers []io.Closer

	Log        *logrus.Entry
	Store      *config.Store
	Catalog    *catalog.Catalog
	Engine     *engine.Client
	Registry   *engine.RegistryClient
	Mode       *mode.Controller
	Session    *auth.Session
	ConfigPath string
}

// New constructs an App from cfg. The engine client dials
// store's configured (or cfg-overridden) docker socket path.
func New(cfg Config) (*App, error) {
	log := obslog.New(cfg.Debug, cfg.Version, cfg.Commit, cfg.BuildDate)

	configPath := filepath.Join(cfg.DataDir, "configuration.json")
	store := config.Open(configPath, log)

	cat, err := catalog.LoadWithCommunity(cfg.CatalogPath, cfg.CommunityContainersDir)
	if err != nil {
		return nil, err
	}

	socketPath := cfg.DockerSocketPath
	if socketPath == "" {
		socketPath = store.Read().Config().DockerSocketPath
	}
	eng, err := engine.New(socketPath, log)
	if err != nil {
		return nil, err
	}

	registry := engine.NewRegistryClient(eng)

	lc := lifecycle.Context{
		Catalog:  cat,
		Engine:   eng,
		Registry: registry,
		Store:    store,
		Log:      log,
	}

	return &App{
		closers:    []io.Closer{eng},
		Log:        log,
		Store:      store,
		Catalog:    cat,
		Engine:     eng,
		Registry:   registry,
		Mode:       mode.New(lc),
		Session:    &auth.Session{},
		ConfigPath: configPath,
	}, nil
}

// Close releases every resource App opened, collecting every closer's error
// rather than stopping at the first one.
func (a *App) Close() error {
	return closeMany(a.closers)
}

func closeMany(closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

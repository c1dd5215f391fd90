// Package lifecycle walks the container catalog's dependency graph to bring
// containers up or down in the right order, applying the pull-downgrade
// guards the registry and the database container require.
package lifecycle

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/aio-orchestrator/masterd/internal/catalog"
	"github.com/aio-orchestrator/masterd/internal/config"
	"github.com/aio-orchestrator/masterd/internal/engine"
)

const databaseContainer = "nextcloud-aio-database"

// Context bundles the read-only collaborators every lifecycle call needs.
// Store is a value (cheap to copy, wrapping a shared *sync.RWMutex) rather
// than a held config.MutableGuard, so no lifecycle call can deadlock against
// another's independent Write/Commit pair.
type Context struct {
	Catalog  *catalog.Catalog
	Engine   *engine.Client
	Registry *engine.RegistryClient
	Store    *config.Store
	Log      *logrus.Entry
}

// RecursiveStart brings up id and every dependency it needs, in
// dependency-first order, skipping anything already started or missing its
// image. pullImage requests a fresh image pull for each container started;
// it is downgraded to false for the database container if its last exit code
// was non-zero, and for any container if the registry is unreachable.
func (c Context) RecursiveStart(ctx context.Context, id string, pullImage bool) error {
	for _, spec := range c.Catalog.DependencyList(id) {
		state, err := c.Engine.InspectRunningState(ctx, spec)
		if err != nil {
			return err
		}

		switch state {
		case engine.StateImageMissing:
			c.Log.WithField("container", spec.Identifier).Warn("not starting, it does not exist")
			continue
		case engine.StateStopped:
			// proceed below
		default:
			c.Log.WithField("container", spec.Identifier).Warn("not starting, it was already started")
			continue
		}

		pull := pullImage
		if spec.Identifier == databaseContainer && c.Engine.ExitCode(ctx, databaseContainer) > 0 {
			pull = false
			c.Log.Warn("not pulling the latest database image because the container was not correctly shut down")
		}
		if pull && !c.Registry.RepositoryReachable(ctx, spec.ContainerName, spec.ImageTag) {
			pull = false
			c.Log.WithField("container", spec.Identifier).Warn("not pulling the image, the registry does not seem to be reachable")
		}

		if err := c.Engine.Delete(ctx, spec); err != nil {
			return err
		}
		if err := c.Engine.VolumesCreate(ctx, spec.Volumes); err != nil {
			return err
		}

		imageName := resolveImageName(spec, c.Registry.CurrentChannel(ctx))
		if pull {
			if err := c.Engine.Pull(ctx, imageName); err != nil {
				return err
			}
		}

		deps := c.Catalog.DependencyList(spec.Identifier)
		backupVolumes := collectBackupVolumes(deps)
		execCommands := collectExecCommands(deps)

		if err := c.Engine.Create(ctx, c.Store, engine.CreateInput{
			Spec:                  spec,
			Config:                c.Store.Read().Config(),
			ImageName:             imageName,
			BackupVolumes:         backupVolumes,
			NextcloudExecCommands: execCommands,
			CommunityContainers:   []string(c.Store.Read().Config().AIOCommunityContainers),
		}); err != nil {
			return err
		}
		if err := c.Engine.Start(ctx, spec.Identifier); err != nil {
			return err
		}
		if err := c.Engine.NetworkConnect(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// RecursiveStop tears down id and every dependency it needs, in
// dependents-first order (the reverse of RecursiveStart), skipping anything
// already stopped or missing its image.
func (c Context) RecursiveStop(ctx context.Context, id string) error {
	deps := c.Catalog.DependencyList(id)
	for i := len(deps) - 1; i >= 0; i-- {
		spec := deps[i]
		state, err := c.Engine.InspectRunningState(ctx, spec)
		if err != nil {
			return err
		}
		switch state {
		case engine.StateImageMissing:
			c.Log.WithField("container", spec.Identifier).Warn("not stopping, it does not exist")
			continue
		case engine.StateStopped:
			c.Log.WithField("container", spec.Identifier).Warn("not stopping, it was already stopped")
			continue
		}
		if err := c.Engine.Stop(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// RecursiveStopAndStart tears down idStop and brings up idStart, used by the
// Mode Controller to transition between mutually-exclusive top-level modes.
func (c Context) RecursiveStopAndStart(ctx context.Context, idStop, idStart string, pullImage bool) error {
	if err := c.RecursiveStop(ctx, idStop); err != nil {
		return err
	}
	return c.RecursiveStart(ctx, idStart, pullImage)
}

func resolveImageName(spec *catalog.Spec, channel string) string {
	tag := spec.ImageTag
	if tag == "%AIO_CHANNEL%" {
		tag = channel
	}
	return spec.ContainerName + ":" + tag
}

func collectBackupVolumes(deps []*catalog.Spec) []string {
	var out []string
	for _, spec := range deps {
		out = append(out, spec.BackupVolumes...)
	}
	return out
}

func collectExecCommands(deps []*catalog.Spec) string {
	var out string
	for _, spec := range deps {
		for _, cmd := range spec.NextcloudExecCommands {
			if out != "" {
				out += "\n"
			}
			out += cmd
		}
	}
	return out
}

// Package mode implements the composite, named transitions a deployment can
// be put through: starting or stopping the stack's top container, and the
// backup/check/repair/test/watchtower/domaincheck variants layered on top of
// the Lifecycle Engine's recursive start/stop primitives.
package mode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/aio-orchestrator/masterd/internal/config"
	"github.com/aio-orchestrator/masterd/internal/engine"
	"github.com/aio-orchestrator/masterd/internal/lifecycle"
)

const (
	topContainer         = "nextcloud-aio-apache"
	backupContainer      = "nextcloud-aio-borgbackup"
	domaincheckContainer = "nextcloud-aio-domaincheck"
	watchtowerContainer  = "nextcloud-aio-watchtower"

	domaincheckSuppressionWindow = 600 * time.Second
)

// Controller exposes the eight composite mode transitions over a shared
// lifecycle.Context.
type Controller struct {
	lifecycle lifecycle.Context

	domaincheckMu          sync.Mutex
	domaincheckLastAttempt time.Time
}

// New builds a Controller over the given lifecycle context.
func New(lc lifecycle.Context) *Controller {
	return &Controller{lifecycle: lc}
}

// StartTopContainer issues a fresh boot token, then stops the domaincheck
// container and starts the top container in its place.
func (c *Controller) StartTopContainer(ctx context.Context, pullImage bool) error {
	token, err := randomHex(24)
	if err != nil {
		return err
	}
	if err := c.lifecycle.Store.SetAIOToken(token); err != nil {
		return err
	}
	return c.lifecycle.RecursiveStopAndStart(ctx, domaincheckContainer, topContainer, pullImage)
}

// StopTopContainer stops the top container and everything it depends on.
func (c *Controller) StopTopContainer(ctx context.Context) error {
	return c.lifecycle.RecursiveStop(ctx, topContainer)
}

// StartBackup stops the top container and starts a manual backup run.
func (c *Controller) StartBackup(ctx context.Context) error {
	if err := c.setBackupMode(config.BackupModeBackup); err != nil {
		return err
	}
	return c.lifecycle.RecursiveStopAndStart(ctx, topContainer, backupContainer, true)
}

// CheckBackup starts the backup container in check mode without stopping
// the top container first.
func (c *Controller) CheckBackup(ctx context.Context) error {
	if err := c.setBackupMode(config.BackupModeCheck); err != nil {
		return err
	}
	return c.lifecycle.RecursiveStart(ctx, backupContainer, true)
}

// RepairBackup runs a check-repair pass, then leaves the configuration in
// Check mode. The two mode writes are independent commits: the second is
// never issued while holding the guard the first used, so RecursiveStart
// cannot deadlock reentering the Config Store.
func (c *Controller) RepairBackup(ctx context.Context) error {
	if err := c.setBackupMode(config.BackupModeCheckRepair); err != nil {
		return err
	}
	if err := c.lifecycle.RecursiveStart(ctx, backupContainer, true); err != nil {
		return err
	}
	return c.setBackupMode(config.BackupModeCheck)
}

// TestBackup stops the top container and starts the backup container in
// test mode.
func (c *Controller) TestBackup(ctx context.Context) error {
	if err := c.setBackupMode(config.BackupModeTest); err != nil {
		return err
	}
	return c.lifecycle.RecursiveStopAndStart(ctx, topContainer, backupContainer, true)
}

// StartWatchtower starts the watchtower container and its dependencies.
func (c *Controller) StartWatchtower(ctx context.Context) error {
	return c.lifecycle.RecursiveStart(ctx, watchtowerContainer, true)
}

// IsLoginAllowed reports whether the top container is currently running.
func (c *Controller) IsLoginAllowed(ctx context.Context) (bool, error) {
	spec, ok := c.lifecycle.Catalog.Get(topContainer)
	if !ok {
		return false, nil
	}
	state, err := c.lifecycle.Engine.InspectRunningState(ctx, spec)
	if err != nil {
		return false, err
	}
	return state == engine.StateRunning, nil
}

// StartDomaincheck restarts the domaincheck container, unless the domain is
// already configured, the start button was already clicked, or a previous
// attempt ran within the last 600 seconds. The whole operation is advisory:
// every engine failure is logged and swallowed rather than surfaced, since a
// transient failure here should never block the caller that triggered it.
func (c *Controller) StartDomaincheck(ctx context.Context) error {
	snap := c.lifecycle.Store.Read().Config()
	if snap.Domain != nil || bool(snap.WasStartButtonClicked) {
		return nil
	}

	apacheSpec, ok := c.lifecycle.Catalog.Get(topContainer)
	if ok {
		state, err := c.lifecycle.Engine.InspectRunningState(ctx, apacheSpec)
		if err != nil {
			c.lifecycle.Log.WithError(err).Warn("could not inspect top container before domaincheck")
			return nil
		}
		if state == engine.StateRunning {
			return nil
		}
	}

	c.domaincheckMu.Lock()
	if !c.domaincheckLastAttempt.IsZero() && time.Since(c.domaincheckLastAttempt) < domaincheckSuppressionWindow {
		c.domaincheckMu.Unlock()
		return nil
	}
	c.domaincheckLastAttempt = time.Now()
	c.domaincheckMu.Unlock()

	if err := c.lifecycle.RecursiveStop(ctx, domaincheckContainer); err != nil {
		c.lifecycle.Log.WithError(err).Warn("could not stop domaincheck container")
		return nil
	}
	if err := c.lifecycle.RecursiveStart(ctx, domaincheckContainer, true); err != nil {
		c.lifecycle.Log.WithError(err).Warn("could not start domaincheck container")
	}
	return nil
}

func (c *Controller) setBackupMode(mode config.BackupMode) error {
	return c.lifecycle.Store.SetBackupMode(mode)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Package engine wraps the local container engine's HTTP API with typed,
// idempotent operations, plus a registry client for digest comparison.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/aio-orchestrator/masterd/internal/catalog"
)

// Transport is the http.RoundTripper a Client speaks its Engine-API calls
// over. Production code never sets one explicitly — New dials the
// configured Unix socket — but tests can substitute a FakeTransport via
// NewWithTransport to drive real Client/lifecycle code without a live
// engine.
type Transport = http.RoundTripper

// APIVersion pins the engine contract this module speaks.
const APIVersion = "1.47"

// AIONetwork is the internal bridge network every non-host-networked
// container is attached to.
const AIONetwork = "nextcloud-aio"

// Client is a thin, typed wrapper over the container engine's Unix-socket
// HTTP API. It owns no persistent state beyond the HTTP connection pool.
type Client struct {
	docker *client.Client
	log    *logrus.Entry
}

// New dials the engine at socketPath (a Unix socket path, e.g.
// /var/run/docker.sock) pinned to APIVersion.
func New(socketPath string, log *logrus.Entry) (*Client, error) {
	return newClient(log, client.WithHost("unix://"+socketPath), client.WithVersion(APIVersion))
}

// NewWithTransport builds a Client whose Engine-API calls are all served by
// transport instead of a live Unix socket — for tests only.
func NewWithTransport(socketPath string, log *logrus.Entry, transport Transport) (*Client, error) {
	return newClient(log,
		client.WithHost("unix://"+socketPath),
		client.WithVersion(APIVersion),
		client.WithHTTPClient(&http.Client{Transport: transport}),
	)
}

func newClient(log *logrus.Entry, opts ...client.Opt) (*Client, error) {
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, WrapError(fmt.Errorf("constructing engine client: %w", err))
	}
	return &Client{docker: cli, log: log}, nil
}

// Close releases the underlying HTTP connection pool.
func (c *Client) Close() error {
	return c.docker.Close()
}

// Delete removes spec's container. A container that is already gone is
// success.
func (c *Client) Delete(ctx context.Context, spec *catalog.Spec) error {
	err := c.docker.ContainerRemove(ctx, spec.Identifier, dockercontainer.RemoveOptions{})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return NewError(KindUnreachable, "deleting container "+spec.Identifier, err)
}

// Start starts the container identified by id.
func (c *Client) Start(ctx context.Context, id string) error {
	if err := c.docker.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		return NewError(KindUnreachable, "starting container "+id, err)
	}
	return nil
}

// Stop stops spec's container within its configured grace period. A
// container that is already gone or already stopped is success.
func (c *Client) Stop(ctx context.Context, spec *catalog.Spec) error {
	timeout := int(spec.MaxShutdownTimeSeconds)
	err := c.docker.ContainerStop(ctx, spec.Identifier, dockercontainer.StopOptions{Timeout: &timeout})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
		return nil
	}
	return NewError(KindUnreachable, "stopping container "+spec.Identifier, err)
}

// InspectRunningState reports spec's container's coarse lifecycle state.
func (c *Client) InspectRunningState(ctx context.Context, spec *catalog.Spec) (ContainerState, error) {
	resp, err := c.docker.ContainerInspect(ctx, spec.Identifier)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateImageMissing, nil
		}
		return StateImageMissing, NewError(KindUnreachable, "inspecting container "+spec.Identifier, err)
	}
	if resp.State != nil && resp.State.Running {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// ExitCode returns the last exit code of the container identified by id, or
// -1 if the container is absent or the value is unavailable.
func (c *Client) ExitCode(ctx context.Context, id string) int {
	resp, err := c.docker.ContainerInspect(ctx, id)
	if err != nil || resp.State == nil {
		return -1
	}
	return resp.State.ExitCode
}

// Pull ensures imageName is present locally, refreshing it from the
// registry. If the image was already present, a failed refresh is
// tolerated; if it was absent, a failed pull is a fatal error.
func (c *Client) Pull(ctx context.Context, imageName string) error {
	_, _, inspectErr := c.docker.ImageInspectWithRaw(ctx, imageName)
	wasPresent := inspectErr == nil

	rc, err := c.docker.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		if wasPresent {
			return nil
		}
		return NewError(KindUnreachable, "pulling image "+imageName, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		if wasPresent {
			return nil
		}
		return NewError(KindUnreachable, "pulling image "+imageName, err)
	}
	return nil
}

// reservedVolumeNames are host-managed volumes this process must never
// create itself.
var reservedVolumeNames = map[string]bool{
	"nextcloud_aio_nextcloud_datadir": true,
	"nextcloud_aio_backupdir":         true,
}

// VolumesCreate creates each named, non-bind-mount, non-reserved volume.
// Conflicts (already exists) are success.
func (c *Client) VolumesCreate(ctx context.Context, volumes []catalog.Volume) error {
	for _, v := range volumes {
		if reservedVolumeNames[v.Name] || (len(v.Name) > 0 && v.Name[0] == '/') {
			continue
		}
		_, err := c.docker.VolumeCreate(ctx, volume.CreateOptions{Name: v.Name})
		if err != nil && !errdefs.IsConflict(err) {
			return NewError(KindUnreachable, "creating volume "+v.Name, err)
		}
	}
	return nil
}

// NetworkConnect ensures the shared bridge network exists and attaches
// spec's container to it. A no-op for host-networked containers.
func (c *Client) NetworkConnect(ctx context.Context, spec *catalog.Spec) error {
	if spec.InternalPort == "host" {
		return nil
	}

	_, err := c.docker.NetworkCreate(ctx, AIONetwork, dockernetwork.CreateOptions{Driver: "bridge"})
	if err != nil && !errdefs.IsConflict(err) {
		return NewError(KindUnreachable, "creating network "+AIONetwork, err)
	}

	err = c.docker.NetworkConnect(ctx, AIONetwork, spec.Identifier, nil)
	if err != nil && !errdefs.IsForbidden(err) {
		return NewError(KindUnreachable, "connecting "+spec.Identifier+" to network", err)
	}
	return nil
}

// Logs retrieves the container's combined, timestamped stdout/stderr
// output, demultiplexed from the engine's frame-muxed stream.
func (c *Client) Logs(ctx context.Context, id string) (string, error) {
	rc, err := c.docker.ContainerLogs(ctx, id, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil
		}
		return "", NewError(KindUnreachable, "fetching logs for "+id, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", NewError(KindMalformedResponse, "demuxing log stream for "+id, err)
	}
	return out.String(), nil
}

// SendNotification execs the container's notification script, but only if
// the container is currently running.
func (c *Client) SendNotification(ctx context.Context, spec *catalog.Spec, subject, message, scriptPath string) error {
	if scriptPath == "" {
		scriptPath = "/notify.sh"
	}
	state, err := c.InspectRunningState(ctx, spec)
	if err != nil {
		return err
	}
	if state != StateRunning {
		return nil
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, spec.Identifier, dockercontainer.ExecOptions{
		Cmd:          []string{"bash", scriptPath, subject, message},
		AttachStdout: true,
		Tty:          true,
	})
	if err != nil {
		return NewError(KindUnreachable, "creating exec on "+spec.Identifier, err)
	}
	if err := c.docker.ContainerExecStart(ctx, execResp.ID, dockercontainer.ExecStartOptions{Detach: false, Tty: true}); err != nil {
		return NewError(KindUnreachable, "starting exec on "+spec.Identifier, err)
	}
	return nil
}

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"mash/internal/apperrors"
)

const (
	defaultTimeout = 30 * time.Minute
	stopTimeout    = 10
)

// Docker runs tools on the host Docker daemon.
type Docker struct {
	client *client.Client
	logger *slog.Logger
}

// NewDocker connects to the daemon configured by the DOCKER_* environment
// and removes containers left behind by an earlier process.
func NewDocker(ctx context.Context) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.Connection("docker client", err)
	}
	d := &Docker{client: cli, logger: slog.With("component", "container")}

	if err := d.removeLeftovers(ctx); err != nil {
		d.logger.Warn("Failed to remove leftover containers", "error", err)
	}
	return d, nil
}

// Run pulls the image if needed, runs the container to completion and
// removes it. The spec timeout (default 30m) bounds the whole run.
func (d *Docker) Run(ctx context.Context, spec Spec) (Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := d.logger.With("image", spec.Image, "name", spec.Name)

	if err := d.pullImageIfNeeded(ctx, spec.Image); err != nil {
		return Result{}, apperrors.Execution("pull "+spec.Image, err)
	}

	labels := map[string]string{LabelManagedBy: ManagedBy}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    spec.Environ(),
		Labels: labels,
	}, &container.HostConfig{}, nil, nil, spec.Name)
	if err != nil {
		return Result{}, apperrors.Execution("create container", err)
	}
	// Removal must outlive a cancelled run context.
	defer d.removeContainer(context.Background(), resp.ID)

	start := time.Now()
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, apperrors.Execution("start container", err)
	}
	logger.Debug("Tool container started", "containerId", resp.ID)

	exitCode, waitErr := d.waitForExit(ctx, resp.ID)
	stdout, stderr := d.collectLogs(context.Background(), resp.ID)
	res := Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}
	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) {
			return res, apperrors.Execution("tool run", fmt.Errorf("timed out after %v", timeout))
		}
		return res, apperrors.Execution("tool run", waitErr)
	}

	logger.Debug("Tool container exited", "containerId", resp.ID, "exitCode", exitCode, "duration", res.Duration)
	return res, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close releases the client.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *Docker) collectLogs(ctx context.Context, containerID string) (string, string) {
	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		d.logger.Debug("Failed to get container logs", "containerId", containerID, "error", err)
		return "", ""
	}
	defer logs.Close()

	stdout, stderr := newTailBuffer(maxOutput), newTailBuffer(maxOutput)
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && !errors.Is(err, io.EOF) {
		d.logger.Debug("Log stream ended", "containerId", containerID, "error", err)
	}
	return stdout.String(), stderr.String()
}

func (d *Docker) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := d.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) {
	timeout := stopTimeout
	_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("Failed to remove tool container", "containerId", containerID, "error", err)
	}
}

func (d *Docker) removeLeftovers(ctx context.Context) error {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedBy)),
	})
	if err != nil {
		return err
	}
	for _, c := range list {
		d.logger.Info("Removing leftover tool container", "containerId", c.ID, "jobId", c.Labels[LabelJobID])
		d.removeContainer(ctx, c.ID)
	}
	return nil
}

var _ Runner = (*Docker)(nil)

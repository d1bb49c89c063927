package sandbox

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// Desktop manages the lifecycle of the XFCE desktop container that the
// agent drives through the automation API.
type Desktop struct {
	client *client.Client
	config Config
	log    *zap.Logger
}

// NewDesktop creates a Desktop manager and verifies the Docker daemon is
// reachable.
func NewDesktop(config Config, log *zap.Logger) (*Desktop, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon not accessible: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	return &Desktop{client: cli, config: config, log: log}, nil
}

// Ensure brings up the desktop container. A running container with
// matching VNC env is reused; a running container with different env, or
// a stopped container of the same name, is removed and recreated.
func (d *Desktop) Ensure(ctx context.Context) error {
	info, err := d.client.ContainerInspect(ctx, d.config.ContainerName)
	if err == nil {
		if info.State != nil && info.State.Running {
			if d.envMatches(info.Config.Env) {
				d.log.Info("reusing running desktop container",
					zap.String("name", d.config.ContainerName))
				return nil
			}
			d.log.Info("desktop env changed, recreating container",
				zap.String("name", d.config.ContainerName))
		} else {
			d.log.Info("removing stopped desktop container",
				zap.String("name", d.config.ContainerName))
		}
		if err := d.client.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", d.config.ContainerName, err)
		}
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect container %s: %w", d.config.ContainerName, err)
	}

	return d.create(ctx)
}

func (d *Desktop) envMatches(env []string) bool {
	want := map[string]string{
		"VNC_RESOLUTION": d.config.Resolution,
		"VNC_COL_DEPTH":  strconv.Itoa(d.config.ColorDepth),
	}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if expect, tracked := want[k]; tracked {
			if v != expect {
				return false
			}
			delete(want, k)
		}
	}
	return len(want) == 0
}

func (d *Desktop) create(ctx context.Context) error {
	if err := d.ensureImage(ctx); err != nil {
		return err
	}

	shm, err := units.RAMInBytes(d.config.ShmSize)
	if err != nil {
		return fmt.Errorf("invalid shm size %q: %w", d.config.ShmSize, err)
	}

	exposed, bindings, err := d.portMap()
	if err != nil {
		return err
	}

	containerConfig := &container.Config{
		Image: d.config.Image,
		Env: []string{
			"VNC_RESOLUTION=" + d.config.Resolution,
			"VNC_COL_DEPTH=" + strconv.Itoa(d.config.ColorDepth),
		},
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		ShmSize:      shm,
		PortBindings: bindings,
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, d.config.ContainerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	d.log.Info("desktop container started",
		zap.String("name", d.config.ContainerName),
		zap.String("image", d.config.Image),
		zap.String("resolution", d.config.Resolution))
	return nil
}

// portMap publishes VNC and noVNC on their native ports, and the
// automation API (container port 8000) on the configured host port.
func (d *Desktop) portMap() (nat.PortSet, nat.PortMap, error) {
	specs := []string{
		fmt.Sprintf("%d:5901", d.config.VNCPort),
		fmt.Sprintf("%d:6901", d.config.NoVNCPort),
		fmt.Sprintf("%d:8000", d.config.APIPort),
	}
	exposed, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid port mapping: %w", err)
	}
	return exposed, bindings, nil
}

func (d *Desktop) ensureImage(ctx context.Context) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, d.config.Image); err == nil {
		return nil
	}

	d.log.Info("pulling desktop image", zap.String("image", d.config.Image))
	reader, err := d.client.ImagePull(ctx, d.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", d.config.Image, err)
	}
	defer reader.Close()

	// The pull only completes once its progress stream is drained.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Stop stops the desktop container if it is running. The container is
// kept around so the next run can reuse it.
func (d *Desktop) Stop(ctx context.Context) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, d.config.ContainerName, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", d.config.ContainerName, err)
	}
	return nil
}

// Remove force-removes the desktop container.
func (d *Desktop) Remove(ctx context.Context) error {
	err := d.client.ContainerRemove(ctx, d.config.ContainerName, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", d.config.ContainerName, err)
	}
	return nil
}

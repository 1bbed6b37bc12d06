package serverctl

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// ContainerKiller is the part of the Docker API used to signal servers.
type ContainerKiller interface {
	ContainerKill(ctx context.Context, container, signal string) error
}

// DockerStrategy sends SIGHUP to the container running each server.
type DockerStrategy struct {
	api        ContainerKiller
	containers map[Kind]string
}

// NewDockerStrategy signals containers through api.
func NewDockerStrategy(api ContainerKiller, containers map[Kind]string) (*DockerStrategy, error) {
	for _, kind := range Kinds {
		if strings.TrimSpace(containers[kind]) == "" {
			return nil, fmt.Errorf("container name required for %s", kind)
		}
	}
	return &DockerStrategy{api: api, containers: containers}, nil
}

// Reload implements Strategy.
func (s *DockerStrategy) Reload(ctx context.Context, kind Kind) error {
	name, ok := s.containers[kind]
	if !ok {
		return fmt.Errorf("unknown server %q", kind)
	}
	if err := s.api.ContainerKill(ctx, name, "HUP"); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%s container %s not found", kind, name)
		}
		return err
	}
	return nil
}

// DockerClient wraps the Docker SDK client.
type DockerClient struct {
	inner *client.Client
}

// NewDockerClient connects to host, or to DOCKER_HOST when host is empty,
// and verifies the daemon answers.
func NewDockerClient(ctx context.Context, host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	var ping types.Ping
	ping, err = inner.Ping(ctx)
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		inner.Close()
		return nil, fmt.Errorf("docker ping returned empty API version")
	}
	return &DockerClient{inner: inner}, nil
}

// ContainerKill implements ContainerKiller.
func (c *DockerClient) ContainerKill(ctx context.Context, container, signal string) error {
	return c.inner.ContainerKill(ctx, container, signal)
}

// Close releases resources held by the Docker client.
func (c *DockerClient) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

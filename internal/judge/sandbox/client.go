package sandbox

import (
	"context"

	"github.com/docker/docker/client"

	appErr "kadai/pkg/errors"
)

// Client wraps a Docker client handle. Workers hold one Client each;
// the daemon itself is the only shared resource.
type Client struct {
	docker *client.Client
}

var _ Runtime = (*Client)(nil)

// NewClient connects to the Docker daemon using the standard
// environment (DOCKER_HOST and friends) and verifies it is reachable.
func NewClient(ctx context.Context) (*Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxCreateFailed, "create docker client failed")
	}
	if _, err := docker.Ping(ctx); err != nil {
		_ = docker.Close()
		return nil, appErr.Wrapf(err, appErr.SandboxCreateFailed, "ping docker daemon failed")
	}
	return &Client{docker: docker}, nil
}

// Close releases the client handle.
func (c *Client) Close() error {
	if c == nil || c.docker == nil {
		return nil
	}
	return c.docker.Close()
}

package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

type Client struct {
	cli *client.Client
}

// ContainerState is the subset of inspect data the container probe needs
type ContainerState struct {
	ID        string
	Name      string
	Image     string
	Status    string // created, running, paused, restarting, removing, exited, dead
	Health    string // empty when the image defines no HEALTHCHECK
	Restarts  int
	ExitCode  int
	StartedAt string
}

// Running reports whether the container is up and, when it has a health
// check, whether docker considers it healthy
func (s *ContainerState) Running() bool {
	if s.Status != "running" {
		return false
	}
	return s.Health == "" || s.Health == "healthy"
}

func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}

	return &Client{cli: cli}, nil
}

// InspectContainer returns the runtime state of a container by ID or name
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	state := &ContainerState{
		ID:       inspect.ID,
		Name:     inspect.Name,
		Restarts: inspect.RestartCount,
	}
	if inspect.Config != nil {
		state.Image = inspect.Config.Image
	}
	if inspect.State != nil {
		state.Status = string(inspect.State.Status)
		state.ExitCode = inspect.State.ExitCode
		state.StartedAt = inspect.State.StartedAt
		if inspect.State.Health != nil {
			state.Health = string(inspect.State.Health.Status)
		}
	}

	return state, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Package docker adapts the Docker Engine API to the three queries the
// watcher needs: the IP of one container, the ids of running containers
// carrying the marker label, and a lifecycle event subscription filtered to
// that label.
package docker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ErrNoAddress reports that the runtime cannot (yet) resolve an IP address
// for a container. Callers treat it as "not yet ready", not as a failure.
var ErrNoAddress = errors.New("container has no ip address")

// Event is a container lifecycle transition relevant to enforcement.
type Event struct {
	ID     string
	Action string
}

// Lifecycle actions the watcher subscribes to.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionDie     = "die"
	ActionDestroy = "destroy"
)

// Client wraps the Docker Engine client, scoped to containers carrying the
// marker label.
type Client struct {
	api   *client.Client
	label string
}

// New connects to the Docker daemon and verifies the connection with a ping.
// An unreachable daemon is a startup failure.
func New(socketPath string, label string) (*Client, error) {
	if label == "" {
		return nil, fmt.Errorf("marker label is required")
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, client.WithHost("unix://"+socketPath))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}

	return &Client{api: cli, label: label}, nil
}

// Close releases the underlying API client.
func (c *Client) Close() error {
	return c.api.Close()
}

// ContainerIP returns the container's current IPv4 address. It returns
// ErrNoAddress when the container is gone or has no address assigned yet.
func (c *Client) ContainerIP(ctx context.Context, containerID string) (string, error) {
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNoAddress
		}
		return "", fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	if info.NetworkSettings == nil {
		return "", ErrNoAddress
	}
	for _, endpoint := range info.NetworkSettings.Networks {
		if endpoint != nil && endpoint.IPAddress != "" {
			return endpoint.IPAddress, nil
		}
	}
	if info.NetworkSettings.IPAddress != "" {
		return info.NetworkSettings.IPAddress, nil
	}
	return "", ErrNoAddress
}

// Running returns the ids of currently running containers carrying the marker
// label.
func (c *Client) Running(ctx context.Context) ([]string, error) {
	list, err := c.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", c.label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	ids := make([]string, 0, len(list))
	for _, item := range list {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// Events subscribes to the daemon's event stream, server-side filtered to
// container start/stop/die/destroy transitions on the marker label. The
// channels close when ctx is canceled or the subscription fails.
func (c *Client) Events(ctx context.Context) (<-chan Event, <-chan error) {
	args := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", c.label),
		filters.Arg("event", ActionStart),
		filters.Arg("event", ActionStop),
		filters.Arg("event", ActionDie),
		filters.Arg("event", ActionDestroy),
	)

	msgs, errs := c.api.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan Event)
	outErrs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(outErrs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					outErrs <- err
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				event := Event{ID: msg.Actor.ID, Action: string(msg.Action)}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, outErrs
}

package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/config"
)

// Container is a running headless-shell container serving one session.
type Container struct {
	ID          string
	SessionID   string
	HostPort    string
	DevToolsURL string
}

// ContainerLauncher starts one browser container per session.
type ContainerLauncher struct {
	client *client.Client
	cfg    config.DockerConfig
	http   *http.Client
	logger *zap.Logger
}

func NewContainerLauncher(cfg config.DockerConfig, logger *zap.Logger) (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &ContainerLauncher{
		client: cli,
		cfg:    cfg,
		http:   &http.Client{Timeout: 2 * time.Second},
		logger: logger.Named("containers"),
	}, nil
}

func (l *ContainerLauncher) Start(ctx context.Context, sessionID string) (*Container, error) {
	port := nat.Port(l.cfg.DevToolsPort)
	containerConfig := &container.Config{
		Image: l.cfg.Image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "portalrelay",
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: l.cfg.HostIP, HostPort: "0"}},
		},
		ShmSize: 512 << 20,
	}

	name := sessionID
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "portalrelay-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		l.remove(resp.ID)
		return nil, fmt.Errorf("container %s has no binding for %s", resp.ID, port)
	}
	hostPort := bindings[0].HostPort

	readyCtx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()
	base := fmt.Sprintf("http://%s:%s", l.cfg.HostIP, hostPort)
	if err := l.waitReady(readyCtx, base); err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	l.logger.Debug("browser container ready",
		zap.String("session_id", sessionID),
		zap.String("container_id", resp.ID),
		zap.String("port", hostPort))
	return &Container{
		ID:          resp.ID,
		SessionID:   sessionID,
		HostPort:    hostPort,
		DevToolsURL: fmt.Sprintf("ws://%s:%s/", l.cfg.HostIP, hostPort),
	}, nil
}

func (l *ContainerLauncher) Stop(ctx context.Context, containerID string) error {
	timeout := 5
	if err := l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// remove force-removes a container that never became usable.
func (l *ContainerLauncher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		l.logger.Warn("failed to remove container", zap.String("container_id", containerID), zap.Error(err))
	}
}

func (l *ContainerLauncher) IsRunning(ctx context.Context, containerID string) bool {
	inspect, err := l.client.ContainerInspect(ctx, containerID)
	if err != nil || inspect.State == nil {
		return false
	}
	return inspect.State.Running
}

// EnsureImage pulls the browser image unless it is already present.
func (l *ContainerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.cfg.Image {
				return nil
			}
		}
	}

	l.logger.Info("pulling browser image", zap.String("image", l.cfg.Image))
	reader, err := l.client.ImagePull(ctx, l.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (l *ContainerLauncher) Close() error {
	return l.client.Close()
}

// waitReady polls the DevTools /json/version endpoint until it answers.
func (l *ContainerLauncher) waitReady(ctx context.Context, base string) error {
	return pollDevTools(ctx, l.http, base, 250*time.Millisecond)
}

func pollDevTools(ctx context.Context, hc *http.Client, base string, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("devtools at %s not ready: %w", base, ctx.Err())
		case <-ticker.C:
		}
	}
}

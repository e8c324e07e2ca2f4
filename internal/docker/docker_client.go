package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"

	ctr "github.com/sudankdk/ctfcheck/internal/container"
	"github.com/sudankdk/ctfcheck/internal/utils"
)

var _ ctr.Engine = (*Client)(nil)

// Client drives the Docker Engine API.
type Client struct {
	d     *client.Client
	creds *configfile.ConfigFile
	out   io.Writer
	log   *slog.Logger
}

type settings struct {
	out   io.Writer
	log   *slog.Logger
	creds *configfile.ConfigFile
}

// Option configures a Client or a CLI.
type Option func(*settings)

// WithProgress sends build, pull and push progress to w.
func WithProgress(w io.Writer) Option {
	return func(s *settings) { s.out = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithCredentials uses cf for registry logins instead of the user's
// ~/.docker/config.json.
func WithCredentials(cf *configfile.ConfigFile) Option {
	return func(s *settings) { s.creds = cf }
}

func newSettings(opts []Option) settings {
	s := settings{out: io.Discard, log: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// New connects to the engine configured by the DOCKER_* environment.
func New(opts ...Option) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	s := newSettings(opts)
	if s.creds == nil {
		s.creds = config.LoadDefaultConfigFile(io.Discard)
	}
	return &Client{d: cli, creds: s.creds, out: s.out, log: s.log}, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.d.Ping(ctx)
	return err
}

func (c *Client) Close() error {
	return c.d.Close()
}

func (c *Client) BuildImage(ctx context.Context, contextDir, tag string) error {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return fmt.Errorf("archive build context: %w", err)
	}
	resp, err := c.d.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.drain(resp.Body)
}

func (c *Client) RunContainer(ctx context.Context, ref string, opts ctr.RunOptions) (string, error) {
	resp, err := c.d.ContainerCreate(ctx,
		&container.Config{
			Image: ref,
			Env:   utils.EnvList(opts.Env),
		},
		&container.HostConfig{
			AutoRemove: true,
			Resources: container.Resources{
				Memory: opts.Memory,
			},
		},
		nil, nil, "",
	)
	if err != nil {
		return "", err
	}
	if err := c.d.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := c.d.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			c.log.Warn("remove unstarted container", "container", resp.ID, "error", rmErr)
		}
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) ContainerRunning(ctx context.Context, id string) (bool, error) {
	info, err := c.d.ContainerInspect(ctx, id)
	if errdefs.IsNotFound(err) {
		// Auto-removed after it exited.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

func (c *Client) ContainerAddress(ctx context.Context, id string) (string, error) {
	info, err := c.d.ContainerInspect(ctx, id)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", id)
	}
	names := make([]string, 0, len(info.NetworkSettings.Networks))
	for name := range info.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ep := info.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no IP address", id)
}

func (c *Client) ImageExposedPorts(ctx context.Context, ref string) ([]string, error) {
	info, err := c.d.ImageInspect(ctx, ref)
	if err != nil {
		return nil, err
	}
	if info.Config == nil {
		return nil, nil
	}
	ports := make([]string, 0, len(info.Config.ExposedPorts))
	for p := range info.Config.ExposedPorts {
		ports = append(ports, string(p))
	}
	sort.Strings(ports)
	return ports, nil
}

func (c *Client) StopContainer(ctx context.Context, id string) error {
	return c.d.ContainerStop(ctx, id, container.StopOptions{})
}

func (c *Client) TagImage(ctx context.Context, source, target string) error {
	return c.d.ImageTag(ctx, source, target)
}

func (c *Client) PushImage(ctx context.Context, ref string) error {
	// The daemon only sees credentials sent in the request, so they come
	// from the same config file the docker CLI logs in to.
	auth, err := registryAuth(c.creds, ref)
	if err != nil {
		return err
	}
	rc, err := c.d.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer rc.Close()
	return c.drain(rc)
}

func (c *Client) PullImage(ctx context.Context, ref string) error {
	auth, err := registryAuth(c.creds, ref)
	if err != nil {
		return err
	}
	rc, err := c.d.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer rc.Close()
	return c.drain(rc)
}

func (c *Client) SaveImage(ctx context.Context, ref string, w io.Writer) error {
	rc, err := c.d.ImageSave(ctx, []string{ref})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// drain consumes a JSON progress stream. Errors reported inside the stream
// (a failing RUN step, a denied push) come back as the returned error.
func (c *Client) drain(r io.Reader) error {
	return jsonmessage.DisplayJSONMessagesStream(r, c.out, 0, false, nil)
}

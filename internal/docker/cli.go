package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	ctr "github.com/sudankdk/ctfcheck/internal/container"
)

var _ ctr.Engine = (*CLI)(nil)

// CLI drives a docker-compatible binary (docker, podman) instead of the
// Engine API.
type CLI struct {
	bin string
	out io.Writer
	log *slog.Logger
}

// NewCLI returns an engine that shells out to bin. An empty bin means
// "docker" from PATH.
func NewCLI(bin string, opts ...Option) *CLI {
	if bin == "" {
		bin = "docker"
	}
	s := newSettings(opts)
	return &CLI{bin: bin, out: s.out, log: s.log}
}

// CommandError reports a failed invocation of the container binary.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// output runs the binary and returns trimmed stdout.
func (c *CLI) output(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	c.log.Debug("exec", "bin", c.bin, "args", args)
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: append([]string{c.bin}, args...), Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// stream runs the binary with stdout forwarded to the progress writer.
func (c *CLI) stream(ctx context.Context, dir string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = dir
	cmd.Stdout = c.out
	cmd.Stderr = io.MultiWriter(c.out, &stderr)
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: append([]string{c.bin}, args...), Stderr: stderr.String(), Err: err}
	}
	return nil
}

func (c *CLI) BuildImage(ctx context.Context, contextDir, tag string) error {
	return c.stream(ctx, contextDir, "build", "-t", tag, ".")
}

func (c *CLI) RunContainer(ctx context.Context, image string, opts ctr.RunOptions) (string, error) {
	args := []string{"run", "--rm", "-d"}
	if opts.Memory > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", opts.Memory))
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, image)
	return c.output(ctx, "", args...)
}

func (c *CLI) ContainerRunning(ctx context.Context, id string) (bool, error) {
	out, err := c.output(ctx, "", "inspect", "--format={{json .State.Running}}", id)
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.Stderr), "no such") {
			return false, nil
		}
		return false, err
	}
	return out == "true", nil
}

func (c *CLI) ContainerAddress(ctx context.Context, id string) (string, error) {
	out, err := c.output(ctx, "", "inspect", "--format={{.NetworkSettings.IPAddress}}", id)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("container %s has no IP address", id)
	}
	return out, nil
}

func (c *CLI) ImageExposedPorts(ctx context.Context, image string) ([]string, error) {
	out, err := c.output(ctx, "", "inspect", "--format={{json .Config.ExposedPorts}}", image)
	if err != nil {
		return nil, err
	}
	var exposed map[string]json.RawMessage
	if out != "" && out != "null" {
		if err := json.Unmarshal([]byte(out), &exposed); err != nil {
			return nil, fmt.Errorf("decode exposed ports of %s: %w", image, err)
		}
	}
	ports := make([]string, 0, len(exposed))
	for p := range exposed {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports, nil
}

func (c *CLI) StopContainer(ctx context.Context, id string) error {
	_, err := c.output(ctx, "", "stop", id)
	return err
}

func (c *CLI) TagImage(ctx context.Context, source, target string) error {
	_, err := c.output(ctx, "", "tag", source, target)
	return err
}

func (c *CLI) PushImage(ctx context.Context, ref string) error {
	return c.stream(ctx, "", "push", ref)
}

func (c *CLI) PullImage(ctx context.Context, ref string) error {
	return c.stream(ctx, "", "pull", ref)
}

// SaveImage saves to a temp file first; podman refuses to write an archive
// to a pipe.
func (c *CLI) SaveImage(ctx context.Context, ref string, w io.Writer) error {
	f, err := os.CreateTemp("", "ctfcheck-save-*.tar")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)

	if _, err := c.output(ctx, "", "save", "--output", name, ref); err != nil {
		return err
	}
	f, err = os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

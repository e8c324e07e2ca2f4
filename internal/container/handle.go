// Package container wraps a single container instance built from a named
// image: building, starting, readiness polling, stopping and shipping it.
//
// A Handle is not safe for concurrent use. Run independent handles when
// parallelism is needed.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/sudankdk/ctfcheck/internal/notify"
	"github.com/sudankdk/ctfcheck/internal/utils"
)

const (
	DefaultDialTimeout  = time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrNotBuilt means the handle has a build context that has not been
	// built successfully yet.
	ErrNotBuilt = errors.New("image not built")
	// ErrNoBuildContext is returned by Build on a handle without a context.
	ErrNoBuildContext = errors.New("no build context")
	ErrBuildFailed    = errors.New("image build failed")
	// ErrNoExposedPorts means the image declares no ports at all.
	ErrNoExposedPorts = errors.New("image exposes no ports")
	ErrEngine         = errors.New("container engine call failed")
)

// Handle owns the identity and observed runtime state of one container.
type Handle struct {
	name         string
	basename     string
	buildContext string
	built        bool
	memory       int64
	exportDir    string

	engine       Engine
	notifier     notify.Notifier
	log          *slog.Logger
	dialTimeout  time.Duration
	pollInterval time.Duration

	state State
	// id is non-empty exactly while state is StateRunning.
	id   string
	addr string
}

// Option configures a Handle.
type Option func(*Handle)

// WithBuildContext marks the image as not yet built; it is built from dir
// before first use.
func WithBuildContext(dir string) Option {
	return func(h *Handle) {
		h.buildContext = dir
		h.built = dir == ""
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(h *Handle) { h.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) { h.log = l }
}

// WithMemoryLimit caps the memory of started containers, in bytes.
func WithMemoryLimit(bytes int64) Option {
	return func(h *Handle) { h.memory = bytes }
}

// WithDialTimeout bounds a single readiness connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(h *Handle) { h.dialTimeout = d }
}

// WithPollInterval sets the pause between readiness attempts on one port.
func WithPollInterval(d time.Duration) Option {
	return func(h *Handle) { h.pollInterval = d }
}

// WithExportDir sets where Export writes archives. Defaults to os.TempDir().
func WithExportDir(dir string) Option {
	return func(h *Handle) { h.exportDir = dir }
}

// New returns a handle for the image called name. Without WithBuildContext
// the image is assumed to exist already or be pullable.
func New(name string, engine Engine, opts ...Option) *Handle {
	h := &Handle{
		name:         name,
		basename:     utils.Basename(name),
		built:        true,
		engine:       engine,
		dialTimeout:  DefaultDialTimeout,
		pollInterval: DefaultPollInterval,
		state:        StateNotStarted,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.notifier == nil {
		h.notifier = notify.NewConsole(os.Stderr)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("image", name)
	return h
}

func (h *Handle) Name() string { return h.name }

// Basename is the short, human-facing name of the image.
func (h *Handle) Basename() string { return h.basename }

// Built reports whether the image is ready to use without a build.
func (h *Handle) Built() bool { return h.built }

// State is the last known lifecycle state. It does not query the engine.
func (h *Handle) State() State { return h.state }

// ID returns the identifier of the container believed to be running.
func (h *Handle) ID() string { return h.id }

func (h *Handle) transition(to State) {
	if !canTransition(h.state, to) {
		panic(fmt.Sprintf("container: invalid transition %s -> %s for %s", h.state, to, h.name))
	}
	h.log.Debug("container state change", "from", h.state.String(), "to", to.String())
	h.state = to
}

// Build builds the image from its build context and tags it with the
// handle's name. On failure the handle stays unbuilt so a later call
// retries.
func (h *Handle) Build(ctx context.Context) (string, error) {
	if h.buildContext == "" {
		return "", fmt.Errorf("build %s: %w", h.name, ErrNoBuildContext)
	}
	contextDir, err := filepath.Abs(h.buildContext)
	if err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrBuildFailed, h.name, err)
	}
	h.log.Info("building image", "context", contextDir)
	if err := h.engine.BuildImage(ctx, contextDir, h.name); err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrBuildFailed, h.name, err)
	}
	h.built = true
	return h.name, nil
}

func (h *Handle) ensureBuilt() error {
	if h.built {
		return nil
	}
	return ErrNotBuilt
}

// requireBuilt resolves ErrNotBuilt by building.
func (h *Handle) requireBuilt(ctx context.Context) error {
	if err := h.ensureBuilt(); errors.Is(err, ErrNotBuilt) {
		if _, err := h.Build(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsRunning reports whether the owned container is alive. Without a
// container it answers false without asking the engine. When the engine
// says a believed-running container is gone, the handle emits a warning,
// forgets the container and its address, and reports false. The error is
// only set when the engine could not be queried.
func (h *Handle) IsRunning(ctx context.Context) (bool, error) {
	if h.id == "" {
		return false, nil
	}
	running, err := h.engine.ContainerRunning(ctx, h.id)
	if err != nil {
		return false, fmt.Errorf("%w: inspect %s: %w", ErrEngine, h.id, err)
	}
	if running {
		return true, nil
	}

	// Stop was never called, so this exit was not ours.
	h.notifier.Warn(fmt.Sprintf("Container from %s exited unexpectedly.", h.name))
	h.log.Warn("container exited unexpectedly", "container", h.id)
	h.id = ""
	h.addr = ""
	h.transition(StateExitedUnexpectedly)
	return false, nil
}

// Address returns the network address of the running container, resolving
// it once per run. It returns "" when nothing is running.
func (h *Handle) Address(ctx context.Context) (string, error) {
	running, err := h.IsRunning(ctx)
	if err != nil || !running {
		return "", err
	}
	if h.addr != "" {
		return h.addr, nil
	}
	addr, err := h.engine.ContainerAddress(ctx, h.id)
	if err != nil {
		return "", fmt.Errorf("%w: address of %s: %w", ErrEngine, h.id, err)
	}
	h.addr = addr
	return h.addr, nil
}

// Run builds the image if needed and starts a detached, auto-removing
// container with env injected. If a container is already running its
// identifier is returned and nothing new is started.
func (h *Handle) Run(ctx context.Context, env map[string]string) (string, error) {
	if err := h.requireBuilt(ctx); err != nil {
		return "", err
	}
	running, err := h.IsRunning(ctx)
	if err != nil {
		return "", err
	}
	if running {
		return h.id, nil
	}

	id, err := h.engine.RunContainer(ctx, h.name, RunOptions{Env: env, Memory: h.memory})
	if err != nil {
		return "", fmt.Errorf("%w: run %s: %w", ErrEngine, h.name, err)
	}
	h.transition(StateRunning)
	h.id = id
	h.addr = ""
	h.log.Info("container started", "container", id)
	return id, nil
}

// Stop stops the running container and returns its identifier. It is a
// no-op returning "" when nothing is running.
func (h *Handle) Stop(ctx context.Context) (string, error) {
	running, err := h.IsRunning(ctx)
	if err != nil || !running {
		return "", err
	}
	if err := h.engine.StopContainer(ctx, h.id); err != nil {
		return "", fmt.Errorf("%w: stop %s: %w", ErrEngine, h.id, err)
	}
	id := h.id
	h.id = ""
	h.addr = ""
	h.transition(StateStopped)
	h.log.Info("container stopped", "container", id)
	return id, nil
}

// Pull fetches the image from its registry.
func (h *Handle) Pull(ctx context.Context) (string, error) {
	if err := h.engine.PullImage(ctx, h.name); err != nil {
		return "", fmt.Errorf("%w: pull %s: %w", ErrEngine, h.name, err)
	}
	return h.name, nil
}

// Push tags the built image as dest and pushes it.
func (h *Handle) Push(ctx context.Context, dest string) (string, error) {
	if err := h.requireBuilt(ctx); err != nil {
		return "", err
	}
	if err := h.engine.TagImage(ctx, h.name, dest); err != nil {
		return "", fmt.Errorf("%w: tag %s as %s: %w", ErrEngine, h.name, dest, err)
	}
	if err := h.engine.PushImage(ctx, dest); err != nil {
		return "", fmt.Errorf("%w: push %s: %w", ErrEngine, dest, err)
	}
	return dest, nil
}

// Export saves the image to a new archive and returns its path. The caller
// owns the file.
func (h *Handle) Export(ctx context.Context) (_ string, retErr error) {
	if err := h.requireBuilt(ctx); err != nil {
		return "", err
	}
	dir := h.exportDir
	if dir == "" {
		dir = os.TempDir()
	}
	archive := filepath.Join(dir, uuid.New().String()+"_"+h.basename+".docker.tar")
	f, err := os.OpenFile(archive, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("close archive: %w", closeErr)
		}
		if retErr != nil {
			_ = os.Remove(archive)
		}
	}()

	if err := h.engine.SaveImage(ctx, h.name, f); err != nil {
		return "", fmt.Errorf("%w: save %s: %w", ErrEngine, h.name, err)
	}
	return archive, nil
}

// ExposedPorts returns the declared ports of the image for protocol, in
// ascending order. It fails with ErrNoExposedPorts when the image declares
// none at all.
func (h *Handle) ExposedPorts(ctx context.Context, protocol string) ([]int, error) {
	if protocol == "" {
		protocol = "tcp"
	}
	if err := h.requireBuilt(ctx); err != nil {
		return nil, err
	}
	raw, err := h.engine.ImageExposedPorts(ctx, h.name)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect ports of %s: %w", ErrEngine, h.name, err)
	}
	if len(raw) == 0 {
		return nil, ErrNoExposedPorts
	}

	ports := []int{}
	for _, p := range raw {
		num, proto, ok := strings.Cut(p, "/")
		if !ok {
			proto = "tcp"
		}
		if proto != protocol {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			h.log.Warn("ignoring malformed exposed port", "port", p)
			continue
		}
		ports = append(ports, n)
	}
	sort.Ints(ports)
	return ports, nil
}

// WaitForReady waits until every exposed TCP port of the running container
// accepts connections, or timeout elapses. It never starts the container:
// a handle that is not running yields false at once. Ports are probed in
// order and the first one still unreachable at the deadline aborts the
// wait with a warning.
func (h *Handle) WaitForReady(ctx context.Context, timeout time.Duration) bool {
	running, err := h.IsRunning(ctx)
	if err != nil {
		h.log.Error("readiness check failed", "error", err)
		return false
	}
	if !running {
		return false
	}

	ports, err := h.ExposedPorts(ctx, "tcp")
	if errors.Is(err, ErrNoExposedPorts) {
		return true
	}
	if err != nil {
		h.log.Error("readiness check failed", "error", err)
		return false
	}
	if len(ports) == 0 {
		return true
	}
	addr, err := h.Address(ctx)
	if err != nil || addr == "" {
		h.log.Error("readiness check failed: no address", "error", err)
		return false
	}

	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for _, port := range ports {
		target := net.JoinHostPort(addr, strconv.Itoa(port))
		err := wait.PollUntilContextCancel(waitCtx, h.pollInterval, true, func(pollCtx context.Context) (bool, error) {
			if !time.Now().Before(deadline) {
				return false, context.DeadlineExceeded
			}
			return h.probe(pollCtx, target), nil
		})
		if err != nil {
			h.notifier.Warn(fmt.Sprintf("Timeout reached waiting for %s to bring up exposed ports.", h.name))
			h.log.Warn("port never became reachable", "target", target, "timeout", timeout)
			return false
		}
		h.log.Debug("port reachable", "target", target)
	}
	return true
}

func (h *Handle) probe(ctx context.Context, target string) bool {
	d := net.Dialer{Timeout: h.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

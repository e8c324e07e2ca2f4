package container

import (
	"context"
	"io"
)

// RunOptions configures a new container instance.
type RunOptions struct {
	Env map[string]string
	// Memory is a hard memory limit in bytes; zero means unlimited.
	Memory int64
}

// Engine is the container engine command surface a Handle drives. Every
// method reports failure through its error; none of them retries.
type Engine interface {
	// BuildImage builds contextDir and tags the result as tag.
	BuildImage(ctx context.Context, contextDir, tag string) error
	// RunContainer starts a detached, auto-removing instance of image and
	// returns its identifier.
	RunContainer(ctx context.Context, image string, opts RunOptions) (string, error)
	// ContainerRunning reports the live running state of id. A container
	// the engine no longer knows about is not running and is not an error.
	ContainerRunning(ctx context.Context, id string) (bool, error)
	ContainerAddress(ctx context.Context, id string) (string, error)
	// ImageExposedPorts returns declared ports as "number/protocol" strings.
	ImageExposedPorts(ctx context.Context, image string) ([]string, error)
	StopContainer(ctx context.Context, id string) error
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string) error
	PullImage(ctx context.Context, ref string) error
	SaveImage(ctx context.Context, ref string, w io.Writer) error
}

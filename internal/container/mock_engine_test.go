package container

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockEngine is a mock implementation of Engine for testing.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) BuildImage(ctx context.Context, contextDir, tag string) error {
	return m.Called(ctx, contextDir, tag).Error(0)
}

func (m *MockEngine) RunContainer(ctx context.Context, image string, opts RunOptions) (string, error) {
	args := m.Called(ctx, image, opts)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) ContainerRunning(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) ContainerAddress(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) ImageExposedPorts(ctx context.Context, image string) ([]string, error) {
	args := m.Called(ctx, image)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockEngine) StopContainer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockEngine) TagImage(ctx context.Context, source, target string) error {
	return m.Called(ctx, source, target).Error(0)
}

func (m *MockEngine) PushImage(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *MockEngine) PullImage(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *MockEngine) SaveImage(ctx context.Context, ref string, w io.Writer) error {
	args := m.Called(ctx, ref, w)
	if data, ok := args.Get(0).(string); ok {
		if _, err := io.WriteString(w, data); err != nil {
			return err
		}
	}
	return args.Error(1)
}

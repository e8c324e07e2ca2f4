package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudankdk/ctfcheck/internal/config"
	"github.com/sudankdk/ctfcheck/internal/container"
	"github.com/sudankdk/ctfcheck/internal/notify"
	"github.com/sudankdk/ctfcheck/internal/store"
)

// fakeEngine pretends to be a container engine whose containers listen on
// the host loopback.
type fakeEngine struct {
	mu       sync.Mutex
	buildErr error
	ports    []string
	running  map[string]bool
	calls    []string
	lastRun  container.RunOptions
	started  int
}

var _ container.Engine = (*fakeEngine)(nil)

func newFakeEngine(ports ...string) *fakeEngine {
	return &fakeEngine{ports: ports, running: map[string]bool{}}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeEngine) BuildImage(_ context.Context, _, _ string) error {
	f.record("build")
	return f.buildErr
}

func (f *fakeEngine) RunContainer(_ context.Context, _ string, opts container.RunOptions) (string, error) {
	f.record("run")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	id := fmt.Sprintf("ctr-%d", f.started)
	f.running[id] = true
	f.lastRun = opts
	return id, nil
}

func (f *fakeEngine) ContainerRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id], nil
}

func (f *fakeEngine) ContainerAddress(context.Context, string) (string, error) {
	return "127.0.0.1", nil
}

func (f *fakeEngine) ImageExposedPorts(context.Context, string) ([]string, error) {
	return f.ports, nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string) error {
	f.record("stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) TagImage(context.Context, string, string) error     { return nil }
func (f *fakeEngine) PushImage(context.Context, string) error            { return nil }
func (f *fakeEngine) PullImage(context.Context, string) error            { return nil }
func (f *fakeEngine) SaveImage(context.Context, string, io.Writer) error { return nil }

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func listen(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func challengeDir(t *testing.T, scripts map[string]string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test scripts need a POSIX shell")
	}
	dir := t.TempDir()
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func newTestExecutor(t *testing.T, engine container.Engine, opts ...Option) (*Executor, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	opts = append([]Option{
		WithNotifier(rec),
		WithTempRoot(t.TempDir()),
		WithHandleOptions(
			container.WithPollInterval(20*time.Millisecond),
			container.WithDialTimeout(200*time.Millisecond),
		),
	}, opts...)
	return New(engine, opts...), rec
}

func TestValidatePasses(t *testing.T) {
	port := listen(t)
	engine := newFakeEngine(fmt.Sprintf("%d/tcp", port), "53/udp")
	dir := challengeDir(t, map[string]string{
		"solve.sh":  "#!/bin/sh\necho \"target $CHALLENGE_HOST:$CHALLENGE_PORT\"\necho 'CTF{w3lc0me}'\n",
		"status.sh": "#!/bin/sh\n[ -n \"$CHALLENGE_HOST\" ] && [ \"$MODE\" = check ]\n",
	})
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ex, rec := newTestExecutor(t, engine, WithStore(db))

	m := &config.Manifest{
		Name: "welcome",
		Image: config.Image{
			Name:   "ghcr.io/org/welcome:v1",
			Build:  ".",
			Memory: "64m",
			Env:    map[string]string{"FLAG": "CTF{w3lc0me}"},
		},
		Tests: []config.Test{
			{Script: "solve.sh", Type: "solution"},
			{Script: "status.sh", Type: "status", Env: map[string]string{"MODE": "check"}},
		},
		Flags:        []config.Flag{{Content: "CTF{w3lc0me}"}},
		ReadyTimeout: config.Duration(2 * time.Second),
		Dir:          dir,
	}

	passedBefore := counterValue(t, validationsTotal.WithLabelValues(resultPassed))
	report, err := ex.Validate(context.Background(), m)
	require.NoError(t, err)

	assert.True(t, report.Ready)
	assert.True(t, report.Passed, "report: %+v", report)
	assert.Empty(t, report.Error)
	assert.Equal(t, "ctr-1", report.ContainerID)
	require.Len(t, report.Tests, 2)
	assert.Equal(t, "solution", report.Tests[0].Kind)
	assert.Contains(t, report.Tests[0].Stdout, fmt.Sprintf("target 127.0.0.1:%d", port))
	assert.True(t, report.Tests[1].Passed)
	assert.Empty(t, rec.Messages())

	assert.True(t, engine.called("build"))
	assert.True(t, engine.called("stop"), "container must be stopped after validation")
	assert.Equal(t, int64(64<<20), engine.lastRun.Memory)
	assert.Equal(t, m.Image.Env, engine.lastRun.Env)
	assert.Equal(t, passedBefore+1, counterValue(t, validationsTotal.WithLabelValues(resultPassed)))

	saved, err := db.GetReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.True(t, saved.Passed)
	assert.Len(t, saved.Tests, 2)
}

func TestValidateWrongFlag(t *testing.T) {
	engine := newFakeEngine()
	dir := challengeDir(t, map[string]string{
		"solve.sh": "#!/bin/sh\necho 'CTF{nope}'\n",
	})
	ex, _ := newTestExecutor(t, engine)

	report, err := ex.Validate(context.Background(), &config.Manifest{
		Name:  "wrong",
		Image: config.Image{Name: "wrong"},
		Tests: []config.Test{{Script: "solve.sh", Type: "solution"}},
		Flags: []config.Flag{{Content: `CTF\{y[e3]s\}`, Type: "regex"}},
		Dir:   dir,
	})
	require.NoError(t, err)

	assert.True(t, report.Ready, "no exposed ports is vacuously ready")
	assert.False(t, report.Passed)
	assert.Empty(t, report.Error)
	require.Len(t, report.Tests, 1)
	assert.False(t, report.Tests[0].Passed)
	assert.Equal(t, 0, report.Tests[0].ExitCode)
	assert.False(t, engine.called("build"), "no build context means no build")
	assert.True(t, engine.called("stop"))
}

func TestValidateBuildFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.buildErr = errors.New("RUN step exited 1")
	ex, _ := newTestExecutor(t, engine)

	errorsBefore := counterValue(t, validationsTotal.WithLabelValues(resultError))
	report, err := ex.Validate(context.Background(), &config.Manifest{
		Name:  "broken",
		Image: config.Image{Name: "broken", Build: "."},
		Tests: []config.Test{{Script: "solve.sh", Type: "solution"}},
		Dir:   t.TempDir(),
	})
	require.NoError(t, err)

	assert.False(t, report.Passed)
	assert.Contains(t, report.Error, "image build failed")
	assert.Contains(t, report.Error, "RUN step exited 1")
	assert.Empty(t, report.ContainerID)
	assert.Empty(t, report.Tests)
	assert.False(t, engine.called("run"))
	assert.False(t, engine.called("stop"))
	assert.Equal(t, errorsBefore+1, counterValue(t, validationsTotal.WithLabelValues(resultError)))
}

func TestValidateNotReady(t *testing.T) {
	// Grab a free port and release it so nothing answers there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	engine := newFakeEngine(fmt.Sprintf("%d/tcp", port))
	ex, rec := newTestExecutor(t, engine)

	report, err := ex.Validate(context.Background(), &config.Manifest{
		Name:         "sleepy",
		Image:        config.Image{Name: "sleepy"},
		Tests:        []config.Test{{Script: "solve.sh", Type: "solution"}},
		ReadyTimeout: config.Duration(300 * time.Millisecond),
		Dir:          t.TempDir(),
	})
	require.NoError(t, err)

	assert.False(t, report.Ready)
	assert.False(t, report.Passed)
	assert.Equal(t, ErrNotReady.Error(), report.Error)
	assert.Empty(t, report.Tests)
	assert.True(t, engine.called("stop"))
	assert.Equal(t, []string{"Timeout reached waiting for sleepy to bring up exposed ports."}, rec.Messages())
}

func TestValidateTestTimeoutAndMissingFile(t *testing.T) {
	engine := newFakeEngine()
	dir := challengeDir(t, map[string]string{
		"slow.sh": "#!/bin/sh\nsleep 10\n",
	})
	ex, _ := newTestExecutor(t, engine)

	report, err := ex.Validate(context.Background(), &config.Manifest{
		Name:  "slow",
		Image: config.Image{Name: "slow"},
		Tests: []config.Test{
			{Script: "slow.sh", Type: "status", Timeout: config.Duration(time.Second)},
			{Script: "slow.sh", Type: "status", Files: []string{"missing.txt"}},
		},
		Dir: dir,
	})
	require.NoError(t, err)

	assert.False(t, report.Passed)
	require.Len(t, report.Tests, 2)
	assert.True(t, report.Tests[0].TimedOut)
	assert.Contains(t, report.Tests[0].Error, "timed out")
	assert.False(t, report.Tests[1].TimedOut)
	assert.Contains(t, report.Tests[1].Error, "missing.txt")
	assert.True(t, engine.called("stop"))
}

func TestValidateCancelled(t *testing.T) {
	engine := newFakeEngine()
	ex, _ := newTestExecutor(t, engine)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := ex.Validate(ctx, &config.Manifest{
		Name:  "cancelled",
		Image: config.Image{Name: "cancelled"},
		Dir:   t.TempDir(),
	})

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.False(t, report.Passed)
}

// Package executor validates a challenge end to end: it brings up the
// challenge container, waits for its ports, runs the sandboxed tests
// against it and always tears it down again.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sudankdk/ctfcheck/internal/config"
	"github.com/sudankdk/ctfcheck/internal/container"
	"github.com/sudankdk/ctfcheck/internal/flag"
	"github.com/sudankdk/ctfcheck/internal/model"
	"github.com/sudankdk/ctfcheck/internal/notify"
	"github.com/sudankdk/ctfcheck/internal/sandbox"
	"github.com/sudankdk/ctfcheck/internal/store"
)

// Environment variables handed to every test script.
const (
	EnvHost = "CHALLENGE_HOST"
	EnvPort = "CHALLENGE_PORT"
)

// defaultPath is given to test scripts that do not set PATH themselves,
// since nothing is inherited from the caller's environment.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

var ErrNotReady = errors.New("challenge did not become ready")

type Executor struct {
	engine     container.Engine
	store      store.Store
	notifier   notify.Notifier
	log        *slog.Logger
	tempRoot   string
	handleOpts []container.Option

	// One validation at a time.
	mu sync.Mutex
}

type Option func(*Executor)

// WithStore persists every report.
func WithStore(s store.Store) Option {
	return func(e *Executor) { e.store = s }
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithTempRoot sets where test scripts get their private directories.
func WithTempRoot(dir string) Option {
	return func(e *Executor) { e.tempRoot = dir }
}

// WithHandleOptions passes extra options to every container handle.
func WithHandleOptions(opts ...container.Option) Option {
	return func(e *Executor) { e.handleOpts = append(e.handleOpts, opts...) }
}

func New(engine container.Engine, opts ...Option) *Executor {
	e := &Executor{
		engine:   engine,
		notifier: notify.Log{Logger: slog.Default()},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle returns a container handle for the manifest's image, configured
// the same way Validate configures it.
func (e *Executor) Handle(m *config.Manifest) (*container.Handle, error) {
	mem, err := m.MemoryBytes()
	if err != nil {
		return nil, err
	}
	opts := []container.Option{
		container.WithMemoryLimit(mem),
		container.WithNotifier(e.notifier),
		container.WithLogger(e.log),
	}
	if dir := m.BuildContext(); dir != "" {
		opts = append(opts, container.WithBuildContext(dir))
	}
	return container.New(m.Image.Name, e.engine, append(opts, e.handleOpts...)...), nil
}

// Validate runs the full check for one challenge. Problems with the
// challenge itself (build failures, unreachable ports, failing tests) are
// recorded in the report. The error is only set when ctx ends or the report
// cannot be stored; the report is returned in both cases.
func (e *Executor) Validate(ctx context.Context, m *config.Manifest) (*model.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &model.Report{
		ID:        model.NewID(),
		Challenge: m.Name,
		Image:     m.Image.Name,
		Tests:     []model.TestOutcome{},
		StartedAt: time.Now().UTC(),
	}
	log := e.log.With("run", report.ID, "challenge", m.Name)
	log.Info("validation started")

	if err := e.validate(ctx, m, report, log); err != nil {
		report.Error = err.Error()
	} else if err := ctx.Err(); err != nil {
		report.Error = err.Error()
	}
	report.FinishedAt = time.Now().UTC()
	report.Passed = report.Error == "" && report.Ready && allPassed(report.Tests)

	result := resultFailed
	switch {
	case report.Passed:
		result = resultPassed
	case report.Error != "":
		result = resultError
	}
	validationsTotal.WithLabelValues(result).Inc()
	validationDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	log.Info("validation finished", "passed", report.Passed, "error", report.Error)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if e.store != nil {
		if err := e.store.SaveReport(ctx, report); err != nil {
			return report, fmt.Errorf("saving report %s: %w", report.ID, err)
		}
	}
	return report, nil
}

func (e *Executor) validate(ctx context.Context, m *config.Manifest, report *model.Report, log *slog.Logger) error {
	flags, err := m.CompileFlags()
	if err != nil {
		return err
	}
	h, err := e.Handle(m)
	if err != nil {
		return err
	}

	id, err := h.Run(ctx, m.Image.Env)
	if err != nil {
		return err
	}
	report.ContainerID = id
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if _, err := h.Stop(stopCtx); err != nil {
			log.Error("stopping container", "container", id, "error", err)
		}
	}()

	report.Ready = h.WaitForReady(ctx, m.ReadyTimeout.Or(config.DefaultReadyTimeout))
	readinessTotal.WithLabelValues(strconv.FormatBool(report.Ready)).Inc()
	if !report.Ready {
		return ErrNotReady
	}

	env, err := e.challengeEnv(ctx, h)
	if err != nil {
		return err
	}
	for _, t := range m.Tests {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Tests = append(report.Tests, e.runTest(ctx, m, t, env, flags, log))
	}
	return nil
}

// challengeEnv tells tests where the service lives. The port is the lowest
// exposed TCP port, when there is one.
func (e *Executor) challengeEnv(ctx context.Context, h *container.Handle) (map[string]string, error) {
	addr, err := h.Address(ctx)
	if err != nil {
		return nil, err
	}
	env := map[string]string{EnvHost: addr}
	ports, err := h.ExposedPorts(ctx, "tcp")
	switch {
	case errors.Is(err, container.ErrNoExposedPorts):
	case err != nil:
		return nil, err
	case len(ports) > 0:
		env[EnvPort] = strconv.Itoa(ports[0])
	}
	return env, nil
}

func (e *Executor) runTest(ctx context.Context, m *config.Manifest, t config.Test, base map[string]string, flags []*flag.Flag, log *slog.Logger) model.TestOutcome {
	out := model.TestOutcome{Script: t.Script, Kind: t.Type, ExitCode: -1}

	kind, err := sandbox.ParseKind(t.Type)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Kind = kind.String()

	st, err := sandbox.NewTest(t.Script, kind, t.Files,
		sandbox.WithBasePath(m.Dir),
		sandbox.WithTempRoot(e.tempRoot),
		sandbox.WithLogger(log),
	)
	if err != nil {
		out.Error = err.Error()
		observeTest(out.Kind, resultError, 0)
		return out
	}

	env := map[string]string{"PATH": defaultPath}
	maps.Copy(env, base)
	maps.Copy(env, t.Env)

	start := time.Now()
	res, err := st.Run(ctx, t.Timeout.Or(config.DefaultTestTimeout), env)
	elapsed := time.Since(start)
	out.DurationMS = elapsed.Milliseconds()
	var te *sandbox.TimeoutError
	switch {
	case errors.As(err, &te):
		out.TimedOut = true
		out.Error = err.Error()
		observeTest(out.Kind, resultTimedOut, elapsed)
		log.Warn("test timed out", "script", t.Script, "timeout", te.Timeout)
		return out
	case err != nil:
		out.Error = err.Error()
		observeTest(out.Kind, resultError, elapsed)
		log.Error("test failed to run", "script", t.Script, "error", err)
		return out
	}

	out.ExitCode = res.ExitCode
	out.Stdout = res.Stdout
	out.Stderr = res.Stderr
	out.Passed = Judge(kind, res, flags)

	result := resultFailed
	if out.Passed {
		result = resultPassed
	}
	observeTest(out.Kind, result, elapsed)
	log.Info("test finished", "script", t.Script, "kind", out.Kind, "exit_code", res.ExitCode, "passed", out.Passed)
	return out
}

// Judge interprets a finished test. Status tests pass on exit 0. Solution
// tests also need one stdout line to be an accepted flag when the challenge
// declares any.
func Judge(kind sandbox.Kind, res *model.Result, flags []*flag.Flag) bool {
	if res.ExitCode != 0 {
		return false
	}
	if kind != sandbox.KindSolution || len(flags) == 0 {
		return true
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if flag.Any(flags, strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

func allPassed(tests []model.TestOutcome) bool {
	for _, t := range tests {
		if !t.Passed {
			return false
		}
	}
	return true
}

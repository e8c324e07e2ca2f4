// Package sandbox runs challenge verification scripts in a private scratch
// directory holding a snapshot of the files they need.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sudankdk/ctfcheck/internal/model"
	"github.com/sudankdk/ctfcheck/internal/utils"
)

// waitDelay bounds how long Run waits for stdout/stderr to close after the
// script has exited or been killed.
const waitDelay = 2 * time.Second

// Test is an immutable, validated verification script plus its inputs.
type Test struct {
	script   string
	kind     Kind
	files    []string
	basePath string
	tempRoot string
	log      *slog.Logger
}

type Option func(*Test)

// WithBasePath sets the directory script and files are relative to.
// Defaults to the working directory.
func WithBasePath(dir string) Option {
	return func(t *Test) { t.basePath = dir }
}

// WithTempRoot sets where private run directories are created.
func WithTempRoot(dir string) Option {
	return func(t *Test) { t.tempRoot = dir }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Test) { t.log = l }
}

// NewTest validates that every required file exists as a regular file under
// the base path. The script itself is only checked for staying inside the
// base path; a missing script surfaces when Run copies it.
func NewTest(script string, kind Kind, files []string, opts ...Option) (*Test, error) {
	t := &Test{
		script: filepath.Clean(script),
		kind:   kind,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.basePath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		t.basePath = wd
	}

	if !filepath.IsLocal(t.script) {
		return nil, &FileError{Path: script, Script: script, Err: ErrPathEscapesBase}
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		rel := filepath.Clean(f)
		if !filepath.IsLocal(rel) {
			return nil, &FileError{Path: f, Script: t.script, Err: ErrPathEscapesBase}
		}
		info, err := os.Stat(filepath.Join(t.basePath, rel))
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, &FileError{Path: f, Script: t.script, Err: ErrFileNotFound}
		case err != nil:
			return nil, &FileError{Path: f, Script: t.script, Err: err}
		case !info.Mode().IsRegular():
			return nil, &FileError{Path: f, Script: t.script, Err: ErrNotAFile}
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		t.files = append(t.files, rel)
	}
	return t, nil
}

func (t *Test) Script() string   { return t.script }
func (t *Test) Kind() Kind       { return t.kind }
func (t *Test) BasePath() string { return t.basePath }

// Files returns the required files in declaration order.
func (t *Test) Files() []string {
	return append([]string(nil), t.files...)
}

// Run copies the script and its files into a fresh private directory and
// executes the script there with exactly env as its environment. A non-zero
// exit is returned in the result, not as an error. Exceeding timeout returns
// a *TimeoutError. The private directory is removed before Run returns.
func (t *Test) Run(ctx context.Context, timeout time.Duration, env map[string]string) (_ *model.Result, retErr error) {
	dir, err := utils.TempDir(t.tempRoot)
	if err != nil {
		return nil, fmt.Errorf("creating private directory: %w", err)
	}
	defer func() {
		if err := utils.CleanupFiles(dir); err != nil {
			t.log.Error("removing private directory", "dir", dir, "error", err)
			if retErr == nil {
				retErr = fmt.Errorf("removing private directory: %w", err)
			}
		}
	}()

	if err := t.stage(dir); err != nil {
		return nil, err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	scriptPath := filepath.Join(dir, t.script)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, scriptPath)
	cmd.Dir = dir
	cmd.Env = utils.EnvList(env)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	t.log.Debug("running test", "script", t.script, "kind", t.kind, "dir", dir, "timeout", timeout)
	start := time.Now()
	err = cmd.Run()
	if reapErr := reapProcessGroup(cmd); reapErr != nil {
		t.log.Warn("killing leftover test processes", "script", t.script, "error", reapErr)
	}
	res := &model.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &TimeoutError{Command: t.script, Timeout: timeout}
	}
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
		return res, nil
	case errors.As(err, &exitErr):
		return res, nil
	default:
		return nil, fmt.Errorf("running %s: %w", t.script, err)
	}
}

// stage copies the required files and the script into dir, keeping their
// relative layout, and makes the script executable by its owner.
func (t *Test) stage(dir string) error {
	for _, rel := range append(t.Files(), t.script) {
		if err := utils.CopyFile(filepath.Join(t.basePath, rel), filepath.Join(dir, rel)); err != nil {
			return fmt.Errorf("copying %s: %w", rel, err)
		}
	}
	if err := utils.AddOwnerExec(filepath.Join(dir, t.script)); err != nil {
		return fmt.Errorf("marking %s executable: %w", t.script, err)
	}
	return nil
}

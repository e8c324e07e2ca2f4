package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sudankdk/ctfcheck/internal/api"
	"github.com/sudankdk/ctfcheck/internal/config"
	"github.com/sudankdk/ctfcheck/internal/container"
	"github.com/sudankdk/ctfcheck/internal/docker"
	"github.com/sudankdk/ctfcheck/internal/executor"
	"github.com/sudankdk/ctfcheck/internal/model"
	"github.com/sudankdk/ctfcheck/internal/notify"
	"github.com/sudankdk/ctfcheck/internal/store"
)

var (
	passStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// errFailed makes the process exit non-zero without printing anything more.
var errFailed = errors.New("validation failed")

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "ctfcheck",
		Short:         "Build, run and verify CTF challenge containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		validateCmd(cfg),
		serveCmd(cfg),
		buildCmd(cfg),
		exportCmd(cfg),
		pushCmd(cfg),
		pullCmd(cfg),
		portsCmd(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, failStyle.Render("error:"), err)
		}
		stop()
		os.Exit(1)
	}
}

// newEngine picks the container engine named by CTFCHECK_ENGINE.
func newEngine(cfg config.Config, progress io.Writer) (container.Engine, func(), error) {
	opts := []docker.Option{docker.WithProgress(progress), docker.WithLogger(slog.Default())}
	switch cfg.Engine {
	case "cli":
		return docker.NewCLI(cfg.DockerBin, opts...), func() {}, nil
	case "sdk", "":
		c, err := docker.New(opts...)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine %q (want sdk or cli)", cfg.Engine)
	}
}

// challengeHandle loads the manifest at path and returns a handle for its
// image.
func challengeHandle(cfg config.Config, path string) (*container.Handle, func(), error) {
	m, err := config.LoadManifest(path)
	if err != nil {
		return nil, nil, err
	}
	engine, closeEngine, err := newEngine(cfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	h, err := executor.New(engine, executor.WithNotifier(notify.NewConsole(os.Stderr))).Handle(m)
	if err != nil {
		closeEngine()
		return nil, nil, err
	}
	return h, closeEngine, nil
}

func validateCmd(cfg config.Config) *cobra.Command {
	var (
		asJSON  bool
		noStore bool
	)
	cmd := &cobra.Command{
		Use:   "validate [challenge]",
		Short: "Bring a challenge up, run its tests and tear it down",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.LoadManifest(pathArg(args))
			if err != nil {
				return err
			}

			engine, closeEngine, err := newEngine(cfg, io.Discard)
			if err != nil {
				return err
			}
			defer closeEngine()

			opts := []executor.Option{executor.WithNotifier(notify.NewConsole(os.Stderr))}
			if !noStore {
				st, err := store.NewSQLiteStore(cfg.DBPath)
				if err != nil {
					return err
				}
				defer st.Close()
				opts = append(opts, executor.WithStore(st))
			}

			report, err := executor.New(engine, opts...).Validate(cmd.Context(), m)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}
			if !report.Passed {
				return errFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not record the run in the history database")
	return cmd
}

func printReport(w io.Writer, r *model.Report) {
	verdict := func(ok bool) string {
		if ok {
			return passStyle.Render("PASS")
		}
		return failStyle.Render("FAIL")
	}
	fmt.Fprintf(w, "%s %s (%s) run %s\n", verdict(r.Passed), r.Challenge, r.Image, r.ID)
	fmt.Fprintf(w, "  ready: %t\n", r.Ready)
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	for _, t := range r.Tests {
		line := fmt.Sprintf("  %s %-8s %s exit=%d %dms", verdict(t.Passed), t.Kind, t.Script, t.ExitCode, t.DurationMS)
		if t.Error != "" {
			line += " (" + t.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "  took %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func serveCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the validation HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeEngine, err := newEngine(cfg, io.Discard)
			if err != nil {
				return err
			}
			defer closeEngine()

			st, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			exec := executor.New(engine,
				executor.WithStore(st),
				executor.WithNotifier(notify.Log{Logger: slog.Default()}),
			)
			server := api.NewServer(exec, st)

			errCh := make(chan error, 1)
			go func() { errCh <- server.StartServer(cfg.ListenAddr) }()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}
			slog.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}
}

func buildCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "build [challenge]",
		Short: "Build the challenge image",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeEngine, err := challengeHandle(cfg, pathArg(args))
			if err != nil {
				return err
			}
			defer closeEngine()
			name, err := h.Build(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func exportCmd(cfg config.Config) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export [challenge]",
		Short: "Save the challenge image to a tar archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.LoadManifest(pathArg(args))
			if err != nil {
				return err
			}
			engine, closeEngine, err := newEngine(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer closeEngine()
			exec := executor.New(engine,
				executor.WithNotifier(notify.NewConsole(os.Stderr)),
				executor.WithHandleOptions(container.WithExportDir(dir)),
			)
			h, err := exec.Handle(m)
			if err != nil {
				return err
			}
			path, err := h.Export(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory for the archive (default: system temp dir)")
	return cmd
}

func pushCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "push [challenge] <destination>",
		Short: "Tag the challenge image as destination and push it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := args[len(args)-1]
			h, closeEngine, err := challengeHandle(cfg, pathArg(args[:len(args)-1]))
			if err != nil {
				return err
			}
			defer closeEngine()
			dest, err = h.Push(cmd.Context(), dest)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
}

func pullCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [challenge]",
		Short: "Pull the challenge image from its registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeEngine, err := challengeHandle(cfg, pathArg(args))
			if err != nil {
				return err
			}
			defer closeEngine()
			name, err := h.Pull(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func portsCmd(cfg config.Config) *cobra.Command {
	var protocol string
	cmd := &cobra.Command{
		Use:   "ports [challenge]",
		Short: "List the ports the challenge image exposes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeEngine, err := challengeHandle(cfg, pathArg(args))
			if err != nil {
				return err
			}
			defer closeEngine()
			ports, err := h.ExposedPorts(cmd.Context(), protocol)
			if errors.Is(err, container.ErrNoExposedPorts) {
				fmt.Fprintln(cmd.ErrOrStderr(), "image exposes no ports")
				return nil
			}
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintf(cmd.OutOrStdout(), "%d/%s\n", p, protocol)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&protocol, "protocol", "tcp", "protocol to filter by")
	return cmd
}

func pathArg(args []string) string {
	if len(args) == 0 {
		return "."
	}
	return args[0]
}

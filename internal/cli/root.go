// Package cli is the hubctl dispatcher: it parses the global options, loads
// the command registry and runs the selected verb against a hub session.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schererja/hubctl/internal/commands"
	"github.com/schererja/hubctl/internal/config"
	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/internal/registry"
	"github.com/schererja/hubctl/pkg/logger"
)

// Version is the client version reported by --version and the version verb.
var Version = "0.1.0-dev"

// Exit statuses for error kinds.
const (
	exitFailure     = 1
	exitUsage       = 2
	exitAuth        = 3
	exitPermission  = 4
	exitInterrupted = 130
)

const logoutTimeout = 10 * time.Second

// app holds the state of one invocation.
type app struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer

	opts    *config.Options
	log     *logger.Logger
	reg     *registry.Registry
	metrics *hub.Metrics
}

// Execute runs hubctl with args (without the program name) and returns the
// process exit status.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{ctx: ctx, stdout: stdout, stderr: stderr}
	root := a.newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	a.flushMetrics()
	return exitStatus(err, stderr)
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hubctl [global options] <command> [arguments]",
		Short: "Administrative client for the build hub",
		Long: `hubctl manages a build hub: its hosts, channels, tags, packages,
permissions and volumes. It starts builds and follows tasks and their
logs until they finish.

Run "hubctl help" for the list of commands.`,
		Version:           Version,
		Args:              cobra.ArbitraryArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.dispatch(cmd, args)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.Flags().SetInterspersed(false)
	config.AddFlags(root.Flags())
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return hub.Usagef("%v\nrun \"hubctl help\" for usage", err)
	})
	root.SetHelpFunc(func(cmd *cobra.Command, _ []string) {
		if err := a.setup(cmd); err != nil {
			fmt.Fprintln(a.stderr, err)
			return
		}
		_ = a.printHelp(nil)
		fmt.Fprintf(a.stdout, "\nglobal options:\n%s", cmd.Flags().FlagUsages())
	})
	return root
}

// setup resolves the options and loads the registry once.
func (a *app) setup(cmd *cobra.Command) error {
	if a.reg != nil {
		return nil
	}
	opts, err := config.Load(cmd.Flags())
	if err != nil {
		if errors.Is(err, config.ErrUnknownProfile) || errors.Is(err, config.ErrInvalidAuthType) ||
			errors.Is(err, config.ErrInvalidValue) {
			return hub.Usagef("%v", err)
		}
		return err
	}
	a.opts = opts
	a.log = logger.New(a.stderr, logger.Options{Debug: opts.Debug, Quiet: opts.Quiet})
	for _, f := range opts.ConfigFiles {
		a.log.Debug("loaded config", slog.String("file", f))
	}
	if opts.MetricsFile != "" {
		a.metrics = hub.NewMetrics()
	}
	a.reg = registry.New(a.log)
	a.reg.Load(a.ctx, commands.Builtins(), opts.PluginPaths)
	return nil
}

func (a *app) dispatch(cmd *cobra.Command, args []string) error {
	if err := a.setup(cmd); err != nil {
		return err
	}
	if len(args) == 0 || strings.EqualFold(args[0], "help") {
		if len(args) > 0 {
			args = args[1:]
		}
		return a.printHelp(args)
	}

	verb := args[0]
	c := a.reg.Lookup(verb)
	if c == nil {
		msg := fmt.Sprintf("unknown command %q", verb)
		if s := suggest(verb, a.reg.Verbs()); s != "" {
			msg += fmt.Sprintf("; did you mean %q?", s)
		}
		return hub.Usagef("%s\nrun \"hubctl help\" for the list of commands", msg)
	}

	s, err := hub.NewSession(a.opts, a.log, a.metrics)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(a.ctx), logoutTimeout)
		defer cancel()
		s.Logout(ctx)
	}()

	rt := &registry.Runtime{
		Options:    a.opts,
		Log:        a.log,
		Stdout:     a.stdout,
		Stderr:     a.stderr,
		Stdin:      os.Stdin,
		Registry:   a.reg,
		Version:    Version,
		IsTerminal: registry.TerminalCheck(a.stdout),
	}
	a.log.Debug("dispatching", slog.String("verb", c.Verb), slog.String("kind", c.Kind.String()),
		slog.String("source", c.Source))
	return c.Run(a.ctx, rt, s, args[1:])
}

func (a *app) flushMetrics() {
	if a.metrics == nil || a.opts == nil || a.opts.MetricsFile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.opts.MetricsFile); err != nil {
		a.log.Error("failed to write metrics", err, slog.String("file", a.opts.MetricsFile))
	}
}

// exitStatus prints err and maps it to an exit status.
func exitStatus(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var code registry.ExitCode
	if errors.As(err, &code) {
		return int(code)
	}
	kind := hub.KindOf(err)
	if kind == hub.KindInterrupted {
		fmt.Fprintln(stderr, "interrupted")
		return exitInterrupted
	}
	fmt.Fprintf(stderr, "hubctl: %v\n", err)
	switch kind {
	case hub.KindUsage:
		return exitUsage
	case hub.KindAuthFailed:
		return exitAuth
	case hub.KindPermissionDenied:
		return exitPermission
	}
	return exitFailure
}

// Package commands holds the verbs shipped with hubctl.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/internal/registry"
	"github.com/schererja/hubctl/internal/watch"
)

// Printed when a batch command found bad input and changed nothing.
const noChanges = "No changes made. Please correct the command line."

// Builtins returns the built-in handler definitions.
func Builtins() []registry.Definition {
	return []registry.Definition{
		{Name: "handle_add_host", Doc: "[admin] Add a host", Run: handleAddHost},
		{Name: "handle_enable_host", Doc: "[admin] Mark one or more hosts as enabled", Run: handleEnableHost},
		{Name: "handle_disable_host", Doc: "[admin] Mark one or more hosts as disabled", Run: handleDisableHost},
		{Name: "handle_add_channel", Doc: "[admin] Add a channel", Run: handleAddChannel},
		{Name: "handle_enable_channel", Doc: "[admin] Mark one or more channels as enabled", Run: handleEnableChannel},
		{Name: "handle_disable_channel", Doc: "[admin] Mark one or more channels as disabled", Run: handleDisableChannel},
		{Name: "handle_add_volume", Doc: "[admin] Add a new storage volume", Run: handleAddVolume},
		{Name: "handle_grant_permission", Doc: "[admin] Grant a permission to users", Run: handleGrantPermission},
		{Name: "handle_set_pkg_owner", Doc: "[admin] Set the owner for a package", Run: handleSetPkgOwner},
		{Name: "handle_remove_pkg", Doc: "[admin] Remove a package from the listing for a tag", Run: handleRemovePkg},
		{Name: "handle_build", Doc: "[build] Build a package from source", Run: handleBuild},
		{Name: "handle_cancel", Doc: "[build] Cancel tasks", Run: handleCancel},
		{Name: "handle_hello", Doc: "[info] Print your user name", Run: handleHello},
		{Name: "anon_handle_list_api", Doc: "[info] Print the list of hub methods", Run: handleListAPI},
		{Name: "anon_handle_list_hosts", Doc: "[info] Print the host listing", Run: handleListHosts},
		{Name: "anon_handle_list_channels", Doc: "[info] Print the channel listing", Run: handleListChannels},
		{Name: "anon_handle_list_tasks", Doc: "[info] Print the list of active tasks", Run: handleListTasks},
		{Name: "anon_handle_version", Doc: "[info] Report client and hub versions", Run: handleVersion},
		{Name: "anon_handle_call", Doc: "[misc] Execute an arbitrary hub method", Run: handleCall},
		{Name: "anon_handle_watch_task", Doc: "[monitor] Track progress of particular tasks", Run: handleWatchTask},
		{Name: "anon_handle_watch_logs", Doc: "[monitor] Print logs of running tasks", Run: handleWatchLogs},
	}
}

// verbFlags is the option parser of one verb.
type verbFlags struct {
	*pflag.FlagSet
	verb  string
	usage string
}

func newFlags(verb, usage string) *verbFlags {
	fs := pflag.NewFlagSet(verb, pflag.ContinueOnError)
	fs.Usage = func() {}
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	return &verbFlags{FlagSet: fs, verb: verb, usage: usage}
}

// parse reads args and checks that at least minArgs positionals remain.
// done is true when help was printed and the handler should return.
func (f *verbFlags) parse(rt *registry.Runtime, args []string, minArgs int) (done bool, err error) {
	if err := f.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(rt.Stdout, "usage: hubctl %s %s\n", f.verb, f.usage)
			if opts := f.FlagUsages(); opts != "" {
				fmt.Fprintf(rt.Stdout, "\noptions:\n%s", opts)
			}
			return true, nil
		}
		return true, hub.Usagef("%v\nusage: hubctl %s %s", err, f.verb, f.usage)
	}
	if f.NArg() < minArgs {
		return true, hub.Usagef("usage: hubctl %s %s", f.verb, f.usage)
	}
	return false, nil
}

// shouldWatch decides whether a task-creating verb follows its tasks.
// Without --wait or --nowait it watches only when stdout is a terminal.
func shouldWatch(rt *registry.Runtime, wait, nowait bool) bool {
	switch {
	case nowait:
		return false
	case wait:
		return true
	}
	return rt.StdoutIsTerminal()
}

// watchTasks runs the task watcher and converts its result to an error.
func watchTasks(ctx context.Context, rt *registry.Runtime, s *hub.Session, ids []int, opts watch.Options) error {
	o := rt.Options
	opts.PollInterval = o.PollInterval
	opts.Out = rt.Stdout
	opts.Log = rt.Log
	if opts.TopURL == "" && opts.Logs {
		opts.TopURL = o.TopURL
	}
	if !opts.Quiet {
		opts.Quiet = o.Quiet
	}
	if !o.Quiet && !opts.Logs {
		fmt.Fprintln(rt.Stdout, "Watching tasks (this may be safely interrupted)...")
	}
	code, err := watch.New(s, opts).Run(ctx, ids)
	if err != nil {
		return err
	}
	if code != watch.ExitOK {
		return registry.ExitCode(code)
	}
	return nil
}

// lookupAll fetches method(name) for every name in one multicall and
// reports the names the hub does not know.
func lookupAll(ctx context.Context, s *hub.Session, method string, names []string) ([]hub.Outcome, []string, error) {
	outcomes, err := s.WithMulticall(ctx, false, func(m *hub.Multicall) error {
		for _, name := range names {
			m.Call(method, name)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	var missing []string
	for i, o := range outcomes {
		if o.Err != nil {
			return nil, nil, o.Err
		}
		if o.Value == nil {
			missing = append(missing, names[i])
		}
	}
	return outcomes, missing, nil
}

// reportMissing prints one line per missing entity and the no-changes
// notice. It returns ExitCode(1) when anything was missing.
func reportMissing(rt *registry.Runtime, what string, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	for _, name := range missing {
		fmt.Fprintf(rt.Stdout, "No such %s: %s\n", what, name)
	}
	fmt.Fprintln(rt.Stderr, noChanges)
	return registry.ExitCode(1)
}

// asInt converts an integer result from the hub.
func asInt(method string, v any) (int, error) {
	if n, ok := v.(int); ok {
		return n, nil
	}
	return 0, &hub.Error{Kind: hub.KindProtocol, Method: method,
		Err: fmt.Errorf("%w: expected an integer, got %T", hub.ErrMalformed, v)}
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func joinArches(a string) string {
	return strings.Join(strings.Fields(a), ",")
}

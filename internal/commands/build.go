package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/internal/registry"
	"github.com/schererja/hubctl/internal/upload"
	"github.com/schererja/hubctl/internal/watch"
)

func handleBuild(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("build", "[options] <target> <srpm path or scm url>")
	wait := f.Bool("wait", false, "wait on the build, even if running in the background")
	nowait := f.Bool("nowait", false, "don't wait on the build")
	scratch := f.Bool("scratch", false, "perform a scratch build")
	archOverride := f.String("arch-override", "", "override build arches (scratch builds only)")
	priority := f.Int("priority", 0, "set task priority (only lower priorities are allowed)")
	background := f.Bool("background", false, "run the build at a lower priority")
	if done, err := f.parse(rt, args, 2); done {
		return err
	}
	if f.NArg() != 2 {
		return hub.Usagef("exactly two arguments (a build target and a source) are required")
	}
	if *archOverride != "" && !*scratch {
		return hub.Usagef("--arch-override is only allowed for --scratch builds")
	}
	target, source := f.Arg(0), f.Arg(1)

	if err := s.Activate(ctx); err != nil {
		return err
	}
	v, err := s.Call(ctx, "getBuildTarget", target)
	if err != nil {
		return err
	}
	if v == nil {
		return hub.Errorf(hub.KindNotFound, "No such build target: %s", target)
	}
	var tgt hub.Target
	if err := hub.Decode(v, &tgt); err != nil {
		return err
	}
	dest, err := s.Call(ctx, "getTag", tgt.DestTagName)
	if err != nil {
		return err
	}
	if dest == nil {
		return hub.Errorf(hub.KindNotFound, "No such destination tag: %s", tgt.DestTagName)
	}

	if isLocalSource(source) {
		u := upload.New(s, upload.Options{
			TopDir:   rt.Options.TopDir,
			Progress: progressWriter(rt),
			Log:      rt.Log,
		})
		source, err = u.Upload(ctx, source, upload.UniquePath(""))
		if err != nil {
			return err
		}
	}

	opts := map[string]any{}
	if *scratch {
		opts["scratch"] = true
	}
	if *archOverride != "" {
		opts["arch_override"] = strings.Join(strings.Fields(strings.ReplaceAll(*archOverride, ",", " ")), " ")
	}
	kw := hub.Kw{}
	switch {
	case *priority != 0:
		kw["priority"] = *priority
	case *background:
		kw["priority"] = 5
	}
	res, err := s.Call(ctx, "build", source, target, opts, kw)
	if err != nil {
		return err
	}
	taskID, err := asInt("build", res)
	if err != nil {
		return err
	}
	if !rt.Options.Quiet {
		fmt.Fprintf(rt.Stdout, "Created task: %d\n", taskID)
		if web := strings.TrimRight(rt.Options.WebURL, "/"); web != "" {
			fmt.Fprintf(rt.Stdout, "Task info: %s/taskinfo?taskID=%d\n", web, taskID)
		}
	}
	if !shouldWatch(rt, *wait, *nowait) {
		return nil
	}
	return watchTasks(ctx, rt, s, []int{taskID}, watch.Options{FollowChildren: true, Command: "watch-task"})
}

// isLocalSource reports whether a build source names a local file rather
// than an SCM URL or a path already on the hub.
func isLocalSource(source string) bool {
	if strings.Contains(source, "://") {
		return false
	}
	info, err := os.Stat(source)
	return err == nil && info.Mode().IsRegular()
}

func progressWriter(rt *registry.Runtime) io.Writer {
	if rt.Options.Quiet {
		return nil
	}
	return rt.Stdout
}

func handleCancel(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("cancel", "[options] <task-id> [<task-id> ...]")
	if done, err := f.parse(rt, args, 1); done {
		return err
	}
	ids, err := watch.ParseIDs(f.Args())
	if err != nil {
		return hub.Usagef("%v", err)
	}

	if err := s.Activate(ctx); err != nil {
		return err
	}
	outcomes, err := s.WithMulticall(ctx, false, func(m *hub.Multicall) error {
		for _, id := range ids {
			m.Call("cancelTask", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	failed := false
	for i, o := range outcomes {
		if !o.OK() {
			fmt.Fprintf(rt.Stderr, "Failed to cancel task %d: %v\n", ids[i], o.Err)
			failed = true
		}
	}
	if failed {
		return registry.ExitCode(1)
	}
	return nil
}

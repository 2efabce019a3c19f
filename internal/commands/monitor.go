package commands

import (
	"context"

	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/internal/registry"
	"github.com/schererja/hubctl/internal/watch"
)

func handleWatchTask(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("watch-task", "[options] <task-id> [<task-id> ...]")
	if done, err := f.parse(rt, args, 1); done {
		return err
	}
	ids, err := watch.ParseIDs(f.Args())
	if err != nil {
		return hub.Usagef("%v", err)
	}
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	return watchTasks(ctx, rt, s, ids, watch.Options{FollowChildren: true, Command: "watch-task"})
}

func handleWatchLogs(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("watch-logs", "[options] <task-id> [<task-id> ...]")
	follow := f.BoolP("follow", "f", false, "follow spawned child tasks")
	names := f.StringArray("log", nil, "only print this log (repeatable)")
	if done, err := f.parse(rt, args, 1); done {
		return err
	}
	ids, err := watch.ParseIDs(f.Args())
	if err != nil {
		return hub.Usagef("%v", err)
	}
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	return watchTasks(ctx, rt, s, ids, watch.Options{
		FollowChildren: *follow,
		Quiet:          true,
		Logs:           true,
		LogNames:       *names,
		Command:        "watch-logs",
	})
}

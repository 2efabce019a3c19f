// Package watch follows hub tasks until they finish, printing state changes
// and streaming their logs.
package watch

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskState is the hub's task state machine.
type TaskState int

const (
	Free TaskState = iota
	Open
	Closed
	Canceled
	Assigned
	Failed
)

var stateNames = []string{"free", "open", "closed", "canceled", "assigned", "failed"}

func (s TaskState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state-" + strconv.Itoa(int(s))
}

// Terminal reports whether the task will not change state again.
func (s TaskState) Terminal() bool {
	return s == Closed || s == Canceled || s == Failed
}

// UnmarshalText accepts a state name or its number.
func (s *TaskState) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	for i, name := range stateNames {
		if v == name {
			*s = TaskState(i)
			return nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n >= len(stateNames) {
		return fmt.Errorf("unknown task state %q", v)
	}
	*s = TaskState(n)
	return nil
}

// TaskInfo is the part of a task descriptor the watcher uses.
type TaskInfo struct {
	ID           int       `mapstructure:"id"`
	State        TaskState `mapstructure:"state"`
	Method       string    `mapstructure:"method"`
	Parent       *int      `mapstructure:"parent"`
	HostID       *int      `mapstructure:"host_id"`
	Arch         string    `mapstructure:"arch"`
	Label        string    `mapstructure:"label"`
	Owner        string    `mapstructure:"owner_name"`
	Priority     int       `mapstructure:"priority"`
	CreateTS     float64   `mapstructure:"create_ts"`
	CompletionTS *float64  `mapstructure:"completion_ts"`
}

// Describe returns a short human name such as "build (noarch)".
func (t TaskInfo) Describe() string {
	name := t.Method
	if name == "" {
		name = "task"
	}
	var extra []string
	if t.Label != "" {
		extra = append(extra, t.Label)
	}
	if t.Arch != "" && t.Arch != "noarch" {
		extra = append(extra, t.Arch)
	}
	if len(extra) > 0 {
		return name + " (" + strings.Join(extra, ", ") + ")"
	}
	return name
}

// ParseIDs converts command line task IDs.
func ParseIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("task id must be a positive integer: %s", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

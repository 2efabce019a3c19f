package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"go.yaml.in/yaml/v3"

	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/internal/registry"
	"github.com/schererja/hubctl/internal/watch"
)

func handleHello(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("hello", "")
	if done, err := f.parse(rt, args, 0); done {
		return err
	}
	if err := s.Activate(ctx); err != nil {
		return err
	}
	v, err := s.Call(ctx, "getLoggedInUser")
	if err != nil {
		return err
	}
	name := s.User()
	if v != nil {
		var u hub.User
		if err := hub.Decode(v, &u); err != nil {
			return err
		}
		name = u.Name
	}
	if name == "" {
		name = "anonymous"
	}
	fmt.Fprintf(rt.Stdout, "Hello, %s!\n\nYou are using the hub at %s\nAuthenticated via %s\n", name, s.URL(), s.AuthType())
	return nil
}

func handleListAPI(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("list-api", "[<method> ...]")
	if done, err := f.parse(rt, args, 0); done {
		return err
	}
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}

	if f.NArg() > 0 {
		for _, method := range f.Args() {
			help, err := s.MethodHelp(ctx, method)
			if err != nil {
				return err
			}
			if help == "" {
				return hub.Usagef("Unknown method: %s", method)
			}
			fmt.Fprintln(rt.Stdout, help)
		}
		return nil
	}

	methods, err := s.ListAPI(ctx)
	if err != nil {
		return err
	}
	for _, m := range methods {
		fmt.Fprintf(rt.Stdout, "%s%s\n", m.Name, m.ArgDesc)
		if m.Doc != "" {
			fmt.Fprintf(rt.Stdout, "  description: %s\n", m.Doc)
		}
	}
	return nil
}

func handleListHosts(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("list-hosts", "[options]")
	arch := f.StringSlice("arch", nil, "only hosts with this arch")
	channel := f.String("channel", "", "only hosts in this channel")
	ready := f.Bool("ready", false, "only ready hosts")
	enabled := f.Bool("enabled", false, "only enabled hosts")
	if done, err := f.parse(rt, args, 0); done {
		return err
	}
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}

	kw := hub.Kw{}
	if len(*arch) > 0 {
		kw["arches"] = *arch
	}
	if *channel != "" {
		kw["channelID"] = *channel
	}
	if *ready {
		kw["ready"] = true
	}
	if *enabled {
		kw["enabled"] = true
	}
	v, err := s.Call(ctx, "listHosts", kw)
	if err != nil {
		return err
	}
	var hosts []hub.Host
	if err := hub.Decode(v, &hosts); err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Fprintln(rt.Stdout, "(no hosts)")
		return nil
	}

	tw := tabwriter.NewWriter(rt.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOSTNAME\tENB\tRDY\tLOAD/CAP\tARCH\tCOMMENT")
	for _, h := range hosts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f/%.1f\t%s\t%s\n",
			h.Name, yesNo(h.Enabled), yesNo(h.Ready), h.TaskLoad, h.Capacity, joinArches(h.Arches), h.Comment)
	}
	return tw.Flush()
}

func handleListChannels(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("list-channels", "[options]")
	disabled := f.Bool("disabled", false, "include disabled channels")
	if done, err := f.parse(rt, args, 0); done {
		return err
	}
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}

	kw := hub.Kw{}
	if !*disabled {
		kw["enabled"] = true
	}
	v, err := s.Call(ctx, "listChannels", kw)
	if err != nil {
		return err
	}
	var channels []hub.Channel
	if err := hub.Decode(v, &channels); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(rt.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tENABLED\tDESCRIPTION")
	for _, c := range channels {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, yesNo(c.Enabled), c.Description)
	}
	return tw.Flush()
}

func handleListTasks(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("list-tasks", "[options]")
	mine := f.Bool("mine", false, "only your tasks")
	user := f.String("user", "", "only tasks of this user")
	method := f.String("method", "", "only tasks of this method")
	limit := f.Int("limit", 0, "show at most this many tasks")
	if done, err := f.parse(rt, args, 0); done {
		return err
	}
	if *mine && *user != "" {
		return hub.Usagef("--mine and --user are mutually exclusive")
	}

	opts := map[string]any{
		"state":  []any{int(watch.Free), int(watch.Open), int(watch.Assigned)},
		"decode": true,
	}
	switch {
	case *mine:
		if err := s.Activate(ctx); err != nil {
			return err
		}
		v, err := s.Call(ctx, "getLoggedInUser")
		if err != nil {
			return err
		}
		var u hub.User
		if err := hub.Decode(v, &u); err != nil {
			return err
		}
		opts["owner"] = u.ID
	case *user != "":
		if err := s.EnsureConnected(ctx); err != nil {
			return err
		}
		v, err := s.Call(ctx, "getUser", *user)
		if err != nil {
			return err
		}
		if v == nil {
			return hub.Errorf(hub.KindNotFound, "No such user: %s", *user)
		}
		var u hub.User
		if err := hub.Decode(v, &u); err != nil {
			return err
		}
		opts["owner"] = u.ID
	default:
		if err := s.EnsureConnected(ctx); err != nil {
			return err
		}
	}
	if *method != "" {
		opts["method"] = *method
	}
	query := map[string]any{"order": "priority,create_ts"}
	if *limit > 0 {
		query["limit"] = *limit
	}

	v, err := s.Call(ctx, "listTasks", opts, query)
	if err != nil {
		return err
	}
	var tasks []watch.TaskInfo
	if err := hub.Decode(v, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(rt.Stdout, "(no tasks)")
		return nil
	}
	tw := tabwriter.NewWriter(rt.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRI\tOWNER\tSTATE\tARCH\tNAME")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", t.ID, t.Priority, t.Owner, t.State, t.Arch, t.Describe())
	}
	return tw.Flush()
}

func handleVersion(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("version", "")
	if done, err := f.parse(rt, args, 0); done {
		return err
	}
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	hubVersion := "unknown"
	if v, err := s.Call(ctx, "getHubVersion"); err == nil {
		if str, ok := v.(string); ok && str != "" {
			hubVersion = str
		}
	} else if hub.KindOf(err) == hub.KindInterrupted {
		return err
	}
	fmt.Fprintf(rt.Stdout, "Client: hubctl %s\nHub: %s\nAPI version: %v\n", rt.Version, hubVersion, s.APIVersion())
	return nil
}

func handleCall(ctx context.Context, rt *registry.Runtime, s *hub.Session, args []string) error {
	f := newFlags("call", "[options] <method> [<arg> ...] [<key>=<value> ...]")
	login := f.Bool("login", false, "log in before calling")
	asString := f.Bool("string", false, "pass arguments as strings instead of YAML values")
	if done, err := f.parse(rt, args, 1); done {
		return err
	}
	method := f.Arg(0)

	var params []any
	kw := hub.Kw{}
	for _, a := range f.Args()[1:] {
		key, val, isKw := strings.Cut(a, "=")
		if isKw && validKey(key) {
			v, err := callValue(val, *asString)
			if err != nil {
				return err
			}
			kw[key] = v
			continue
		}
		v, err := callValue(a, *asString)
		if err != nil {
			return err
		}
		params = append(params, v)
	}
	if len(kw) > 0 {
		params = append(params, kw)
	}

	if *login {
		if err := s.Activate(ctx); err != nil {
			return err
		}
	} else if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	res, err := s.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(normalize(res))
	if err != nil {
		return err
	}
	_, err = rt.Stdout.Write(out)
	return err
}

// validKey reports whether s can be a keyword argument name.
func validKey(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func callValue(s string, asString bool) (any, error) {
	if asString {
		return s, nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, hub.Usagef("invalid argument %q: %v", s, err)
	}
	return v, nil
}

// normalize makes hub values printable as YAML.
func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}

// Package registry discovers command handlers and binds them to verbs.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"golang.org/x/term"

	"github.com/schererja/hubctl/internal/config"
	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/pkg/logger"
)

// Handler name prefixes. The remainder of the name is the verb.
const (
	AuthPrefix = "handle_"
	AnonPrefix = "anon_handle_"
)

// SourceBuiltin marks commands shipped with the client.
const SourceBuiltin = "builtin"

// DefaultCategory is used when a handler's doc carries no [category] tag.
const DefaultCategory = "misc"

// Kind tells the dispatcher what a handler needs from the session.
type Kind int

const (
	// Authenticated handlers get a logged-in session.
	Authenticated Kind = iota
	// Anonymous handlers only need a connection.
	Anonymous
)

func (k Kind) String() string {
	if k == Anonymous {
		return "anonymous"
	}
	return "authenticated"
}

// Handler implements one verb. A returned ExitCode sets the process exit
// status without printing anything.
type Handler func(ctx context.Context, rt *Runtime, s *hub.Session, args []string) error

// Definition is a handler before registration: its declared name and doc.
type Definition struct {
	Name string
	Doc  string
	Run  Handler
}

// Command is a registered verb.
type Command struct {
	Verb     string
	Category string
	Summary  string
	Kind     Kind
	// Source is SourceBuiltin or the plugin file that provided the command.
	Source string
	Run    Handler
}

// ExitCode is returned by a handler to request an exit status.
type ExitCode int

func (e ExitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// Runtime is the per-invocation state threaded into handlers.
type Runtime struct {
	Options  *config.Options
	Log      *logger.Logger
	Stdout   io.Writer
	Stderr   io.Writer
	Stdin    io.Reader
	Registry *Registry
	Version  string
	// IsTerminal reports whether stdout is a terminal.
	IsTerminal func() bool
}

// StdoutIsTerminal reports whether output goes to an interactive terminal.
func (rt *Runtime) StdoutIsTerminal() bool {
	return rt.IsTerminal != nil && rt.IsTerminal()
}

// TerminalCheck returns an IsTerminal func for w, true only when w is a
// file attached to a terminal.
func TerminalCheck(w io.Writer) func() bool {
	return func() bool {
		f, ok := w.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	}
}

// ParseName splits a handler name into its verb and kind. ok is false for
// names that are not handlers.
func ParseName(name string) (verb string, kind Kind, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(name, AnonPrefix):
		rest, kind = strings.TrimPrefix(name, AnonPrefix), Anonymous
	case strings.HasPrefix(name, AuthPrefix):
		rest, kind = strings.TrimPrefix(name, AuthPrefix), Authenticated
	default:
		return "", 0, false
	}
	if rest == "" {
		return "", 0, false
	}
	return strings.ToLower(strings.ReplaceAll(rest, "_", "-")), kind, true
}

// ParseDoc extracts the category tag and summary from the first line of a
// handler doc such as "[admin] Add a host".
func ParseDoc(doc string) (category, summary string) {
	line, _, _ := strings.Cut(strings.TrimSpace(doc), "\n")
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "]"); end > 0 {
			category = strings.ToLower(strings.TrimSpace(line[1:end]))
			line = strings.TrimSpace(line[end+1:])
		}
	}
	if category == "" {
		category = DefaultCategory
	}
	return category, line
}

// Registry maps verbs to commands.
type Registry struct {
	log  *logger.Logger
	cmds map[string]*Command
}

// New returns an empty registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{log: log, cmds: map[string]*Command{}}
}

// Register adds every definition whose name is a handler name. A verb that
// is already registered is replaced. It returns how many were registered.
func (r *Registry) Register(source string, defs ...Definition) int {
	n := 0
	for _, d := range defs {
		verb, kind, ok := ParseName(d.Name)
		if !ok || d.Run == nil {
			continue
		}
		category, summary := ParseDoc(d.Doc)
		cmd := &Command{
			Verb:     verb,
			Category: category,
			Summary:  summary,
			Kind:     kind,
			Source:   source,
			Run:      d.Run,
		}
		if prev, exists := r.cmds[verb]; exists {
			r.log.Info("command overridden",
				slog.String("verb", verb),
				slog.String("previous", prev.Source),
				slog.String("source", source))
		}
		r.cmds[verb] = cmd
		n++
	}
	return n
}

// Load registers the built-ins, then every plugin directory in order.
func (r *Registry) Load(ctx context.Context, builtins []Definition, dirs []string) {
	r.Register(SourceBuiltin, builtins...)
	for _, dir := range dirs {
		r.LoadDir(ctx, dir)
	}
}

// Lookup returns the command for verb, or nil.
func (r *Registry) Lookup(verb string) *Command {
	return r.cmds[strings.ToLower(verb)]
}

// List returns every command sorted by verb.
func (r *Registry) List() []Command {
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Command) int { return cmp.Compare(a.Verb, b.Verb) })
	return out
}

// Verbs returns the registered verbs, sorted.
func (r *Registry) Verbs() []string {
	verbs := make([]string, 0, len(r.cmds))
	for v := range r.cmds {
		verbs = append(verbs, v)
	}
	slices.Sort(verbs)
	return verbs
}

// Categories groups the commands by category. Category names are sorted.
func (r *Registry) Categories() ([]string, map[string][]Command) {
	groups := map[string][]Command{}
	for _, c := range r.List() {
		groups[c.Category] = append(groups[c.Category], c)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, groups
}

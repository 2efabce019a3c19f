package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/schererja/hubctl/internal/hub"
)

// DescribeTimeout bounds how long a plugin may take to describe itself.
const DescribeTimeout = 10 * time.Second

// Environment passed to plugin handlers.
const (
	EnvServer     = "HUBCTL_SERVER"
	EnvProfile    = "HUBCTL_PROFILE"
	EnvAuthType   = "HUBCTL_AUTHTYPE"
	EnvSessionID  = "HUBCTL_SESSION_ID"
	EnvSessionKey = "HUBCTL_SESSION_KEY"
	EnvCallnum    = "HUBCTL_SESSION_CALLNUM"
	EnvTopURL     = "HUBCTL_TOPURL"
)

// pluginEntry is one handler listed by a plugin's describe output.
type pluginEntry struct {
	Name string `yaml:"name"`
	Doc  string `yaml:"doc"`
}

// LoadDir registers the handlers of every executable file in dir, in name
// order. A missing directory is skipped; a plugin that cannot describe
// itself is dropped with a warning.
func (r *Registry) LoadDir(ctx context.Context, dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.WarnContext(ctx, "cannot read plugin directory", slog.String("dir", dir), slog.String("error", err.Error()))
		}
		return 0
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		log := r.log.With(slog.String("plugin", path))
		defs, err := describePlugin(ctx, path)
		if err != nil {
			log.WarnContext(ctx, "plugin dropped", slog.String("error", err.Error()))
			continue
		}
		n += r.Register(path, defs...)
		log.Debug("plugin loaded", slog.Int("handlers", len(defs)))
	}
	return n
}

func describePlugin(ctx context.Context, path string) ([]Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, DescribeTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "describe")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("describe failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("describe failed: %w", err)
	}

	var entries []pluginEntry
	if err := yaml.Unmarshal(stdout.Bytes(), &entries); err != nil {
		return nil, fmt.Errorf("invalid describe output: %w", err)
	}
	defs := make([]Definition, 0, len(entries))
	for _, e := range entries {
		if _, kind, ok := ParseName(e.Name); ok {
			defs = append(defs, Definition{Name: e.Name, Doc: e.Doc, Run: pluginHandler(path, e.Name, kind)})
		}
	}
	return defs, nil
}

// pluginHandler runs `<path> run <name> -- args...` with the session
// exported in the environment. The plugin's exit status becomes ours.
// Exported credentials belong to the plugin afterwards: the hub rejects
// callnums that go backwards, so hubctl releases the session instead of
// logging it out.
func pluginHandler(path, name string, kind Kind) Handler {
	return func(ctx context.Context, rt *Runtime, s *hub.Session, args []string) error {
		if kind == Authenticated && s != nil {
			if err := s.Activate(ctx); err != nil {
				return err
			}
		}

		cmd := exec.CommandContext(ctx, path, append([]string{"run", name, "--"}, args...)...)
		cmd.Stdin = rt.Stdin
		cmd.Stdout = rt.Stdout
		cmd.Stderr = rt.Stderr
		cmd.Env = append(os.Environ(), pluginEnv(rt, s)...)
		if s != nil && s.Logged() {
			defer s.Release()
		}

		err := cmd.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ctx.Err() != nil {
				return &hub.Error{Kind: hub.KindInterrupted, Err: hub.ErrInterrupted}
			}
			return ExitCode(exitErr.ExitCode())
		}
		if err != nil {
			return fmt.Errorf("failed to run plugin %s: %w", filepath.Base(path), err)
		}
		return nil
	}
}

func pluginEnv(rt *Runtime, s *hub.Session) []string {
	var env []string
	if o := rt.Options; o != nil {
		env = append(env,
			EnvServer+"="+o.Server,
			EnvProfile+"="+o.Profile,
			EnvTopURL+"="+o.TopURL,
		)
	}
	if s != nil {
		env = append(env, EnvAuthType+"="+string(s.AuthType()))
		if c := s.Credentials(); c != nil {
			env = append(env,
				EnvSessionID+"="+c.SessionID,
				EnvSessionKey+"="+c.SessionKey,
				EnvCallnum+"="+strconv.Itoa(s.Callnum()),
			)
		}
	}
	return env
}

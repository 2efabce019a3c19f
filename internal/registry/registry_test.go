package registry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schererja/hubctl/internal/config"
	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/internal/hub/hubtest"
	"github.com/schererja/hubctl/pkg/logger"
)

func noop(context.Context, *Runtime, *hub.Session, []string) error { return nil }

func TestParseName(t *testing.T) {
	cases := []struct {
		name string
		verb string
		kind Kind
		ok   bool
	}{
		{"handle_add_host", "add-host", Authenticated, true},
		{"anon_handle_list_api", "list-api", Anonymous, true},
		{"handle_Watch_Logs", "watch-logs", Authenticated, true},
		{"handle_", "", 0, false},
		{"helper", "", 0, false},
		{"handler_x", "", 0, false},
		{"Handle_x", "", 0, false},
	}
	for _, tc := range cases {
		verb, kind, ok := ParseName(tc.name)
		if verb != tc.verb || kind != tc.kind || ok != tc.ok {
			t.Errorf("ParseName(%q) = %q, %v, %v", tc.name, verb, kind, ok)
		}
	}
}

func TestParseDoc(t *testing.T) {
	cat, sum := ParseDoc("[Admin] Add a host\n\nLonger text")
	if cat != "admin" || sum != "Add a host" {
		t.Fatalf("got %q %q", cat, sum)
	}
	cat, sum = ParseDoc("No tag here")
	if cat != DefaultCategory || sum != "No tag here" {
		t.Fatalf("got %q %q", cat, sum)
	}
}

func TestRegisterLastWriterWins(t *testing.T) {
	var logs bytes.Buffer
	r := New(logger.New(&logs, logger.Options{}))

	r.Register("a", Definition{Name: "handle_v", Doc: "[admin] from a", Run: noop})
	r.Register("b", Definition{Name: "handle_v", Doc: "[info] from b", Run: noop})

	c := r.Lookup("v")
	if c == nil || c.Source != "b" || c.Category != "info" {
		t.Fatalf("lookup = %+v", c)
	}
	if !strings.Contains(logs.String(), "command overridden") || !strings.Contains(logs.String(), "previous=a") {
		t.Fatalf("override not logged: %s", logs.String())
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	r := New(nil)
	r.Register(SourceBuiltin, Definition{Name: "handle_add_host", Doc: "[admin] Add a host", Run: noop})
	if r.Lookup("ADD-HOST") == nil {
		t.Fatal("uppercase lookup failed")
	}
	if r.Lookup("add_host") != nil {
		t.Fatal("underscore spelling should not match")
	}
}

func TestDiscoveryFilter(t *testing.T) {
	r := New(nil)
	n := r.Register(SourceBuiltin,
		Definition{Name: "handle_ok", Run: noop},
		Definition{Name: "helper", Run: noop},
		Definition{Name: "do_handle_x", Run: noop},
		Definition{Name: "handle_nil"},
	)
	if n != 1 {
		t.Fatalf("registered %d", n)
	}
	if got := r.Verbs(); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("verbs = %v", got)
	}
}

func TestCategories(t *testing.T) {
	r := New(nil)
	r.Register(SourceBuiltin,
		Definition{Name: "handle_b", Doc: "[admin] b", Run: noop},
		Definition{Name: "handle_a", Doc: "[admin] a", Run: noop},
		Definition{Name: "anon_handle_c", Doc: "[info] c", Run: noop},
	)
	names, groups := r.Categories()
	if strings.Join(names, ",") != "admin,info" {
		t.Fatalf("categories = %v", names)
	}
	if groups["admin"][0].Verb != "a" || groups["admin"][1].Verb != "b" {
		t.Fatalf("admin = %+v", groups["admin"])
	}
	if groups["info"][0].Kind != Anonymous {
		t.Fatal("kind lost")
	}
}

// writePlugin creates an executable shell plugin describing handlers and
// echoing its invocation when run.
func writePlugin(t *testing.T, dir, file, tag, describe string) string {
	t.Helper()
	script := "#!/bin/sh\n" +
		"case \"$1\" in\n" +
		"describe)\n" +
		"cat <<'EOF'\n" + describe + "EOF\n" +
		";;\n" +
		"run)\n" +
		"shift; name=$1; shift; shift\n" +
		"echo \"" + tag + ":$name:$*:$HUBCTL_SERVER:$HUBCTL_SESSION_ID\"\n" +
		"[ \"$1\" = fail ] && exit 3\n" +
		"exit 0\n" +
		";;\n" +
		"esac\n"
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	return path
}

func TestLoadDirOrder(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	writePlugin(t, dirA, "tools", "A", "- name: handle_v\n  doc: \"[admin] v from A\"\n- name: anon_handle_only_a\n  doc: \"[info] only in A\"\n- name: helper\n  doc: not a handler\n")
	pathB := writePlugin(t, dirB, "tools", "B", "[{\"name\": \"handle_v\", \"doc\": \"[admin] v from B\"}]\n")

	r := New(nil)
	r.Load(context.Background(), nil, []string{dirA, dirB, filepath.Join(t.TempDir(), "missing")})

	v := r.Lookup("v")
	if v == nil || v.Source != pathB || v.Summary != "v from B" {
		t.Fatalf("v = %+v", v)
	}
	onlyA := r.Lookup("only-a")
	if onlyA == nil || onlyA.Kind != Anonymous || !strings.HasPrefix(onlyA.Source, dirA) {
		t.Fatalf("only-a = %+v", onlyA)
	}
	if r.Lookup("helper") != nil {
		t.Fatal("non-handler registered")
	}
	if got := r.Verbs(); len(got) != 2 {
		t.Fatalf("verbs = %v", got)
	}
}

func TestLoadDirDropsBrokenPlugin(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken")
	if err := os.WriteFile(broken, []byte("#!/bin/sh\necho oops >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("not executable"), 0o644); err != nil {
		t.Fatal(err)
	}
	writePlugin(t, dir, "good", "G", "- name: handle_good\n  doc: \"[misc] good\"\n")

	var logs bytes.Buffer
	r := New(logger.New(&logs, logger.Options{}))
	if n := r.LoadDir(context.Background(), dir); n != 1 {
		t.Fatalf("registered %d", n)
	}
	if r.Lookup("good") == nil {
		t.Fatal("good plugin missing")
	}
	if !strings.Contains(logs.String(), "plugin dropped") || !strings.Contains(logs.String(), "oops") {
		t.Fatalf("warning missing: %s", logs.String())
	}
}

func TestPluginRun(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "tools", "P", "- name: anon_handle_greet\n  doc: \"[misc] greet\"\n")
	r := New(nil)
	r.LoadDir(context.Background(), dir)

	var out bytes.Buffer
	rt := &Runtime{
		Options: &config.Options{Server: "https://hub.example/rpc"},
		Stdout:  &out,
		Stderr:  &out,
	}
	cmd := r.Lookup("greet")
	if cmd == nil {
		t.Fatal("greet not registered")
	}
	if err := cmd.Run(context.Background(), rt, nil, []string{"x", "y"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "P:anon_handle_greet:x y:https://hub.example/rpc:" {
		t.Fatalf("output = %q", got)
	}

	out.Reset()
	err := cmd.Run(context.Background(), rt, nil, []string{"fail"})
	var code ExitCode
	if !errors.As(err, &code) || code != 3 {
		t.Fatalf("err = %v", err)
	}
}

func TestPluginRunAuthenticated(t *testing.T) {
	srv := hubtest.NewServer(t)
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"case \"$1\" in\n" +
		"describe) echo '- {name: handle_whoami, doc: \"[misc] Show session\"}' ;;\n" +
		"run) echo \"$HUBCTL_AUTHTYPE $HUBCTL_SESSION_ID $HUBCTL_SESSION_KEY $HUBCTL_SESSION_CALLNUM\" ;;\n" +
		"esac\n"
	if err := os.WriteFile(filepath.Join(dir, "whoami"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	r := New(nil)
	r.LoadDir(context.Background(), dir)

	opts := &config.Options{Server: srv.URL, AuthType: "password", User: "alice"}
	s, err := hub.NewSession(opts, nil, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.SetAuthenticators(&hub.PasswordAuth{User: "alice", Password: "secret"})
	ctx := context.Background()
	if err := s.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := s.Call(ctx, "getAPIVersion"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	var out bytes.Buffer
	rt := &Runtime{Options: opts, Stdout: &out, Stderr: &out}
	if err := r.Lookup("whoami").Run(ctx, rt, s, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "password 1 key-1 1" {
		t.Fatalf("plugin env = %q", got)
	}

	if s.Logged() {
		t.Fatal("session still held after handing it to the plugin")
	}
	s.Logout(ctx)
	if n := len(srv.Calls("logout")); n != 0 {
		t.Fatalf("logout calls = %d", n)
	}
}

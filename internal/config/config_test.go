package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("hubctl", pflag.ContinueOnError)
	AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
}

const sample = `
server: https://hub.example.com/hubhub
weburl: https://hub.example.com/hub
poll-interval: 30
plugin-paths:
  - /opt/hubctl/plugins
profiles:
  stage:
    server: https://stage.example.com/hubhub
    authtype: ssl
    cert: /etc/pki/stage.pem
`

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	opts, err := Load(parseFlags(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Profile != DefaultProfile {
		t.Errorf("unexpected profile: %q", opts.Profile)
	}
	if opts.PollInterval != 60*time.Second {
		t.Errorf("unexpected poll interval: %s", opts.PollInterval)
	}
	if opts.Timeout != time.Hour {
		t.Errorf("unexpected timeout: %s", opts.Timeout)
	}
	if len(opts.PluginPaths) != 2 {
		t.Errorf("expected system and user plugin paths, got %v", opts.PluginPaths)
	}
}

func TestLoad_ConfigFileAndProfile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, sample)

	opts, err := Load(parseFlags(t, "--config", path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Server != "https://hub.example.com/hubhub" {
		t.Errorf("unexpected server: %q", opts.Server)
	}
	if opts.PollInterval != 30*time.Second {
		t.Errorf("unexpected poll interval: %s", opts.PollInterval)
	}
	if !slices.Contains(opts.PluginPaths, "/opt/hubctl/plugins") {
		t.Errorf("configured plugin path missing: %v", opts.PluginPaths)
	}

	opts, err = Load(parseFlags(t, "--config", path, "--profile", "stage"))
	if err != nil {
		t.Fatalf("Load stage: %v", err)
	}
	if opts.Server != "https://stage.example.com/hubhub" {
		t.Errorf("profile should override server, got %q", opts.Server)
	}
	if opts.AuthType != "ssl" || opts.Cert != "/etc/pki/stage.pem" {
		t.Errorf("profile auth not applied: %q %q", opts.AuthType, opts.Cert)
	}
	if opts.WebURL != "https://hub.example.com/hub" {
		t.Errorf("top-level keys should survive profile merge, got %q", opts.WebURL)
	}
}

func TestLoad_FlagsAndEnvOverrideConfig(t *testing.T) {
	isolate(t)
	path := writeConfig(t, sample)
	t.Setenv("HUBCTL_WEBURL", "https://env.example.com/hub")

	opts, err := Load(parseFlags(t, "--config", path, "--server", "https://flag.example.com", "--poll-interval", "5", "--plugin-paths", "/a:/b"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Server != "https://flag.example.com" {
		t.Errorf("flag should win, got %q", opts.Server)
	}
	if opts.WebURL != "https://env.example.com/hub" {
		t.Errorf("env should win over file, got %q", opts.WebURL)
	}
	if opts.PollInterval != 5*time.Second {
		t.Errorf("unexpected poll interval: %s", opts.PollInterval)
	}
	n := len(opts.PluginPaths)
	if n < 2 || opts.PluginPaths[n-2] != "/a" || opts.PluginPaths[n-1] != "/b" {
		t.Errorf("flag plugin paths should come last in order: %v", opts.PluginPaths)
	}
}

func TestLoad_UserConfigSearchPath(t *testing.T) {
	isolate(t)
	dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), AppName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config"), []byte("server: https://xdg.example.com\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	opts, err := Load(parseFlags(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Server != "https://xdg.example.com" {
		t.Errorf("expected server from XDG config, got %q", opts.Server)
	}
}

func TestLoad_UnknownProfile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, sample)
	_, err := Load(parseFlags(t, "--config", path, "--profile", "nope"))
	if !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestLoad_MissingExplicitConfig(t *testing.T) {
	isolate(t)
	if _, err := Load(parseFlags(t, "--config", "/non/existent/hubctl.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "server: [unclosed")
	if _, err := Load(parseFlags(t, "--config", path)); err == nil {
		t.Fatalf("expected YAML error, got nil")
	}
}

func TestValidate(t *testing.T) {
	base := Options{PollInterval: time.Second, Timeout: time.Second}

	bad := base
	bad.AuthType = "telepathy"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidAuthType) {
		t.Fatalf("expected ErrInvalidAuthType, got %v", err)
	}

	bad = base
	bad.PollInterval = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue for poll interval, got %v", err)
	}

	bad = base
	bad.ChunkSize = -1
	if err := bad.Validate(); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue for chunk size, got %v", err)
	}

	for _, at := range []string{"", "password", "kerberos", "gssapi", "ssl", "noauth"} {
		ok := base
		ok.AuthType = at
		if err := ok.Validate(); err != nil {
			t.Errorf("authtype %q rejected: %v", at, err)
		}
	}
}

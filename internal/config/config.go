package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	AppName        = "hubctl"
	DefaultProfile = "hub"
	EnvPrefix      = "HUBCTL"
)

var (
	ErrUnknownProfile  = errors.New("config: unknown profile")
	ErrInvalidAuthType = errors.New("config: invalid authtype")
	ErrInvalidValue    = errors.New("config: invalid value")
)

// Options is the resolved configuration for one invocation. It is built once
// by Load and not modified afterwards.
type Options struct {
	ConfigFiles []string
	Profile     string

	Server string
	WebURL string
	TopDir string
	TopURL string

	AuthType     string
	User         string
	PasswordFile string
	Principal    string
	Keytab       string
	Krb5Config   string
	KrbService   string
	Cert         string
	ServerCA     string

	PollInterval time.Duration
	Timeout      time.Duration
	MaxRPS       float64
	ChunkSize    int

	Quiet       bool
	Debug       bool
	DebugXMLRPC bool

	PluginPaths []string
	MetricsFile string
}

// AddFlags registers the global options on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default: /etc/hubctl/config and $XDG_CONFIG_HOME/hubctl/config)")
	fs.String("profile", DefaultProfile, "configuration profile to use")
	fs.String("server", "", "hub RPC endpoint URL")
	fs.String("weburl", "", "hub web UI URL")
	fs.String("authtype", "", "force authentication method (password, kerberos, gssapi, ssl, noauth)")
	fs.String("user", "", "user name for password authentication")
	fs.String("password-file", "", "file holding the password for password authentication")
	fs.String("principal", "", "Kerberos principal")
	fs.String("keytab", "", "Kerberos keytab")
	fs.String("krb5-config", "", "krb5.conf path")
	fs.String("krb-service", "", "Kerberos service name of the hub (default HTTP)")
	fs.String("cert", "", "TLS client certificate (PEM with key)")
	fs.String("serverca", "", "CA bundle used to verify the hub")
	fs.String("topdir", "", "locally mounted hub file root, used for staging uploads")
	fs.String("topurl", "", "URL of the hub file root, used to read task logs")
	fs.Int("poll-interval", 60, "task watch poll interval in seconds")
	fs.Int("timeout", 3600, "per-call read timeout in seconds")
	fs.Float64("max-rps", 0, "limit RPC requests per second (0 = unlimited)")
	fs.Int("chunk-size", 0, "default itercall chunk size (0 = unlimited)")
	fs.String("plugin-paths", "", "extra plugin directories, colon separated")
	fs.String("metrics-file", "", "write RPC metrics to this file on exit")
	fs.BoolP("quiet", "q", false, "suppress non-essential output")
	fs.BoolP("debug", "d", false, "verbose diagnostics")
	fs.Bool("debug-xmlrpc", false, "log raw RPC requests and responses")
}

// Load resolves Options from config files, the selected profile, HUBCTL_*
// environment variables and the already-parsed flags in fs.
func Load(fs *pflag.FlagSet) (*Options, error) {
	files, err := configFiles(fs)
	if err != nil {
		return nil, err
	}

	base := viper.New()
	base.SetConfigType("yaml")
	var used []string
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !flagChanged(fs, "config") {
				continue
			}
			return nil, fmt.Errorf("failed to open config %s: %w", path, err)
		}
		err = base.MergeConfig(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		used = append(used, path)
	}

	v := viper.New()
	setDefaults(v)

	settings := base.AllSettings()
	profiles, _ := settings["profiles"].(map[string]any)
	delete(settings, "profiles")
	if err := v.MergeConfigMap(settings); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	profile := v.GetString("profile")
	if prof, ok := profiles[strings.ToLower(profile)].(map[string]any); ok {
		if err := v.MergeConfigMap(prof); err != nil {
			return nil, err
		}
	} else if profile != DefaultProfile {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
	}

	opts := &Options{
		ConfigFiles:  used,
		Profile:      profile,
		Server:       v.GetString("server"),
		WebURL:       v.GetString("weburl"),
		TopDir:       expandHome(v.GetString("topdir")),
		TopURL:       v.GetString("topurl"),
		AuthType:     strings.ToLower(v.GetString("authtype")),
		User:         v.GetString("user"),
		PasswordFile: expandHome(v.GetString("password-file")),
		Principal:    v.GetString("principal"),
		Keytab:       expandHome(v.GetString("keytab")),
		Krb5Config:   expandHome(v.GetString("krb5-config")),
		KrbService:   v.GetString("krb-service"),
		Cert:         expandHome(v.GetString("cert")),
		ServerCA:     expandHome(v.GetString("serverca")),
		PollInterval: time.Duration(v.GetInt("poll-interval")) * time.Second,
		Timeout:      time.Duration(v.GetInt("timeout")) * time.Second,
		MaxRPS:       v.GetFloat64("max-rps"),
		ChunkSize:    v.GetInt("chunk-size"),
		Quiet:        v.GetBool("quiet"),
		Debug:        v.GetBool("debug"),
		DebugXMLRPC:  v.GetBool("debug-xmlrpc"),
		MetricsFile:  expandHome(v.GetString("metrics-file")),
	}
	opts.PluginPaths = append(DefaultPluginPaths(), splitPaths(v.Get("plugin-paths"))...)

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks option values that Load cannot coerce.
func (o *Options) Validate() error {
	switch o.AuthType {
	case "", "password", "kerberos", "gssapi", "ssl", "noauth":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAuthType, o.AuthType)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("%w: poll-interval must be positive", ErrInvalidValue)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidValue)
	}
	if o.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk-size must not be negative", ErrInvalidValue)
	}
	if o.MaxRPS < 0 {
		return fmt.Errorf("%w: max-rps must not be negative", ErrInvalidValue)
	}
	return nil
}

// DefaultPluginPaths returns the system and per-user plugin directories.
func DefaultPluginPaths() []string {
	paths := []string{filepath.Join("/usr/lib", AppName, "plugins")}
	if dir := dataHome(); dir != "" {
		paths = append(paths, filepath.Join(dir, AppName, "plugins"))
	}
	return paths
}

// SearchPath returns the config files consulted when --config is not given,
// lowest precedence first.
func SearchPath() []string {
	paths := []string{filepath.Join("/etc", AppName, "config")}
	if dir := configHome(); dir != "" {
		paths = append(paths, filepath.Join(dir, AppName, "config"))
	}
	return paths
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", DefaultProfile)
	v.SetDefault("poll-interval", 60)
	v.SetDefault("timeout", 3600)
	v.SetDefault("max-rps", 0)
	v.SetDefault("chunk-size", 0)
}

func configFiles(fs *pflag.FlagSet) ([]string, error) {
	if flagChanged(fs, "config") {
		path, err := fs.GetString("config")
		if err != nil {
			return nil, err
		}
		return []string{expandHome(path)}, nil
	}
	return SearchPath(), nil
}

func flagChanged(fs *pflag.FlagSet, name string) bool {
	f := fs.Lookup(name)
	return f != nil && f.Changed
}

func splitPaths(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case nil:
	case string:
		parts = filepath.SplitList(val)
	case []string:
		parts = val
	case []any:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	default:
		parts = filepath.SplitList(fmt.Sprint(val))
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, expandHome(p))
		}
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".config")
	}
	return ""
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".local", "share")
	}
	return ""
}

package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	krbclient "github.com/jcmturner/gokrb5/v8/client"
	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

const defaultKrb5Config = "/etc/krb5.conf"

// KerberosAuth logs in with a principal and keytab.
type KerberosAuth struct {
	Principal  string
	Keytab     string
	Krb5Config string
	Service    string
}

func (a *KerberosAuth) Type() AuthType { return AuthKerberos }

func (a *KerberosAuth) Configured() bool { return a.Principal != "" && a.Keytab != "" }

func (a *KerberosAuth) Login(ctx context.Context, t *Transport) (*Login, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}
	cfg, err := loadKrb5Config(a.Krb5Config)
	if err != nil {
		return nil, err
	}
	kt, err := keytab.Load(a.Keytab)
	if err != nil {
		return nil, fmt.Errorf("failed to load keytab: %w", err)
	}
	user, realm := splitPrincipal(a.Principal)
	if realm == "" {
		realm = cfg.LibDefaults.DefaultRealm
	}
	cl := krbclient.NewWithKeytab(user, realm, kt, cfg)
	defer cl.Destroy()
	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("kerberos login failed: %w", err)
	}
	return spnegoLogin(ctx, t, cl, a.Service, a.Principal)
}

// GSSAPIAuth logs in with the operator's Kerberos credential cache.
type GSSAPIAuth struct {
	// CCache defaults to $KRB5CCNAME, then /tmp/krb5cc_<uid>.
	CCache     string
	Principal  string
	Krb5Config string
	Service    string
}

func (a *GSSAPIAuth) Type() AuthType { return AuthGSSAPI }

func (a *GSSAPIAuth) Configured() bool {
	_, err := os.Stat(a.ccachePath())
	return err == nil
}

func (a *GSSAPIAuth) Login(ctx context.Context, t *Transport) (*Login, error) {
	path := a.ccachePath()
	cc, err := credentials.LoadCCache(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential cache %s: %w", path, err)
	}
	cfg, err := loadKrb5Config(a.Krb5Config)
	if err != nil {
		return nil, err
	}
	cl, err := krbclient.NewFromCCache(cc, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to use credential cache: %w", err)
	}
	defer cl.Destroy()
	return spnegoLogin(ctx, t, cl, a.Service, a.Principal)
}

func (a *GSSAPIAuth) ccachePath() string {
	if a.CCache != "" {
		return a.CCache
	}
	if env := os.Getenv("KRB5CCNAME"); env != "" {
		return strings.TrimPrefix(env, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func spnegoLogin(ctx context.Context, t *Transport, cl *krbclient.Client, service, user string) (*Login, error) {
	spn := ""
	if service != "" {
		u, err := url.Parse(t.URL())
		if err != nil {
			return nil, err
		}
		spn = service + "/" + u.Hostname()
	}
	decorate := func(req *http.Request) error {
		return spnego.SetSPNEGOHeader(cl, req, spn)
	}
	v, err := t.CallAt(ctx, LoginPath, nil, decorate, "sslLogin")
	if err != nil {
		return nil, err
	}
	creds, err := parseCredentials(v)
	if err != nil {
		return nil, err
	}
	return &Login{Credentials: *creds, User: user}, nil
}

func loadKrb5Config(path string) (*krbconfig.Config, error) {
	if path == "" {
		path = os.Getenv("KRB5_CONFIG")
	}
	if path == "" {
		path = defaultKrb5Config
	}
	cfg, err := krbconfig.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

func splitPrincipal(p string) (user, realm string) {
	if i := strings.LastIndex(p, "@"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

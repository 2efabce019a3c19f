package hub

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/schererja/hubctl/internal/config"
)

// LoginPath is where certificate and Kerberos logins are sent.
const LoginPath = "/ssllogin"

// AuthType identifies how a session authenticated.
type AuthType string

const (
	AuthNone     AuthType = "none"
	AuthPassword AuthType = "password"
	AuthKerberos AuthType = "kerberos"
	AuthGSSAPI   AuthType = "gssapi"
	AuthTLS      AuthType = "tls"
)

var (
	ErrNotConfigured = errors.New("hub: authentication method not configured")
	ErrNoPassword    = errors.New("hub: no password available")
)

// ParseAuthType maps the --authtype spelling to an AuthType. An empty
// string means "first configured method".
func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "noauth", "none":
		return AuthNone, nil
	case "password":
		return AuthPassword, nil
	case "kerberos":
		return AuthKerberos, nil
	case "gssapi":
		return AuthGSSAPI, nil
	case "ssl", "tls":
		return AuthTLS, nil
	}
	return "", Usagef("unknown authtype %q", s)
}

// Login is the result of a successful authentication.
type Login struct {
	Credentials
	User string
}

// Authenticator is one way of logging in to the hub.
type Authenticator interface {
	Type() AuthType
	// Configured reports whether enough settings exist to attempt a login.
	Configured() bool
	Login(ctx context.Context, t *Transport) (*Login, error)
}

// Authenticators returns the methods for opts in priority order.
func Authenticators(opts *config.Options) []Authenticator {
	return []Authenticator{
		&GSSAPIAuth{Principal: opts.Principal, Krb5Config: opts.Krb5Config, Service: opts.KrbService},
		&KerberosAuth{Principal: opts.Principal, Keytab: opts.Keytab, Krb5Config: opts.Krb5Config, Service: opts.KrbService},
		&TLSAuth{Cert: opts.Cert, ServerCA: opts.ServerCA},
		&PasswordAuth{User: opts.User, PasswordFile: opts.PasswordFile},
	}
}

// PasswordAuth logs in with a user name and password.
type PasswordAuth struct {
	User         string
	PasswordFile string
	Password     string
	// Prompt asks for the password when neither Password nor PasswordFile is
	// set. Defaults to a no-echo prompt when stdin is a terminal.
	Prompt func() (string, error)
}

func (a *PasswordAuth) Type() AuthType { return AuthPassword }

func (a *PasswordAuth) Configured() bool { return a.User != "" }

func (a *PasswordAuth) Login(ctx context.Context, t *Transport) (*Login, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}
	password, err := a.password()
	if err != nil {
		return nil, err
	}
	v, err := t.CallAt(ctx, "", nil, nil, "login", a.User, password)
	if err != nil {
		return nil, err
	}
	creds, err := parseCredentials(v)
	if err != nil {
		return nil, err
	}
	return &Login{Credentials: *creds, User: a.User}, nil
}

func (a *PasswordAuth) password() (string, error) {
	if a.PasswordFile != "" {
		f, err := os.Open(a.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		defer f.Close()
		line, err := bufio.NewReader(f).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("%w: password file %s is empty", ErrNoPassword, a.PasswordFile)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	if a.Password != "" {
		return a.Password, nil
	}
	prompt := a.Prompt
	if prompt == nil {
		prompt = terminalPrompt
	}
	return prompt()
}

func terminalPrompt() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoPassword
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

// TLSAuth logs in with a client certificate.
type TLSAuth struct {
	// Cert is a PEM file holding the certificate and its private key.
	Cert     string
	ServerCA string
}

func (a *TLSAuth) Type() AuthType { return AuthTLS }

func (a *TLSAuth) Configured() bool { return a.Cert != "" }

func (a *TLSAuth) Login(ctx context.Context, t *Transport) (*Login, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}
	pair, err := tls.LoadX509KeyPair(a.Cert, a.Cert)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}
	if a.ServerCA != "" {
		pool, err := loadCertPool(a.ServerCA)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	client := &http.Client{
		Timeout:   t.HTTPClient().Timeout,
		Transport: &http.Transport{TLSClientConfig: cfg, Proxy: http.ProxyFromEnvironment},
	}

	v, err := t.CallAt(ctx, LoginPath, client, nil, "sslLogin")
	if err != nil {
		return nil, err
	}
	creds, err := parseCredentials(v)
	if err != nil {
		return nil, err
	}
	t.SetHTTPClient(client)

	user := ""
	if leaf, err := x509.ParseCertificate(pair.Certificate[0]); err == nil {
		user = leaf.Subject.CommonName
	}
	return &Login{Credentials: *creds, User: user}, nil
}

// NewHTTPClient returns the client used for anonymous and password sessions,
// trusting serverCA when set.
func NewHTTPClient(serverCA string) (*http.Client, error) {
	if serverCA == "" {
		return &http.Client{}, nil
	}
	pool, err := loadCertPool(serverCA)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		Proxy:           http.ProxyFromEnvironment,
	}}, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read server CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func parseCredentials(v any) (*Credentials, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &Error{Kind: KindProtocol, Err: fmt.Errorf("%w: login returned %T", ErrMalformed, v)}
	}
	id, key := m["session-id"], m["session-key"]
	if id == nil || key == nil {
		return nil, &Error{Kind: KindProtocol, Err: fmt.Errorf("%w: login response missing session", ErrMalformed)}
	}
	return &Credentials{SessionID: fmt.Sprint(id), SessionKey: fmt.Sprint(key)}, nil
}

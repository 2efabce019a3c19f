package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/schererja/hubctl/internal/config"
	"github.com/schererja/hubctl/pkg/logger"
)

// Session is the operator's handle on one hub endpoint. It authenticates
// lazily, routes arbitrary method names to the hub, and batches calls while
// a multicall is open.
//
// A Session must not be used from more than one goroutine at a time;
// overlapping calls fail with ErrConcurrentUse.
type Session struct {
	t       *Transport
	log     *logger.Logger
	metrics *Metrics

	auths  []Authenticator
	forced AuthType

	authType   AuthType
	user       string
	connected  bool
	apiVersion any

	active    *Multicall
	chunkSize int

	busy atomic.Bool
}

// NewSession builds a Session from the invocation options. No network
// traffic happens until the first call.
func NewSession(opts *config.Options, log *logger.Logger, metrics *Metrics) (*Session, error) {
	if log == nil {
		log = logger.Discard()
	}
	forced, err := ParseAuthType(opts.AuthType)
	if err != nil {
		return nil, err
	}
	client, err := NewHTTPClient(opts.ServerCA)
	if err != nil {
		return nil, err
	}
	t, err := NewTransport(TransportOptions{
		URL:        opts.Server,
		HTTPClient: client,
		Timeout:    opts.Timeout,
		MaxRPS:     opts.MaxRPS,
		Metrics:    metrics,
		Logger:     log,
		DebugXML:   opts.DebugXMLRPC,
	})
	if err != nil {
		return nil, err
	}
	return &Session{
		t:         t,
		log:       log,
		metrics:   metrics,
		auths:     Authenticators(opts),
		forced:    forced,
		chunkSize: opts.ChunkSize,
	}, nil
}

// SetAuthenticators replaces the login methods, in priority order.
func (s *Session) SetAuthenticators(auths ...Authenticator) {
	s.auths = auths
}

// URL returns the hub endpoint.
func (s *Session) URL() string { return s.t.URL() }

// AuthType returns how the session authenticated, or "" before login.
func (s *Session) AuthType() AuthType { return s.authType }

// User returns the authenticated principal, when known.
func (s *Session) User() string { return s.user }

// Credentials returns the session credentials, or nil when not logged in.
func (s *Session) Credentials() *Credentials { return s.t.Credentials() }

// Logged reports whether the session holds hub credentials.
func (s *Session) Logged() bool { return s.t.Credentials() != nil }

func (s *Session) enter() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *Session) leave() {
	s.busy.Store(false)
}

// Activate authenticates unless the session already holds credentials.
// With --authtype noauth it only ensures connectivity.
func (s *Session) Activate(ctx context.Context) error {
	if s.forced == AuthNone {
		return s.EnsureConnected(ctx)
	}
	if s.Logged() {
		return nil
	}
	if !s.enter() {
		return ErrConcurrentUse
	}
	defer s.leave()
	return s.login(ctx)
}

// EnsureConnected verifies the hub is reachable without logging in.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.connected {
		return nil
	}
	if !s.enter() {
		return ErrConcurrentUse
	}
	defer s.leave()
	v, err := s.t.Call(ctx, "getAPIVersion", nil)
	if err != nil {
		return err
	}
	s.apiVersion = v
	s.connected = true
	if s.authType == "" {
		s.authType = AuthNone
	}
	return nil
}

// APIVersion returns the version reported by EnsureConnected, if any.
func (s *Session) APIVersion() any { return s.apiVersion }

func (s *Session) login(ctx context.Context) error {
	var candidates []Authenticator
	for _, a := range s.auths {
		switch {
		case s.forced != "" && a.Type() == s.forced:
			candidates = append(candidates, a)
		case s.forced == "" && a.Configured():
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		method := "any method"
		if s.forced != "" {
			method = string(s.forced)
		}
		return &Error{Kind: KindAuthFailed, Method: "login", Err: fmt.Errorf("%w: %s not configured", ErrAuthFailed, method)}
	}

	var errs []error
	for _, a := range candidates {
		l, err := a.Login(ctx, s.t)
		if err != nil {
			if KindOf(err) == KindInterrupted {
				return err
			}
			s.log.Debug("login failed", slog.String("method", string(a.Type())), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", a.Type(), err))
			continue
		}
		s.t.SetCredentials(&l.Credentials)
		s.authType = a.Type()
		s.user = l.User
		s.connected = true
		s.log.Debug("logged in", slog.String("method", string(a.Type())), slog.String("user", l.User))
		return nil
	}
	return &Error{Kind: KindAuthFailed, Method: "login", Err: fmt.Errorf("%w: %w", ErrAuthFailed, errors.Join(errs...))}
}

// Call invokes method on the hub. A trailing Kw argument is sent as keyword
// arguments. While a multicall is open the call is queued and the returned
// value is its *Deferred handle.
func (s *Session) Call(ctx context.Context, method string, args ...any) (any, error) {
	if !s.enter() {
		return nil, ErrConcurrentUse
	}
	defer s.leave()
	if s.active != nil {
		return s.active.queue(method, args...), nil
	}
	pos, kw := splitKw(args)
	return s.invoke(ctx, method, Params(pos, kw))
}

// invoke sends one wire call, logging in again once if the session expired.
func (s *Session) invoke(ctx context.Context, method string, params []any) (any, error) {
	v, err := s.t.Call(ctx, method, params)
	if err == nil || !isAuthExpired(err) || !s.Logged() {
		return v, err
	}

	s.log.InfoContext(ctx, "session expired, logging in again", slog.String("method", method))
	s.metrics.reauthenticated()
	s.t.SetCredentials(nil)
	if err := s.login(ctx); err != nil {
		return nil, err
	}
	v, err = s.t.Call(ctx, method, params)
	if err != nil && isAuthExpired(err) {
		return nil, &Error{Kind: KindAuthFailed, Method: method, Err: fmt.Errorf("%w: session expired again: %w", ErrAuthFailed, err)}
	}
	return v, err
}

// Logout ends the hub session. It never fails; problems are logged.
func (s *Session) Logout(ctx context.Context) {
	if !s.enter() {
		s.log.Debug("logout skipped", slog.String("error", ErrConcurrentUse.Error()))
		return
	}
	defer s.leave()
	if s.active != nil {
		s.active.discard()
	}
	defer s.t.Close()
	if !s.Logged() {
		return
	}
	if _, err := s.t.Call(ctx, "logout", nil); err != nil {
		s.log.WarnContext(ctx, "logout failed", slog.String("error", err.Error()))
	}
	s.t.SetCredentials(nil)
	s.authType = ""
}

// Callnum returns the sequence number the next authenticated call will
// carry. Another client sharing the credentials must continue from it.
func (s *Session) Callnum() int { return s.t.Callnum() }

// Release forgets the credentials without logging out, after they were
// handed to another process that now owns the hub session.
func (s *Session) Release() {
	if !s.Logged() {
		return
	}
	s.log.Debug("session released", slog.String("session", s.t.Credentials().SessionID))
	s.t.SetCredentials(nil)
	s.authType = ""
}

// ListAPI describes every method the hub exposes.
func (s *Session) ListAPI(ctx context.Context) ([]APIMethod, error) {
	v, err := s.Call(ctx, "_listapi")
	if err != nil {
		return nil, err
	}
	var methods []APIMethod
	if err := Decode(v, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

// MethodHelp returns the hub's help text for method, "" if it is unknown.
func (s *Session) MethodHelp(ctx context.Context, method string) (string, error) {
	v, err := s.Call(ctx, "system.methodHelp", method)
	if err != nil {
		return "", err
	}
	help, _ := v.(string)
	return help, nil
}

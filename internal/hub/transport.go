package hub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/schererja/hubctl/pkg/logger"
)

// Session headers attached to every authenticated request.
const (
	HeaderSessionID  = "Hub-Session-Id"
	HeaderSessionKey = "Hub-Session-Key"
	HeaderCallnum    = "Hub-Session-Callnum"
)

// Credentials identify a logged-in hub session.
type Credentials struct {
	SessionID  string
	SessionKey string
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRPS     float64
	Metrics    *Metrics
	Logger     *logger.Logger
	DebugXML   bool
}

// Transport sends single RPCs to the hub.
type Transport struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	metrics *Metrics
	log     *logger.Logger
	timeout time.Duration
	debug   bool

	creds   *Credentials
	callnum int
}

// NewTransport creates a Transport for the hub at o.URL.
func NewTransport(o TransportOptions) (*Transport, error) {
	if strings.TrimSpace(o.URL) == "" {
		return nil, Usagef("no hub server configured (use --server or the server config key)")
	}
	u, err := url.Parse(o.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, Usagef("invalid server URL %q", o.URL)
	}
	t := &Transport{
		url:     strings.TrimRight(o.URL, "/"),
		client:  o.HTTPClient,
		metrics: o.Metrics,
		log:     o.Logger,
		timeout: o.Timeout,
		debug:   o.DebugXML,
	}
	if t.client == nil {
		t.client = &http.Client{}
	}
	if t.log == nil {
		t.log = logger.Discard()
	}
	if t.timeout <= 0 {
		t.timeout = time.Hour
	}
	if o.MaxRPS > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(o.MaxRPS), 1)
	}
	return t, nil
}

// URL returns the hub endpoint.
func (t *Transport) URL() string { return t.url }

// HTTPClient returns the client used for hub requests.
func (t *Transport) HTTPClient() *http.Client { return t.client }

// SetHTTPClient replaces the client used for hub requests.
func (t *Transport) SetHTTPClient(c *http.Client) { t.client = c }

// Credentials returns the current session credentials, or nil.
func (t *Transport) Credentials() *Credentials { return t.creds }

// Callnum returns the sequence number the next authenticated call will carry.
func (t *Transport) Callnum() int { return t.callnum }

// SetCredentials installs (or with nil, clears) session credentials.
func (t *Transport) SetCredentials(c *Credentials) {
	t.creds = c
	t.callnum = 0
}

// Close releases idle connections.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}

type request struct {
	endpoint  string
	client    *http.Client
	decorate  func(*http.Request) error
	method    string
	params    []any
	anonymous bool
}

// Call sends method with already-encoded params on the main endpoint.
func (t *Transport) Call(ctx context.Context, method string, params []any) (any, error) {
	return t.do(ctx, request{endpoint: t.url, client: t.client, method: method, params: params})
}

// CallAt sends an unauthenticated call to a path below the hub endpoint,
// optionally with its own client and request decorator. Login methods use it.
func (t *Transport) CallAt(ctx context.Context, path string, client *http.Client, decorate func(*http.Request) error, method string, params ...any) (any, error) {
	if client == nil {
		client = t.client
	}
	return t.do(ctx, request{
		endpoint:  t.url + path,
		client:    client,
		decorate:  decorate,
		method:    method,
		params:    params,
		anonymous: true,
	})
}

func (t *Transport) do(ctx context.Context, r request) (any, error) {
	if ctx.Err() != nil {
		return nil, &Error{Kind: KindInterrupted, Method: r.method, Err: ErrInterrupted}
	}
	body, err := EncodeCall(r.method, r.params)
	if err != nil {
		return nil, &Error{Kind: KindUsage, Method: r.method, Err: err}
	}

	callnum := -1
	if t.creds != nil && !r.anonymous {
		callnum = t.callnum
		t.callnum++
	}

	var result any
	for attempt := 0; ; attempt++ {
		start := time.Now()
		result, err = t.roundTrip(ctx, r, body, callnum)
		t.metrics.observeCall(r.method, time.Since(start), err)
		if err == nil || attempt > 0 || !IsRetriable(err) || ctx.Err() != nil {
			break
		}
		t.metrics.retried()
		t.log.WarnContext(ctx, "retrying call after transient failure",
			slog.String("method", r.method), slog.String("error", err.Error()))
	}
	if err != nil {
		return nil, classify(r.method, err)
	}
	return result, nil
}

func (t *Transport) roundTrip(ctx context.Context, r request, body []byte, callnum int) (any, error) {
	// The in-flight request completes or times out even when ctx is
	// interrupted; interruption is observed between calls.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	if t.limiter != nil {
		if err := t.limiter.Wait(rctx); err != nil {
			return nil, &Error{Kind: KindConnection, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindUsage, Err: err}
	}
	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("User-Agent", "hubctl")
	if callnum >= 0 {
		req.Header.Set(HeaderSessionID, t.creds.SessionID)
		req.Header.Set(HeaderSessionKey, t.creds.SessionKey)
		req.Header.Set(HeaderCallnum, strconv.Itoa(callnum))
	}
	if r.decorate != nil {
		if err := r.decorate(req); err != nil {
			return nil, &Error{Kind: KindAuthFailed, Err: err}
		}
	}
	if t.debug {
		t.log.Debug("rpc request", slog.String("url", r.endpoint), slog.String("body", string(body)))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Err: err}
	}
	if t.debug {
		t.log.Debug("rpc response", slog.Int("status", resp.StatusCode), slog.String("body", string(data)))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindAuthFailed, Err: fmt.Errorf("hub returned %s", resp.Status)}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindPermissionDenied, Err: fmt.Errorf("hub returned %s", resp.Status)}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindConnection, Err: fmt.Errorf("hub returned %s", resp.Status)}
	default:
		return nil, &Error{Kind: KindProtocol, Err: fmt.Errorf("hub returned %s", resp.Status)}
	}

	return DecodeResponse(bytes.NewReader(data))
}

// classify attaches the method name and kind to a failed call, keeping the
// original error reachable with errors.As.
func classify(method string, err error) error {
	if e, ok := err.(*Error); ok {
		if e.Method == "" {
			e.Method = method
		}
		if e.Kind == KindUnknown {
			e.Kind = KindOf(e.Err)
		}
		return e
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindServerFault
	}
	return &Error{Kind: kind, Method: method, Err: err}
}

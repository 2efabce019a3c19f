// Package hubtest runs an in-process hub that speaks the wire protocol, for
// tests of code built on hub.Session.
package hubtest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/schererja/hubctl/internal/hub"
)

// HandlerFunc implements one hub method. Returning a *hub.Fault sends that
// fault; any other error becomes a generic fault.
type HandlerFunc func(args []any, kwargs map[string]any) (any, error)

// Call records one logical call received by the server.
type Call struct {
	Method  string
	Args    []any
	Kwargs  map[string]any
	Path    string
	Session string
	Callnum int
}

// Server is a fake hub.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []Call
	batches  [][]Call
	requests int
	logins   int
	expired  map[string]bool
	nextID   int
	password string
}

// NewServer starts a fake hub that accepts logins for any user with
// password "secret". It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		handlers: map[string]HandlerFunc{},
		expired:  map[string]bool{},
		password: "secret",
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)

	s.Handle("getAPIVersion", Value(1))
	s.Handle("logout", Value(nil))
	return s
}

// Handle registers fn for method.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Value returns a handler that always answers v.
func Value(v any) HandlerFunc {
	return func([]any, map[string]any) (any, error) { return v, nil }
}

// Sequence returns a handler answering each value in turn, repeating the
// last one once exhausted.
func Sequence(values ...any) HandlerFunc {
	var mu sync.Mutex
	i := 0
	return func([]any, map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[min(i, len(values)-1)]
		i++
		return v, nil
	}
}

// Fail returns a handler that always answers with a fault.
func Fail(code int, msg string) HandlerFunc {
	return func([]any, map[string]any) (any, error) {
		return nil, &hub.Fault{Code: code, String: msg}
	}
}

// SetPassword changes the password accepted by login.
func (s *Server) SetPassword(pw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = pw
}

// ExpireSessions makes every issued session report auth-expired.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := 1; id <= s.nextID; id++ {
		s.expired[strconv.Itoa(id)] = true
	}
}

// Calls returns every logical call received, in order, optionally only
// those for the given methods.
func (s *Server) Calls(methods ...string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if len(methods) == 0 || slices.Contains(methods, c.Method) {
			out = append(out, c)
		}
	}
	return out
}

// Batches returns the calls carried by each multiCall request.
func (s *Server) Batches() [][]Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.batches)
}

// Requests returns the number of HTTP requests served.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Logins returns how many logins succeeded.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	method, params, err := hub.DecodeCall(bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	session := r.Header.Get(hub.HeaderSessionID)
	callnum, _ := strconv.Atoi(r.Header.Get(hub.HeaderCallnum))
	meta := Call{Path: r.URL.Path, Session: session, Callnum: callnum}

	v, err := s.dispatch(meta, method, params)
	w.Header().Set("Content-Type", "text/xml")
	if err != nil {
		_, _ = w.Write(hub.EncodeFault(toFault(err)))
		return
	}
	out, err := hub.EncodeResponse(v)
	if err != nil {
		_, _ = w.Write(hub.EncodeFault(&hub.Fault{Code: hub.FaultGeneric, String: err.Error()}))
		return
	}
	_, _ = w.Write(out)
}

func (s *Server) dispatch(meta Call, method string, params []any) (any, error) {
	if meta.Session != "" {
		s.mu.Lock()
		expired := s.expired[meta.Session]
		s.mu.Unlock()
		if expired {
			return nil, &hub.Fault{Code: hub.FaultAuthExpired, String: "session expired"}
		}
	}

	switch method {
	case "login":
		return s.login(params)
	case "sslLogin":
		return s.issueSession(), nil
	case "multiCall":
		return s.multiCall(meta, params)
	}
	return s.invoke(meta, method, params)
}

func (s *Server) invoke(meta Call, method string, params []any) (any, error) {
	args, kwargs := hub.SplitParams(params)
	meta.Method, meta.Args, meta.Kwargs = method, args, kwargs

	s.mu.Lock()
	s.calls = append(s.calls, meta)
	fn, ok := s.handlers[method]
	s.mu.Unlock()

	if !ok {
		return nil, &hub.Fault{Code: hub.FaultGeneric, String: fmt.Sprintf("Invalid method: %s", method)}
	}
	return fn(args, kwargs)
}

func (s *Server) multiCall(meta Call, params []any) (any, error) {
	if len(params) != 1 {
		return nil, &hub.Fault{Code: hub.FaultParameter, String: "multiCall takes one argument"}
	}
	entries, ok := params[0].([]any)
	if !ok {
		return nil, &hub.Fault{Code: hub.FaultParameter, String: "multiCall expects a list"}
	}

	results := make([]any, 0, len(entries))
	batch := make([]Call, 0, len(entries))
	for _, e := range entries {
		m, _ := e.(map[string]any)
		name, _ := m["methodName"].(string)
		sub, _ := m["params"].([]any)

		args, kwargs := hub.SplitParams(sub)
		batch = append(batch, Call{Method: name, Args: args, Kwargs: kwargs, Path: meta.Path, Session: meta.Session})

		v, err := s.invoke(meta, name, sub)
		if err != nil {
			f := toFault(err)
			results = append(results, map[string]any{"faultCode": f.Code, "faultString": f.String})
			continue
		}
		results = append(results, []any{v})
	}

	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	return results, nil
}

func (s *Server) login(params []any) (any, error) {
	if len(params) < 2 {
		return nil, &hub.Fault{Code: hub.FaultParameter, String: "login requires user and password"}
	}
	s.mu.Lock()
	want := s.password
	s.mu.Unlock()
	if pw, _ := params[1].(string); pw != want {
		return nil, &hub.Fault{Code: hub.FaultAuth, String: "invalid username or password"}
	}
	return s.issueSession(), nil
}

func (s *Server) issueSession() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.logins++
	return map[string]any{"session-id": s.nextID, "session-key": fmt.Sprintf("key-%d", s.nextID)}
}

func toFault(err error) *hub.Fault {
	if f, ok := err.(*hub.Fault); ok {
		return f
	}
	return &hub.Fault{Code: hub.FaultGeneric, String: err.Error()}
}

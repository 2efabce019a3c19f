package hub

import (
	"context"
	"fmt"
	"iter"
)

// Call is one logical call waiting in a multicall buffer.
type Call struct {
	Method string
	Args   []any
	Kwargs map[string]any
}

// Outcome is the result of one logical call: a value or an error.
type Outcome struct {
	Value any
	Err   error
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Deferred is the handle returned for a call queued in a multicall. Its
// result is available after the multicall is flushed.
type Deferred struct {
	Method  string
	outcome Outcome
	ready   bool
}

// Result returns the call's value or error.
func (d *Deferred) Result() (any, error) {
	if !d.ready {
		return nil, ErrNotReady
	}
	return d.outcome.Value, d.outcome.Err
}

// Outcome returns the bound outcome; Err is ErrNotReady before flushing.
func (d *Deferred) Outcome() Outcome {
	if !d.ready {
		return Outcome{Err: ErrNotReady}
	}
	return d.outcome
}

func (d *Deferred) bind(o Outcome) {
	d.outcome = o
	d.ready = true
}

// Multicall collects calls and sends them to the hub in one request.
//
// In strict mode the first failing call is returned from Flush and every
// later call is reported as skipped. Otherwise failures are only delivered
// through the individual outcomes.
type Multicall struct {
	s       *Session
	strict  bool
	calls   []Call
	handles []*Deferred
	closed  bool
}

// Multicall opens a multicall scope. Until Flush or Discard, calls made
// through the scope or through Session.Call are queued.
func (s *Session) Multicall(strict bool) (*Multicall, error) {
	if !s.enter() {
		return nil, ErrConcurrentUse
	}
	defer s.leave()
	return s.open(strict)
}

func (s *Session) open(strict bool) (*Multicall, error) {
	if s.active != nil {
		return nil, ErrMulticallActive
	}
	m := &Multicall{s: s, strict: strict}
	s.active = m
	return m, nil
}

// WithMulticall runs fn inside a multicall scope and flushes it when fn
// returns. If fn fails the queued calls are discarded.
func (s *Session) WithMulticall(ctx context.Context, strict bool, fn func(m *Multicall) error) ([]Outcome, error) {
	m, err := s.Multicall(strict)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		_ = m.Discard()
		return nil, err
	}
	return m.Flush(ctx)
}

// SetMulticall switches collection mode on or off for plain Session.Call
// usage. Turning it off discards anything queued.
func (s *Session) SetMulticall(on bool) error {
	if !s.enter() {
		return ErrConcurrentUse
	}
	defer s.leave()
	if !on {
		if s.active != nil {
			s.active.discard()
		}
		return nil
	}
	_, err := s.open(false)
	return err
}

// MulticallActive reports whether calls are currently being queued.
func (s *Session) MulticallActive() bool { return s.active != nil }

// MultiCall flushes calls queued since SetMulticall(true) and returns their
// outcomes in call order.
func (s *Session) MultiCall(ctx context.Context, strict bool) ([]Outcome, error) {
	if !s.enter() {
		return nil, ErrConcurrentUse
	}
	m := s.active
	if m != nil {
		m.strict = strict
	}
	s.leave()
	if m == nil {
		return nil, ErrNoMulticall
	}
	return m.Flush(ctx)
}

// Call queues method and returns its handle.
func (m *Multicall) Call(method string, args ...any) *Deferred {
	if !m.s.enter() {
		d := &Deferred{Method: method}
		d.bind(Outcome{Err: ErrConcurrentUse})
		return d
	}
	defer m.s.leave()
	return m.queue(method, args...)
}

func (m *Multicall) queue(method string, args ...any) *Deferred {
	pos, kw := splitKw(args)
	d := &Deferred{Method: method}
	if m.closed {
		d.bind(Outcome{Err: ErrNoMulticall})
		return d
	}
	m.calls = append(m.calls, Call{Method: method, Args: pos, Kwargs: kw})
	m.handles = append(m.handles, d)
	return d
}

// Len returns the number of queued calls.
func (m *Multicall) Len() int { return len(m.calls) }

// Discard drops queued calls and closes the scope. It fails with
// ErrConcurrentUse while another goroutine holds the session.
func (m *Multicall) Discard() error {
	if !m.s.enter() {
		return ErrConcurrentUse
	}
	defer m.s.leave()
	m.discard()
	return nil
}

func (m *Multicall) discard() {
	for _, h := range m.handles {
		h.bind(Outcome{Err: &Error{Kind: KindInterrupted, Method: h.Method, Err: ErrInterrupted}})
	}
	m.close()
}

func (m *Multicall) close() {
	m.calls, m.handles = nil, nil
	m.closed = true
	if m.s.active == m {
		m.s.active = nil
	}
}

// Flush sends the queued calls, binds each handle and closes the scope.
// An empty scope sends nothing. While another goroutine holds the session
// Flush fails with ErrConcurrentUse and the scope stays open.
func (m *Multicall) Flush(ctx context.Context) ([]Outcome, error) {
	if !m.s.enter() {
		return nil, ErrConcurrentUse
	}
	defer m.s.leave()
	if m.closed {
		return nil, ErrNoMulticall
	}
	calls, handles := m.calls, m.handles
	m.close()

	if len(calls) == 0 {
		return []Outcome{}, nil
	}
	if ctx.Err() != nil {
		err := &Error{Kind: KindInterrupted, Method: "multiCall", Err: ErrInterrupted}
		for _, h := range handles {
			h.bind(Outcome{Err: err})
		}
		return nil, err
	}

	outcomes, err := m.s.execute(ctx, calls, m.strict)
	for i, h := range handles {
		h.bind(outcomes[i])
	}
	return outcomes, err
}

func (s *Session) execute(ctx context.Context, calls []Call, strict bool) ([]Outcome, error) {
	envelope := make([]any, len(calls))
	for i, c := range calls {
		envelope[i] = map[string]any{"methodName": c.Method, "params": Params(c.Args, c.Kwargs)}
	}
	s.metrics.observeBatch(len(calls))

	outcomes := make([]Outcome, len(calls))
	fail := func(err error) ([]Outcome, error) {
		for i := range outcomes {
			outcomes[i] = Outcome{Err: err}
		}
		return outcomes, err
	}

	v, err := s.invoke(ctx, "multiCall", []any{envelope})
	if err != nil {
		return fail(err)
	}
	results, ok := v.([]any)
	if !ok || len(results) != len(calls) {
		return fail(&Error{Kind: KindProtocol, Method: "multiCall",
			Err: fmt.Errorf("%w: expected %d results", ErrMalformed, len(calls))})
	}

	var first error
	for i, r := range results {
		if strict && first != nil {
			outcomes[i] = Outcome{Err: &Error{Kind: KindSkipped, Method: calls[i].Method, Err: ErrSkipped}}
			continue
		}
		outcomes[i] = decodeOutcome(calls[i].Method, r)
		if outcomes[i].Err != nil && first == nil {
			first = outcomes[i].Err
		}
	}
	if strict {
		return outcomes, first
	}
	return outcomes, nil
}

func decodeOutcome(method string, r any) Outcome {
	switch val := r.(type) {
	case []any:
		if len(val) == 1 {
			return Outcome{Value: val[0]}
		}
	case map[string]any:
		if f, ok := faultFrom(val); ok {
			return Outcome{Err: classify(method, f)}
		}
	}
	return Outcome{Err: &Error{Kind: KindProtocol, Method: method,
		Err: fmt.Errorf("%w: bad multicall entry %T", ErrMalformed, r)}}
}

// IterCall runs fn for every element of args inside multicalls of at most
// chunkSize calls (the session default when chunkSize <= 0, unlimited when
// that is 0 too) and yields outcomes in input order. An element for which fn
// queued nothing yields an ErrNoHandle outcome. A chunk that fails as a
// whole yields its error once and ends the sequence.
func IterCall[T any](ctx context.Context, s *Session, args []T, fn func(m *Multicall, arg T) *Deferred, chunkSize int) iter.Seq2[Outcome, error] {
	return func(yield func(Outcome, error) bool) {
		size := chunkSize
		if size <= 0 {
			size = s.chunkSize
		}
		if size <= 0 {
			size = len(args)
		}
		for start := 0; start < len(args); start += size {
			end := min(start+size, len(args))
			m, err := s.Multicall(false)
			if err != nil {
				yield(Outcome{Err: err}, err)
				return
			}
			handles := make([]*Deferred, 0, end-start)
			for _, arg := range args[start:end] {
				h := fn(m, arg)
				if h == nil {
					h = &Deferred{}
					h.bind(Outcome{Err: &Error{Kind: KindUsage, Err: ErrNoHandle}})
				}
				handles = append(handles, h)
			}
			if _, err := m.Flush(ctx); err != nil {
				yield(Outcome{Err: err}, err)
				return
			}
			for _, h := range handles {
				if !yield(h.Outcome(), nil) {
					return
				}
			}
		}
	}
}

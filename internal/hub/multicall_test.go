package hub_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/internal/hub/hubtest"
)

// echoServer answers "double" with twice its argument and fails "fail".
func echoServer(t *testing.T) *hubtest.Server {
	t.Helper()
	srv := hubtest.NewServer(t)
	srv.Handle("double", func(args []any, _ map[string]any) (any, error) {
		n, _ := args[0].(int)
		return n * 2, nil
	})
	srv.Handle("fail", hubtest.Fail(hub.FaultGeneric, "No such thing"))
	return srv
}

func TestMulticallMatchesSingleCalls(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")
	ctx := context.Background()

	var single []any
	for _, n := range []int{1, 2, 3} {
		v, err := s.Call(ctx, "double", n)
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		single = append(single, v)
	}

	outcomes, err := s.WithMulticall(ctx, false, func(m *hub.Multicall) error {
		for _, n := range []int{1, 2, 3} {
			m.Call("double", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithMulticall: %v", err)
	}
	var batched []any
	for _, o := range outcomes {
		if !o.OK() {
			t.Fatalf("outcome error: %v", o.Err)
		}
		batched = append(batched, o.Value)
	}
	if !reflect.DeepEqual(single, batched) {
		t.Fatalf("single=%v batched=%v", single, batched)
	}
	if b := srv.Batches(); len(b) != 1 || len(b[0]) != 3 {
		t.Fatalf("batches = %+v", b)
	}
}

func TestMulticallNonStrict(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")

	outcomes, err := s.WithMulticall(context.Background(), false, func(m *hub.Multicall) error {
		m.Call("double", 1)
		m.Call("fail")
		m.Call("double", 3)
		return nil
	})
	if err != nil {
		t.Fatalf("non-strict flush returned %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	if outcomes[0].Value != 2 || outcomes[2].Value != 6 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if !hub.IsNotFound(outcomes[1].Err) {
		t.Fatalf("middle outcome = %v", outcomes[1].Err)
	}
}

func TestMulticallStrict(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")

	m, err := s.Multicall(true)
	if err != nil {
		t.Fatalf("Multicall: %v", err)
	}
	first := m.Call("double", 1)
	failed := m.Call("fail")
	last := m.Call("double", 3)

	outcomes, err := m.Flush(context.Background())
	if !hub.IsNotFound(err) {
		t.Fatalf("strict flush error = %v", err)
	}
	if v, err := first.Result(); err != nil || v != 2 {
		t.Fatalf("first = %v, %v", v, err)
	}
	if _, err := failed.Result(); !hub.IsNotFound(err) {
		t.Fatalf("failed = %v", err)
	}
	if _, err := last.Result(); !errors.Is(err, hub.ErrSkipped) {
		t.Fatalf("last = %v, want skipped", err)
	}
	if hub.KindOf(outcomes[2].Err) != hub.KindSkipped {
		t.Fatalf("outcome kind = %v", hub.KindOf(outcomes[2].Err))
	}
}

func TestMulticallToggle(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")
	ctx := context.Background()

	if err := s.SetMulticall(true); err != nil {
		t.Fatalf("SetMulticall: %v", err)
	}
	v, err := s.Call(ctx, "double", 5)
	if err != nil {
		t.Fatalf("queued Call: %v", err)
	}
	d, ok := v.(*hub.Deferred)
	if !ok {
		t.Fatalf("queued call returned %T", v)
	}
	if _, err := d.Result(); !errors.Is(err, hub.ErrNotReady) {
		t.Fatalf("result before flush = %v", err)
	}
	if srv.Requests() != 0 {
		t.Fatal("queued call was sent")
	}

	outcomes, err := s.MultiCall(ctx, false)
	if err != nil {
		t.Fatalf("MultiCall: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Value != 10 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if v, _ := d.Result(); v != 10 {
		t.Fatalf("deferred = %v", v)
	}
	if s.MulticallActive() {
		t.Fatal("multicall still active after flush")
	}
	if _, err := s.MultiCall(ctx, false); !errors.Is(err, hub.ErrNoMulticall) {
		t.Fatalf("second MultiCall = %v", err)
	}
}

func TestMulticallReentry(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")

	m, err := s.Multicall(false)
	if err != nil {
		t.Fatalf("Multicall: %v", err)
	}
	if _, err := s.Multicall(false); !errors.Is(err, hub.ErrMulticallActive) {
		t.Fatalf("nested Multicall = %v", err)
	}
	if err := s.SetMulticall(true); !errors.Is(err, hub.ErrMulticallActive) {
		t.Fatalf("SetMulticall while active = %v", err)
	}
	m.Discard()
	if s.MulticallActive() {
		t.Fatal("discard left scope open")
	}
}

func TestMulticallEmptyFlush(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")

	outcomes, err := s.WithMulticall(context.Background(), true, func(*hub.Multicall) error { return nil })
	if err != nil || len(outcomes) != 0 {
		t.Fatalf("empty flush = %v, %v", outcomes, err)
	}
	if srv.Requests() != 0 {
		t.Fatalf("requests = %d", srv.Requests())
	}
}

func TestMulticallDiscardOnError(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")
	boom := errors.New("boom")

	var d *hub.Deferred
	_, err := s.WithMulticall(context.Background(), false, func(m *hub.Multicall) error {
		d = m.Call("double", 1)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if srv.Requests() != 0 {
		t.Fatal("discarded calls were sent")
	}
	if _, err := d.Result(); hub.KindOf(err) != hub.KindInterrupted {
		t.Fatalf("discarded handle = %v", err)
	}
}

func TestMulticallInterrupted(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")
	ctx, cancel := context.WithCancel(context.Background())

	m, _ := s.Multicall(false)
	m.Call("double", 1)
	cancel()
	if _, err := m.Flush(ctx); hub.KindOf(err) != hub.KindInterrupted {
		t.Fatalf("flush = %v", err)
	}
	if srv.Requests() != 0 {
		t.Fatal("interrupted flush was sent")
	}
	if s.MulticallActive() {
		t.Fatal("scope still open")
	}
}

func TestIterCallChunks(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")
	args := []int{1, 2, 3, 4, 5, 6, 7}

	var got []any
	seq := hub.IterCall(context.Background(), s, args, func(m *hub.Multicall, n int) *hub.Deferred {
		return m.Call("double", n)
	}, 2)
	for o, err := range seq {
		if err != nil {
			t.Fatalf("chunk error: %v", err)
		}
		got = append(got, o.Value)
	}

	want := []any{2, 4, 6, 8, 10, 12, 14}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("values = %v, want %v", got, want)
	}
	var sizes []int
	for _, b := range srv.Batches() {
		sizes = append(sizes, len(b))
	}
	if !reflect.DeepEqual(sizes, []int{2, 2, 2, 1}) {
		t.Fatalf("batch sizes = %v", sizes)
	}
}

func TestIterCallStopsEarly(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")

	seen := 0
	for range hub.IterCall(context.Background(), s, []int{1, 2, 3, 4, 5}, func(m *hub.Multicall, n int) *hub.Deferred {
		return m.Call("double", n)
	}, 2) {
		seen++
		if seen == 3 {
			break
		}
	}
	if n := len(srv.Batches()); n != 2 {
		t.Fatalf("batches sent = %d, want 2", n)
	}
	if s.MulticallActive() {
		t.Fatal("scope left open")
	}
}

func TestIterCallPerItemFailure(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")

	var errs []string
	for o, err := range hub.IterCall(context.Background(), s, []string{"double", "fail", "double"}, func(m *hub.Multicall, method string) *hub.Deferred {
		return m.Call(method, 1)
	}, 0) {
		if err != nil {
			t.Fatalf("chunk error: %v", err)
		}
		errs = append(errs, fmt.Sprint(o.Err))
	}
	if errs[0] != "<nil>" || errs[1] != "No such thing" || errs[2] != "<nil>" {
		t.Fatalf("errors = %v", errs)
	}
}

func TestIterCallNilHandle(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")

	var outcomes []hub.Outcome
	for o, err := range hub.IterCall(context.Background(), s, []int{1, 2, 3}, func(m *hub.Multicall, n int) *hub.Deferred {
		if n == 2 {
			return nil
		}
		return m.Call("double", n)
	}, 0) {
		if err != nil {
			t.Fatalf("chunk error: %v", err)
		}
		outcomes = append(outcomes, o)
	}
	if len(outcomes) != 3 || outcomes[0].Value != 2 || outcomes[2].Value != 6 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if !errors.Is(outcomes[1].Err, hub.ErrNoHandle) {
		t.Fatalf("nil handle outcome = %v", outcomes[1].Err)
	}
}

func TestConcurrentQueueingIsRejected(t *testing.T) {
	srv := echoServer(t)
	s := newSession(t, srv, "noauth")
	ctx := context.Background()
	if err := s.SetMulticall(true); err != nil {
		t.Fatalf("SetMulticall: %v", err)
	}

	var (
		mu       sync.Mutex
		queued   int
		rejected int
		wg       sync.WaitGroup
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Call(ctx, "double", i)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, hub.ErrConcurrentUse):
				rejected++
			case err == nil:
				if _, ok := v.(*hub.Deferred); !ok {
					t.Errorf("queued call returned %T", v)
				}
				queued++
			default:
				t.Errorf("Call: %v", err)
			}
		}()
	}
	wg.Wait()

	if queued+rejected != 50 || queued == 0 {
		t.Fatalf("queued=%d rejected=%d", queued, rejected)
	}
	outcomes, err := s.MultiCall(ctx, false)
	if err != nil {
		t.Fatalf("MultiCall: %v", err)
	}
	if len(outcomes) != queued {
		t.Fatalf("flushed %d calls, queued %d", len(outcomes), queued)
	}
}

func TestDiscardWhileBusy(t *testing.T) {
	srv := echoServer(t)
	started := make(chan struct{})
	release := make(chan struct{})
	srv.Handle("slow", func([]any, map[string]any) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})
	s := newSession(t, srv, "noauth")
	ctx := context.Background()

	m, err := s.Multicall(false)
	if err != nil {
		t.Fatalf("Multicall: %v", err)
	}
	m.Call("slow")
	done := make(chan error, 1)
	go func() {
		_, err := m.Flush(ctx)
		done <- err
	}()
	<-started

	if err := m.Discard(); !errors.Is(err, hub.ErrConcurrentUse) {
		t.Fatalf("Discard during flush = %v", err)
	}
	if d := m.Call("double", 1); !errors.Is(d.Outcome().Err, hub.ErrConcurrentUse) {
		t.Fatalf("queue during flush = %v", d.Outcome().Err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

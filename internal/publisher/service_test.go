package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pewpost/internal/delivery"
	"pewpost/internal/eventbus"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []string
	next  int

	// gate, when set, blocks every send until it is closed.
	gate    chan struct{}
	started chan string
}

func (f *fakeDeliverer) send(ctx context.Context, dest string) (int, error) {
	if f.started != nil {
		f.started <- dest
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dest)
	if dest == "@broken" {
		return 0, &delivery.DeliveryError{Chat: dest, Chunks: 1, Outcome: transport.Permanent, Attempts: 1, Err: errors.New("Forbidden: bot was kicked")}
	}
	f.next++
	return f.next, nil
}

func (f *fakeDeliverer) SendText(ctx context.Context, dest, _ string) (int, error) {
	return f.send(ctx, dest)
}

func (f *fakeDeliverer) SendStructuredItem(ctx context.Context, dest string, _ delivery.Item) (int, error) {
	return f.send(ctx, dest)
}

func startService(t *testing.T, cfg Config, del Deliverer, opts ...Option) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, del, logx.Nop(), opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitState(t *testing.T, s *Service, id string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := s.Status(id)
		if ok && (st.State == StateDone || st.State == StateFailed) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return JobStatus{}
}

func TestJobRunsEveryTarget(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "publisher.done")
	defer unsub()
	del := &fakeDeliverer{}
	s := startService(t, Config{Workers: 1}, del, WithBus(bus))

	id, err := s.Enqueue(context.Background(), Job{
		Targets: []string{"@one", " @two ", "@one", ""},
		Item:    &delivery.Item{Title: "Release <b>notes</b>", Body: "body"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	st := waitState(t, s, id)
	if st.State != StateDone || len(st.Targets) != 2 {
		t.Fatalf("status=%+v", st)
	}
	if st.Targets[0].MessageID != 1 || st.Targets[1].Destination != "@two" || st.Targets[1].MessageID != 2 {
		t.Fatalf("targets=%+v", st.Targets)
	}
	if st.Preview != "Release <b>notes</b>" {
		t.Fatalf("preview=%q", st.Preview)
	}
	select {
	case e := <-events:
		if ev, ok := e.Data.(JobEvent); !ok || ev.ID != id || ev.Targets != 2 {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no done event")
	}
}

func TestFailedTargetDoesNotStopJob(t *testing.T) {
	t.Parallel()

	del := &fakeDeliverer{}
	s := startService(t, Config{}, del)
	id, err := s.Enqueue(context.Background(), Job{Targets: []string{"@broken", "@fine"}, Text: "<i>hello</i>"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	st := waitState(t, s, id)
	if st.State != StateFailed {
		t.Fatalf("state=%s", st.State)
	}
	if !st.Targets[0].Permanent || st.Targets[0].Error == "" || st.Targets[1].MessageID != 1 {
		t.Fatalf("targets=%+v", st.Targets)
	}
	if st.Preview != "hello" {
		t.Fatalf("preview=%q", st.Preview)
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()

	disabled := New(Config{}, &fakeDeliverer{}, logx.Nop())
	if _, err := disabled.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}
	idle := New(Config{Enabled: true}, &fakeDeliverer{}, logx.Nop())
	if _, err := idle.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	if _, err := idle.Enqueue(context.Background(), Job{Targets: []string{" "}, Text: "x"}); !errors.Is(err, ErrEmptyJob) {
		t.Fatalf("no targets: %v", err)
	}
	if _, err := idle.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "  "}); !errors.Is(err, ErrEmptyJob) {
		t.Fatalf("no content: %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	del := &fakeDeliverer{gate: make(chan struct{}), started: make(chan string, 4)}
	s := startService(t, Config{Workers: 1, QueueSize: 1}, del)

	first, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "1"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	<-del.started
	if _, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "2"}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third: %v", err)
	}
	recent := s.Recent(5)
	if len(recent) != 3 || recent[0].State != StateDropped {
		t.Fatalf("recent=%+v", recent)
	}
	close(del.gate)
	if st := waitState(t, s, first); st.State != StateDone {
		t.Fatalf("first=%+v", st)
	}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()

	s := startService(t, Config{DedupWindow: time.Minute}, &fakeDeliverer{})
	a, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a", "@b"}, Text: "same"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	b, _ := s.Enqueue(context.Background(), Job{Targets: []string{"@b", "@a"}, Text: "same"})
	c, _ := s.Enqueue(context.Background(), Job{Targets: []string{"@a", "@b"}, Text: "other"})
	if a != b {
		t.Fatalf("duplicate got a new id: %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("different content shares an id")
	}
}

func TestQueueFullDoesNotPoisonDedup(t *testing.T) {
	t.Parallel()

	del := &fakeDeliverer{gate: make(chan struct{}), started: make(chan string, 4)}
	s := startService(t, Config{Workers: 1, QueueSize: 1, DedupWindow: time.Minute}, del)

	if _, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "busy"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	<-del.started
	if _, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "queued"}); err != nil {
		t.Fatalf("second: %v", err)
	}
	retry := Job{Targets: []string{"@b"}, Text: "retry me"}
	if _, err := s.Enqueue(context.Background(), retry); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third: %v", err)
	}

	close(del.gate)
	var (
		id  string
		err error
	)
	deadline := time.Now().Add(2 * time.Second)
	for {
		id, err = s.Enqueue(context.Background(), retry)
		if !errors.Is(err, ErrQueueFull) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	st := waitState(t, s, id)
	if st.State != StateDone || len(st.Targets) != 1 || st.Targets[0].MessageID == 0 {
		t.Fatalf("retry was not delivered: %+v", st)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	s := startService(t, Config{HistorySize: 2}, &fakeDeliverer{})
	var ids []string
	for _, text := range []string{"1", "2", "3"} {
		id, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: text})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	if _, ok := s.Status(ids[0]); ok {
		t.Fatalf("oldest status should be evicted")
	}
	if _, ok := s.Status(ids[2]); !ok {
		t.Fatalf("newest status missing")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()

	del := &fakeDeliverer{}
	s := New(Config{Enabled: true, Workers: 1}, del, logx.Nop())
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: string(rune('a' + i))}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	del.mu.Lock()
	n := len(del.calls)
	del.mu.Unlock()
	if n != 5 {
		t.Fatalf("sent %d of 5 jobs", n)
	}
	if _, err := s.Enqueue(context.Background(), Job{Targets: []string{"@a"}, Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: %v", err)
	}
}

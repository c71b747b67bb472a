// Package publisher queues publishing jobs and runs them on a small worker
// pool in front of the delivery dispatcher.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pewpost/internal/delivery"
	"pewpost/internal/eventbus"
	"pewpost/internal/markup"
	"pewpost/internal/metrics"
	rtsup "pewpost/internal/runtime/supervisor"
	logx "pewpost/pkg/logx"
	"pewpost/pkg/tgui"
)

type job struct {
	id  string
	job Job
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	del     Deliverer
	bus     eventbus.Bus
	metrics *metrics.Publisher

	cfg Config

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]dedupEntry

	hmu    sync.Mutex
	status map[string]*JobStatus
	order  []string
}

type dedupEntry struct {
	id    string
	until time.Time
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m *metrics.Publisher) Option { return func(s *Service) { s.metrics = m } }

func New(cfg Config, del Deliverer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		del:    del,
		log:    log.With(logx.String("comp", "publisher")),
		dedup:  map[string]dedupEntry{},
		status: map[string]*JobStatus{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates the config. Workers and QueueSize take effect on the next
// Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
}

// Supervisor returns the worker supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("publisher.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("publisher worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("publisher started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// Stop closes intake and lets the workers drain the queue until ctx ends;
// after that the running jobs are canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
		s.log.Info("publisher stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Enqueue validates and queues a job and returns its id. An identical job
// submitted within the dedup window returns the earlier id.
func (s *Service) Enqueue(ctx context.Context, j Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	j.Targets = cleanTargets(j.Targets)
	if len(j.Targets) == 0 || (j.Item == nil && strings.TrimSpace(j.Text) == "") {
		return "", ErrEmptyJob
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return "", ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	q, cfg := s.queue, s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	id := uuid.NewString()
	var key string
	if cfg.DedupWindow > 0 {
		key = dedupKey(j)
		if prev, ok := s.dedupAllow(key, id, cfg.DedupWindow, cfg.DedupMaxEntries); !ok {
			s.publish(EventDeduped, JobEvent{ID: prev, Targets: len(j.Targets)})
			s.log.Debug("duplicate job suppressed", logx.String("job", prev))
			return prev, nil
		}
	}

	st := &JobStatus{ID: id, State: StateQueued, Preview: preview(j), CreatedAt: time.Now()}
	for _, t := range j.Targets {
		st.Targets = append(st.Targets, TargetResult{Destination: t})
	}
	s.remember(st, cfg.HistorySize)

	select {
	case q <- job{id: id, job: j}:
		s.metrics.QueueDepth(len(q))
		s.publish(EventQueued, JobEvent{ID: id, Targets: len(j.Targets)})
		return id, nil
	default:
		// A dropped job must not shadow a retry of the same content.
		if key != "" {
			s.dedupForget(key, id)
		}
		s.update(id, func(st *JobStatus) {
			st.State = StateDropped
			st.DoneAt = time.Now()
		})
		s.metrics.Job(string(StateDropped))
		s.publish(EventDropped, JobEvent{ID: id, Targets: len(j.Targets), Error: ErrQueueFull.Error()})
		return "", ErrQueueFull
	}
}

// Status returns a copy of the job's status.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return copyStatus(st), true
}

// Recent returns up to n statuses, newest first.
func (s *Service) Recent(n int) []JobStatus {
	if n <= 0 {
		return nil
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]JobStatus, 0, min(n, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, copyStatus(s.status[s.order[i]]))
	}
	return out
}

func copyStatus(st *JobStatus) JobStatus {
	cp := *st
	cp.Targets = append([]TargetResult(nil), st.Targets...)
	return cp
}

func (s *Service) remember(st *JobStatus, limit int) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.status[st.ID] = st
	s.order = append(s.order, st.ID)
	for len(s.order) > limit {
		delete(s.status, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Service) update(id string, fn func(st *JobStatus)) {
	s.hmu.Lock()
	if st, ok := s.status[id]; ok {
		fn(st)
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.metrics.QueueDepth(len(q))
			s.run(ctx, j)
		}
	}
}

// run delivers a job to its targets one after another.
func (s *Service) run(ctx context.Context, j job) {
	s.update(j.id, func(st *JobStatus) {
		st.State = StateRunning
		st.StartedAt = time.Now()
	})

	failed := 0
	var lastErr error
	for i, dest := range j.job.Targets {
		var (
			id  int
			err error
		)
		if j.job.Item != nil {
			id, err = s.del.SendStructuredItem(ctx, dest, *j.job.Item)
		} else {
			id, err = s.del.SendText(ctx, dest, j.job.Text)
		}
		res := TargetResult{Destination: dest, MessageID: id}
		if err != nil {
			failed++
			lastErr = err
			res.Error = logx.Redact(err.Error())
			res.Permanent = delivery.IsPermanent(err)
			s.log.Warn("target failed", logx.String("job", j.id), logx.String("dest", dest), logx.Err(err))
		}
		s.update(j.id, func(st *JobStatus) { st.Targets[i] = res })
	}

	state, typ := StateDone, EventDone
	ev := JobEvent{ID: j.id, Targets: len(j.job.Targets), Failed: failed}
	if failed > 0 {
		state, typ = StateFailed, EventFailed
		ev.Error = logx.Redact(lastErr.Error())
	}
	s.update(j.id, func(st *JobStatus) {
		st.State = state
		st.DoneAt = time.Now()
	})
	s.metrics.Job(string(state))
	s.publish(typ, ev)
	s.log.Debug("job finished", logx.String("job", j.id), logx.String("state", string(state)), logx.Int("failed", failed))
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func cleanTargets(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func preview(j Job) string {
	text := j.Text
	if j.Item != nil {
		text = j.Item.Title
		if strings.TrimSpace(text) == "" {
			text = markup.VisibleText(markup.Sanitize(j.Item.Body))
		}
	} else {
		text = markup.VisibleText(markup.Sanitize(text))
	}
	return tgui.TruncRunes(strings.Join(strings.Fields(text), " "), 80)
}

func dedupKey(j Job) string {
	targets := append([]string(nil), j.Targets...)
	sort.Strings(targets)
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(targets, ",")))
	_, _ = h.Write([]byte{0})
	if it := j.Item; it != nil {
		for _, part := range []string{it.Title, it.Body, string(it.Format), it.URL, it.Image.Ref, it.Image.Name} {
			_, _ = h.Write([]byte(part))
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write(it.Image.Data)
	} else {
		_, _ = h.Write([]byte(j.Text))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow records key for id unless a live entry exists, in which case
// it returns the earlier job id.
func (s *Service) dedupAllow(key, id string, window time.Duration, maxEntries int) (string, bool) {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if e, ok := s.dedup[key]; ok && now.Before(e.until) {
		return e.id, false
	}
	s.dedup[key] = dedupEntry{id: id, until: now.Add(window)}

	for k, e := range s.dedup {
		if !now.Before(e.until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldKey string
			oldT   time.Time
		)
		for k, e := range s.dedup {
			if oldKey == "" || e.until.Before(oldT) {
				oldKey, oldT = k, e.until
			}
		}
		delete(s.dedup, oldKey)
	}
	return id, true
}

// dedupForget drops key if it still points at id.
func (s *Service) dedupForget(key, id string) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if e, ok := s.dedup[key]; ok && e.id == id {
		delete(s.dedup, key)
	}
}

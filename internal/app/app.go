// Package app wires the publishing pipeline into one long-running process:
// config → logging → limiter → sender → dispatcher → publisher → HTTP.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pewpost/internal/config"
	"pewpost/internal/delivery"
	"pewpost/internal/eventbus"
	"pewpost/internal/httpapi"
	"pewpost/internal/metrics"
	"pewpost/internal/publisher"
	"pewpost/internal/ratelimit"
	rtsup "pewpost/internal/runtime/supervisor"
	logx "pewpost/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *metrics.Registry

	limiter *ratelimit.Limiter
	disp    *delivery.Dispatcher
	pub     *publisher.Service
	http    *httpapi.Service

	version string
}

type Option func(*App)

func WithVersion(v string) Option { return func(a *App) { a.version = v } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	registerSecrets(cfg)

	logSvc, root := logx.New(config.ToLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm: cfgm,
		sups: rtsup.NewRegistry(),
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		reg:  metrics.New(),
	}
	for _, o := range opts {
		o(a)
	}

	a.disp, a.limiter, err = NewDispatcher(cfg, root.With(logx.String("comp", "delivery")),
		delivery.WithBus(a.bus),
		delivery.WithMetrics(a.reg.Delivery),
	)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if a.disp.Configured() {
		logSvc.SetSender(a.disp)
	}

	pc, err := config.ToPublisher(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.pub = publisher.New(pc, a.disp, root,
		publisher.WithBus(a.bus),
		publisher.WithMetrics(a.reg.Publisher),
	)

	hc, err := config.ToHTTP(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Sender:      a.disp,
		Jobs:        a.pub,
		Metrics:     a.reg.Handler(),
		Supervisors: a.sups,
		Version:     a.version,
	}, root)

	return a, nil
}

func registerSecrets(cfg *config.Config) {
	logx.RegisterSecret(cfg.Telegram.Token)
	logx.RegisterSecret(cfg.HTTP.Token)
}

// Dispatcher exposes the synchronous entry points.
func (a *App) Dispatcher() *delivery.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Track("app", func() *rtsup.Supervisor { return a.sup })
	a.sups.Track("publisher", a.pub.Supervisor)
	a.sups.Track("http", a.http.Supervisor)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Validate already ran in Parse; the converters catch anything the
		// per-field checks cannot see.
		if _, err := config.ToDelivery(cfg); err != nil {
			return err
		}
		if _, err := config.ToPublisher(cfg); err != nil {
			return err
		}
		_, err := config.ToHTTP(cfg)
		return err
	})

	if a.pub.Enabled() {
		a.pub.Start(a.sup.Context())
	}
	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Any("data", e.Data)}
				if ce, ok := e.Data.(delivery.ChunkEvent); ok && ce.LogRelay {
					fields = append(fields, logx.SkipTelegram())
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("version", a.version),
		logx.Bool("configured", a.disp.Configured()),
		logx.Bool("publisher", a.pub.Enabled()),
		logx.Bool("http", a.http.Enabled()),
	)
	return nil
}

// reload applies a committed config to the running components. Settings
// that are only read at construction are reported as needing a restart.
func (a *App) reload(c context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	registerSecrets(next)

	a.logs.Apply(config.ToLogging(next))
	a.limiter.Set(next.Delivery.Limiter())

	if dc, err := config.ToDelivery(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}

	if pc, err := config.ToPublisher(next); err != nil {
		a.log.Warn("invalid publisher config; keeping previous", logx.Err(err))
	} else {
		was := a.pub.Enabled()
		a.pub.Apply(pc)
		switch {
		case was && !pc.Enabled:
			a.log.Info("publisher disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 5*time.Second)
			a.pub.Stop(stopCtx)
			cancel()
		case !was && pc.Enabled:
			a.log.Info("publisher enabled via config")
			a.pub.Start(c)
		}
	}

	if hc, err := config.ToHTTP(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("keys", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Intake stops first so queued jobs can still drain through the
	// dispatcher before the run context is canceled.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("publisher", 10*time.Second, func(c context.Context) error { a.pub.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

func sdNotify(log logx.Logger, state string) {
	ok, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case ok:
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// Package app wires the chronod service: config, logging, store, transport,
// dispatch engine and scheduler, with an explicit start/stop lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"chrono/internal/clock"
	"chrono/internal/config"
	"chrono/internal/dispatch"
	"chrono/internal/runtime/supervisor"
	"chrono/internal/scheduler"
	"chrono/internal/store"
	"chrono/internal/transport"
	"chrono/internal/transport/mail"
	"chrono/internal/transport/telegram"
	"chrono/pkg/logx"
)

// Environment variables carrying secrets that never live in the config file.
const (
	EnvSMTPPassword  = "CHRONO_SMTP_PASSWORD"
	EnvTelegramToken = "CHRONO_TELEGRAM_TOKEN"
)

const (
	jobReminders = "reminders.scan"
	jobDigest    = "digest.weekly"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	clk    *clock.Zone
	st     store.Store
	sender transport.Sender
	engine *dispatch.Engine
	sched  *scheduler.Service

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	clk, err := clock.NewZone(cfg.Timezone)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	busyTimeout, err := cfg.Store.BusyTimeout.Value("store.busy_timeout")
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	sender, err := buildSender(cfg.Transport, log)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	sendTimeout, err := cfg.Jobs.SendTimeout.Or("jobs.send_timeout", config.DefaultSendTimeout)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	engine := dispatch.New(dispatch.Config{
		SendTimeout:       sendTimeout,
		DigestConcurrency: cfg.Jobs.DigestConcurrency,
	}, st, sender, clk, log.With(logx.String("comp", "dispatch")))

	sched := scheduler.New(scheduler.Config{}, clk.Location(), log.With(logx.String("comp", "scheduler")))
	if err := registerJobs(sched, cfg.Jobs, engine); err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgm:   cfgm,
		logs:   logSvc,
		log:    log,
		clk:    clk,
		st:     st,
		sender: sender,
		engine: engine,
		sched:  sched,
	}, nil
}

func registerJobs(sched *scheduler.Service, jobs config.JobsConfig, engine *dispatch.Engine) error {
	reminderSpec := strings.TrimSpace(jobs.ReminderSpec)
	if reminderSpec == "" {
		reminderSpec = config.DefaultReminderSpec
	}
	reminderTimeout, err := jobs.ReminderTimeout.Or("jobs.reminder_timeout", config.DefaultReminderTimeout)
	if err != nil {
		return err
	}
	if err := sched.Register(jobReminders, reminderSpec, reminderTimeout, engine.RunTaskReminders); err != nil {
		return err
	}

	digestSpec := strings.TrimSpace(jobs.DigestSpec)
	if digestSpec == "" {
		digestSpec = config.DefaultDigestSpec
	}
	digestTimeout, err := jobs.DigestTimeout.Or("jobs.digest_timeout", config.DefaultDigestTimeout)
	if err != nil {
		return err
	}
	return sched.Register(jobDigest, digestSpec, digestTimeout, engine.RunWeeklyDigest)
}

func buildSender(cfg config.TransportConfig, log logx.Logger) (transport.Sender, error) {
	var (
		inner transport.Sender
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "mail":
		if cfg.Mail == nil {
			return nil, errors.New("transport: mail section missing")
		}
		dialTimeout, derr := cfg.Mail.DialTimeout.Value("transport.mail.dial_timeout")
		if derr != nil {
			return nil, derr
		}
		inner, err = mail.New(mail.Config{
			Host:        cfg.Mail.Host,
			Port:        cfg.Mail.Port,
			Username:    cfg.Mail.Username,
			Password:    os.Getenv(EnvSMTPPassword),
			From:        cfg.Mail.From,
			DialTimeout: dialTimeout,
		}, log.With(logx.String("comp", "mail")))
	case "telegram":
		if cfg.Telegram == nil {
			return nil, errors.New("transport: telegram section missing")
		}
		sendTimeout, derr := cfg.Telegram.SendTimeout.Value("transport.telegram.send_timeout")
		if derr != nil {
			return nil, derr
		}
		inner, err = telegram.New(telegram.Config{
			Token:       os.Getenv(EnvTelegramToken),
			SendTimeout: sendTimeout,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return transport.NewLimited(inner, cfg.RatePerSec), nil
}

// Engine exposes the dispatch engine to the surrounding CRUD layer (welcome
// sends on signup).
func (a *App) Engine() *dispatch.Engine { return a.engine }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	// Config hot reload: only logging changes apply live. Job specs, store and
	// transport need a restart; flag that instead of half-applying it.
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied; other sections require restart")
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()

		start := time.Now()
		fn(stepCtx)
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 5*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("supervisor wait", logx.Err(err))
		}
	})
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

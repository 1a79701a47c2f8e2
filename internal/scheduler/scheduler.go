// Package scheduler runs the recurring dispatch jobs on cron triggers pinned
// to the reference timezone.
//
// Each job carries its own overlap guard: a trigger that fires while the
// previous run of the same job is still in flight is skipped, never queued.
// Overlapping reminder runs would both read stale reminder flags and
// double-send, so skip-if-busy is the only safe policy here. Jobs are
// independent of each other and may overlap across names.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chrono/pkg/logx"
)

type Config struct {
	// DefaultTimeout bounds a job run when the job was registered without its
	// own timeout. 0 means no bound.
	DefaultTimeout time.Duration
}

type jobState struct {
	mu      sync.Mutex
	running bool
}

func (s *jobState) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *jobState) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

type jobDef struct {
	name    string
	spec    string // cron spec or @every descriptor
	timeout time.Duration
	run     func(ctx context.Context) error
	state   *jobState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a stopped scheduler. loc is the reference location all
// wall-clock specs are evaluated in.
func New(cfg Config, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		loc:    loc,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register adds a named job. Registering while stopped is supported; the
// definition is applied on the next Start. The spec is validated immediately.
func (s *Service) Register(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: job %q: invalid spec %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := jobDef{name: name, spec: spec, timeout: s.resolveTimeout(timeout), run: run, state: &jobState{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("scheduler: already started")
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.c = nil
			s.runCancel()
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("jobs", len(s.defs)), logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts triggers and waits for in-flight runs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return
	}
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs in flight")
	}
}

func (s *Service) addLocked(d jobDef) error {
	runCtx := s.runCtx
	_, err := s.c.AddFunc(d.spec, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.execOne(runCtx, d)
	})
	return err
}

func (s *Service) execOne(ctx context.Context, d jobDef) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !d.state.tryBegin() {
		s.log.Warn("job still running, skipping tick", logx.String("job", d.name))
		return
	}
	defer d.state.end()

	runCtx := ctx
	var cancel context.CancelFunc
	if d.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.run(runCtx)
	}()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", d.name),
			logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job ok", logx.String("job", d.name),
		logx.Duration("took", time.Since(start)))
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

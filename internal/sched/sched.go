// Package sched is a thin trigger service over robfig/cron: it decides WHEN
// registered bodies run; the bodies own their work and error handling.
package sched

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type def struct {
	name string
	spec string // six-field cron spec (with seconds) or @every descriptor
	job  func(ctx context.Context)
}

type Service struct {
	log    zerolog.Logger
	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	defs []def
	ctx  context.Context
}

func New(log zerolog.Logger) *Service {
	return &Service{
		log: log.With().Str("component", "sched").Logger(),
		// Second-granularity specs: the prober and sweeper tick every second.
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register adds a named trigger. Invalid specs are caught here, at startup,
// not at first fire. Must be called before Start; a late registration would
// never fire, so it is rejected rather than silently kept.
func (s *Service) Register(name, spec string, job func(ctx context.Context)) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return errors.Wrapf(err, "schedule %q for %s", spec, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.Newf("register %s after start", name)
	}
	s.defs = append(s.defs, def{name: name, spec: spec, job: job})
	return nil
}

// Start launches the cron runner. Each firing checks the shared context
// first so triggers stop cleanly once shutdown is requested.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser))
	for _, d := range s.defs {
		d := d
		if _, err := s.c.AddFunc(d.spec, func() {
			if s.ctx.Err() != nil {
				return
			}
			d.job(s.ctx)
		}); err != nil {
			return errors.Wrapf(err, "add %s", d.name)
		}
		s.log.Info().Str("name", d.name).Str("spec", d.spec).Msg("trigger registered")
	}
	s.c.Start()
	return nil
}

// Stop halts future firings. Running jobs are not interrupted.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		s.c.Stop()
	}
}

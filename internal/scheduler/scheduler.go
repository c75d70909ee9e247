// Package scheduler fires command tokens on cron schedules. It runs as one
// more source of the merged event stream, so scheduled commands go through
// the same classification and forwarding as button presses.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"ledbar/internal/config"
	"ledbar/internal/stream"
)

// SourceName identifies scheduled messages.
const SourceName = "schedule"

// Scheduler emits a schedule's command token each time its spec fires.
type Scheduler struct {
	cron    *cron.Cron
	entries []config.ScheduleEntry
	logger  *slog.Logger

	mu  sync.Mutex
	out chan<- stream.Message
	ctx context.Context
}

// New registers every entry. Specs use the standard five-field format.
func New(entries []config.ScheduleEntry, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:    cron.New(),
		entries: entries,
		logger:  logger,
	}
	for _, e := range entries {
		token := e.Command
		if _, err := s.cron.AddFunc(e.Spec, func() { s.fire(token) }); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", e.Spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Name() string { return SourceName }

// Run starts the cron ticker and blocks until ctx is done. Firings that
// happen while no run is active are dropped.
func (s *Scheduler) Run(ctx context.Context, out chan<- stream.Message) error {
	s.mu.Lock()
	s.out, s.ctx = out, ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.entries))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.mu.Lock()
	s.out, s.ctx = nil, nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) fire(token string) {
	s.mu.Lock()
	out, ctx := s.out, s.ctx
	s.mu.Unlock()
	if out == nil {
		return
	}

	s.logger.Info("scheduled command", "command", token)
	select {
	case out <- stream.NewMessage(SourceName, []byte(token)):
	case <-ctx.Done():
	}
}

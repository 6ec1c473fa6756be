/*
poller.go - Scheduled sweep of pending payment attempts

PURPOSE:
  Users normally poll their own payment status, but a payer may close the
  app right after paying. The poller runs Service.Sweep on a cron schedule
  so confirmed payments are credited and stale ones expired regardless.

DESIGN:
  - robfig/cron schedule (default every minute)
  - SkipIfStillRunning: a slow sweep is never overlapped by the next one
  - Each run gets its own timeout derived from the schedule

USAGE:
  poller, err := payment.NewPoller(service, "@every 1m", log)
  poller.Start()
  defer poller.Stop()
*/
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultPollSchedule = "@every 1m"

// Sweeper is satisfied by *Service.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

type Poller struct {
	cron       *cron.Cron
	sweeper    Sweeper
	log        zerolog.Logger
	RunTimeout time.Duration
}

// NewPoller validates the schedule and registers the sweep job.
func NewPoller(sweeper Sweeper, schedule string, log zerolog.Logger) (*Poller, error) {
	if schedule == "" {
		schedule = DefaultPollSchedule
	}
	p := &Poller{
		sweeper:    sweeper,
		log:        log.With().Str("component", "payment-poller").Logger(),
		RunTimeout: 50 * time.Second,
	}
	p.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := p.cron.AddFunc(schedule, p.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *Poller) Start() {
	p.cron.Start()
	p.log.Info().Msg("started")
}

// Stop stops scheduling and waits for a running sweep to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.log.Info().Msg("stopped")
}

// RunOnce performs a single sweep.
func (p *Poller) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.RunTimeout)
	defer cancel()

	start := time.Now()
	report, err := p.sweeper.Sweep(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if report.Checked == 0 {
		return
	}
	p.log.Info().
		Int("checked", report.Checked).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("expired", report.Expired).
		Int("errors", report.Errors).
		Dur("duration", time.Since(start)).
		Msg("sweep completed")
}

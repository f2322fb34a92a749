package scheduler

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/QuillonLabs/quillon/internal/pkg/billing"
	"github.com/QuillonLabs/quillon/internal/pkg/statistics"
)

// Scheduler runs the recurring maintenance jobs: the subscription
// expiry sweep and the statistics cache refresh.
type Scheduler struct {
	cron    *cron.Cron
	billing *billing.Service
}

// New creates a scheduler around the billing service.
func New(billingSvc *billing.Service) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		billing: billingSvc,
	}
}

// Start registers the jobs and launches the cron loop. One expiry
// sweep runs immediately so a restarted instance converges without
// waiting for the next tick.
func (s *Scheduler) Start() error {
	// Expire lapsed subscriptions hourly.
	if _, err := s.cron.AddFunc("0 * * * *", func() {
		s.runExpirySweep()
	}); err != nil {
		return err
	}

	// Refresh the cached admin statistics every 5 minutes.
	if _, err := s.cron.AddFunc("*/5 * * * *", func() {
		if err := statistics.UpdateStatisticsCache(); err != nil {
			log.Printf("[Scheduler] statistics refresh failed: %v", err)
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	log.Println("[Scheduler] started")

	go s.runExpirySweep()
	return nil
}

// Stop halts the cron loop. Running jobs finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("[Scheduler] stopped")
}

func (s *Scheduler) runExpirySweep() {
	if s.billing == nil {
		return
	}
	if _, err := s.billing.ExpireLapsedSubscriptions(context.Background()); err != nil {
		log.Printf("[Scheduler] expiry sweep failed: %v", err)
	}
}

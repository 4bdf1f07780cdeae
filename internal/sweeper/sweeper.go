// Package sweeper re-enqueues pending ledger rows whose fire time has passed
// without a delivery attempt. The delay queue is in-process, so a restart
// loses its timers; the sweep rebuilds them from the durable ledger.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quizvn/chainmail/internal/chain"
	"github.com/quizvn/chainmail/internal/queue"
	"github.com/quizvn/chainmail/internal/recipients"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingQueue    = errors.New("delay queue is required")
)

// Config tunes the sweep cadence.
type Config struct {
	// Schedule is a cron expression; "@every 1m" by default.
	Schedule string
	// Grace is how long past the fire time a pending row must be before the
	// sweep picks it up, leaving room for a live timer to win.
	Grace time.Duration
	// MaxAttempts and Backoff mirror the scheduler's delivery retry policy.
	MaxAttempts int
	Backoff     time.Duration
}

// Sweeper periodically re-enqueues overdue pending jobs.
type Sweeper struct {
	cfg        Config
	ledger     *chain.Ledger
	queue      chain.DelayQueue
	recipients *recipients.Service
	clock      func() time.Time
	logger     *zap.Logger
	cron       *cron.Cron
}

// New constructs a Sweeper. The recipient registry is optional; without it,
// rows lacking a stored address are skipped.
func New(cfg Config, db *gorm.DB, delayQueue chain.DelayQueue, registry *recipients.Service, clock func() time.Time, logger *zap.Logger) (*Sweeper, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if delayQueue == nil {
		return nil, errMissingQueue
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		cfg:        cfg,
		ledger:     chain.NewLedger(db),
		queue:      delayQueue,
		recipients: registry,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Start schedules the sweep on its cron cadence.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sweeper started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts the cron schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass: every never-attempted pending row past its fire time
// plus grace is re-enqueued for immediate delivery. The queue's per-key dedup
// makes the pass safe while an original timer is still live.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock().UTC()

	overdue, err := s.ledger.FindOverduePending(ctx, now.Add(-s.cfg.Grace))
	if err != nil {
		return err
	}
	if len(overdue) == 0 {
		return nil
	}

	requeued := 0
	for _, job := range overdue {
		email := job.Email
		if email == "" && s.recipients != nil {
			record, err := s.recipients.Lookup(ctx, job.UserUUID)
			if err != nil {
				s.logger.Warn("recipient lookup failed",
					zap.String("user_uuid", job.UserUUID),
					zap.Error(err))
				continue
			}
			if record != nil {
				email = record.Email
			}
		}
		if email == "" {
			s.logger.Warn("overdue job has no recipient address, skipped",
				zap.Int64("job_id", job.ID),
				zap.String("user_uuid", job.UserUUID))
			continue
		}

		payload := chain.JobPayload{
			Email:            email,
			TemplateID:       job.TemplateID,
			UserUUID:         job.UserUUID,
			ChainType:        job.ChainType,
			QuizCountAtStart: job.QuizCountAtStart,
			QuizID:           job.QuizID,
			JobID:            job.ID,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		if err := s.queue.Enqueue(ctx, queue.Task{
			Key:         job.QueueKey,
			Payload:     raw,
			Delay:       0,
			MaxAttempts: s.cfg.MaxAttempts,
			Backoff:     s.cfg.Backoff,
		}); err != nil {
			s.logger.Error("requeue failed",
				zap.Int64("job_id", job.ID),
				zap.Error(err))
			continue
		}
		requeued++
	}

	s.logger.Info("sweep complete",
		zap.Int("overdue", len(overdue)),
		zap.Int("requeued", requeued))
	return nil
}

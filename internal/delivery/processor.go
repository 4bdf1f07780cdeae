// Package delivery executes fired chain jobs: it resolves the template,
// hands the message to the mail transport and settles the ledger row.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/quizvn/chainmail/internal/chain"
	"github.com/quizvn/chainmail/internal/queue"
	"github.com/quizvn/chainmail/internal/templates"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingCatalog  = errors.New("template catalog is required")
	errMissingMailer   = errors.New("mailer is required")
)

// Mailer is the transport that actually delivers an email.
type Mailer interface {
	Send(to, subject, html string) error
}

// TemplateLookup resolves a template by identity.
type TemplateLookup interface {
	FindByID(ctx context.Context, id int64) (*templates.Template, error)
}

// Metrics receives delivery counters. Implementations must not block.
type Metrics interface {
	EmailSent()
	EmailFailed()
	JobOrphaned()
}

// ProcessorConfig wires the processor's collaborators.
type ProcessorConfig struct {
	Database *gorm.DB
	Catalog  TemplateLookup
	Mailer   Mailer
	Limiter  *rate.Limiter
	Metrics  Metrics
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Processor is the delay-queue handler for chain steps.
type Processor struct {
	ledger  *chain.Ledger
	catalog TemplateLookup
	mailer  Mailer
	limiter *rate.Limiter
	metrics Metrics
	clock   func() time.Time
	logger  *zap.Logger
}

// NewProcessor validates the configuration and constructs a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	if cfg.Mailer == nil {
		return nil, errMissingMailer
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		ledger:  chain.NewLedger(cfg.Database),
		catalog: cfg.Catalog,
		mailer:  cfg.Mailer,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Handle processes one fired task. A nil return settles the task; an error
// hands it back to the queue's retry policy.
func (p *Processor) Handle(ctx context.Context, task queue.Task, attempt int) error {
	var payload chain.JobPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		// A payload that cannot be decoded will not improve on retry.
		p.logger.Error("undecodable job payload dropped",
			zap.String("key", task.Key),
			zap.Error(err))
		return nil
	}

	job, err := p.ledger.FindJob(ctx, payload.JobID)
	if errors.Is(err, chain.ErrJobNotFound) {
		// The row was superseded, typically by a promotion that deleted the
		// personal chain after this entry was queued. Benign.
		p.logger.Debug("orphaned job fired, skipping",
			zap.String("key", task.Key),
			zap.Int64("job_id", payload.JobID))
		if p.metrics != nil {
			p.metrics.JobOrphaned()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", payload.JobID, err)
	}
	if job.Status.IsTerminal() {
		p.logger.Debug("job already terminal, skipping",
			zap.Int64("job_id", job.ID),
			zap.String("status", string(job.Status)))
		return nil
	}

	// The attempt id ties the ledger row to the log lines of the delivery
	// attempt that touched it last.
	attemptID := uuid.NewString()
	if err := p.ledger.RecordAttempt(ctx, job.ID, attempt, attemptID); err != nil {
		p.logger.Warn("attempt bookkeeping failed",
			zap.Int64("job_id", job.ID),
			zap.Error(err))
	}

	if job.Email == "" {
		p.logger.Error("job has no recipient address",
			zap.Int64("job_id", job.ID),
			zap.String("user_uuid", job.UserUUID))
		if err := p.ledger.MarkFailed(ctx, job.ID, attempt); err != nil && !errors.Is(err, chain.ErrTerminalStatus) {
			return err
		}
		return nil
	}

	tmpl, err := p.catalog.FindByID(ctx, payload.TemplateID)
	if errors.Is(err, templates.ErrTemplateNotFound) {
		// A missing template is a data error, not transient. No retry; the
		// pending row stays visible as stuck for operational alerting.
		p.logger.Error("template not found, job dropped",
			zap.Int64("template_id", payload.TemplateID),
			zap.Int64("job_id", job.ID),
			zap.String("user_uuid", job.UserUUID),
			zap.String("chain_type", string(job.ChainType)),
			zap.Int("step", payload.Step))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load template %d: %w", payload.TemplateID, err)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if err := p.mailer.Send(job.Email, tmpl.Subject, tmpl.HTML); err != nil {
		p.logger.Error("email send failed",
			zap.String("attempt_id", attemptID),
			zap.Int64("job_id", job.ID),
			zap.String("user_uuid", job.UserUUID),
			zap.String("chain_type", string(job.ChainType)),
			zap.Int("step", payload.Step),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if p.metrics != nil {
			p.metrics.EmailFailed()
		}
		return err
	}

	if err := p.ledger.MarkSent(ctx, job.ID, attempt, p.clock().UTC()); err != nil {
		if errors.Is(err, chain.ErrTerminalStatus) {
			p.logger.Debug("job settled concurrently", zap.Int64("job_id", job.ID))
			return nil
		}
		return fmt.Errorf("mark sent %d: %w", job.ID, err)
	}

	if p.metrics != nil {
		p.metrics.EmailSent()
	}
	p.logger.Info("email sent",
		zap.String("attempt_id", attemptID),
		zap.Int64("job_id", job.ID),
		zap.String("user_uuid", job.UserUUID),
		zap.Int("step", payload.Step),
		zap.Int("attempt", attempt))
	return nil
}

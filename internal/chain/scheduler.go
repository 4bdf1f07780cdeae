package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quizvn/chainmail/internal/queue"
	"github.com/quizvn/chainmail/internal/templates"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingQueue    = errors.New("delay queue is required")
	errMissingCatalog  = errors.New("template catalog is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation-scoped error code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opSchedulerNew = "chain.scheduler.new"
	opTriggerChain = "chain.trigger_chain"
	opMaterialize  = "chain.materialize"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// TriggerStatus is the outcome class of a trigger call.
type TriggerStatus string

const (
	// TriggerStatusNew means a fresh chain was anchored at this trigger.
	TriggerStatusNew TriggerStatus = "new"
	// TriggerStatusMerged means the trigger folded into an open merge window.
	TriggerStatusMerged TriggerStatus = "merged"
)

// TriggerRequest is one quiz-completion event.
type TriggerRequest struct {
	UserUUID string
	Email    string
	QuizID   int64
	Geo      string
}

// TriggerResult reports the scheduling decision for a trigger.
type TriggerResult struct {
	Status TriggerStatus
	QuizID int64
	Count  int
	Steps  int
}

// Catalog is the template lookup the scheduler queries.
type Catalog interface {
	FindPersonal(ctx context.Context, quizID int64, geo string) ([]templates.Template, error)
	FindGeneral(ctx context.Context, geo string) ([]templates.Template, error)
}

// DelayQueue accepts delayed jobs with an idempotency key and supports
// cancellation of entries that have not fired yet.
type DelayQueue interface {
	Enqueue(ctx context.Context, task queue.Task) error
	Cancel(key string) bool
}

// RecipientRegistry records the latest address seen for a user.
type RecipientRegistry interface {
	Upsert(ctx context.Context, userUUID, email, geo string, triggeredAt time.Time) error
}

// Metrics receives scheduling counters. Implementations must not block.
type Metrics interface {
	ChainStarted(chainType string)
	ChainMerged()
	JobsEnqueued(count int)
}

// Policy holds the tunable scheduling constants.
type Policy struct {
	// MergeWindow is the width of the sliding merge window.
	MergeWindow time.Duration
	// StepInterval is the fixed spacing between consecutive steps; the first
	// step fires one interval after the trigger.
	StepInterval time.Duration
	// MaxAttempts bounds delivery attempts per job.
	MaxAttempts int
	// RetryBackoff is the fixed pause between delivery attempts.
	RetryBackoff time.Duration
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MergeWindow:  5 * time.Minute,
		StepInterval: time.Minute,
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Second,
	}
}

// JobPayload is the delay-queue payload for one chain step.
type JobPayload struct {
	Email            string    `json:"email"`
	TemplateID       int64     `json:"templateId"`
	UserUUID         string    `json:"userUuid"`
	Step             int       `json:"step"`
	ChainType        ChainType `json:"chainType"`
	QuizCountAtStart int       `json:"quizCountAtStart"`
	Geo              string    `json:"geo"`
	QuizID           int64     `json:"quizId"`
	JobID            int64     `json:"jobId"`
}

// SchedulerConfig wires the scheduler's collaborators.
type SchedulerConfig struct {
	Database   *gorm.DB
	Queue      DelayQueue
	Catalog    Catalog
	Recipients RecipientRegistry
	Metrics    Metrics
	Clock      func() time.Time
	Logger     *zap.Logger
	Policy     Policy
}

// Scheduler decides, per trigger, whether to start a personal chain, fold the
// user into an open merge window, or promote a personal chain to a general
// one, and materializes ledger rows plus delayed jobs atomically.
type Scheduler struct {
	db         *gorm.DB
	ledger     *Ledger
	queue      DelayQueue
	catalog    Catalog
	recipients RecipientRegistry
	metrics    Metrics
	clock      func() time.Time
	logger     *zap.Logger
	policy     Policy
	locks      *userLocks
}

// NewScheduler validates the configuration and constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opSchedulerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opSchedulerNew, "missing_queue", errMissingQueue)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opSchedulerNew, "missing_catalog", errMissingCatalog)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	policy := cfg.Policy
	if policy.MergeWindow <= 0 {
		policy.MergeWindow = DefaultPolicy().MergeWindow
	}
	if policy.StepInterval <= 0 {
		policy.StepInterval = DefaultPolicy().StepInterval
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.RetryBackoff <= 0 {
		policy.RetryBackoff = DefaultPolicy().RetryBackoff
	}

	return &Scheduler{
		db:         cfg.Database,
		ledger:     NewLedger(cfg.Database),
		queue:      cfg.Queue,
		catalog:    cfg.Catalog,
		recipients: cfg.Recipients,
		metrics:    cfg.Metrics,
		clock:      clock,
		logger:     logger,
		policy:     policy,
		locks:      newUserLocks(),
	}, nil
}

// TriggerChain applies the chain-merge decision for one trigger event.
//
// The whole decision (window lookup, merge bookkeeping, job materialization)
// runs under a per-user lock and inside a single database transaction: a
// failure leaves no partial chain behind.
func (s *Scheduler) TriggerChain(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	userUUID, err := NewUserUUID(req.UserUUID)
	if err != nil {
		return TriggerResult{}, newServiceError(opTriggerChain, "invalid_user_uuid", err)
	}
	if req.Email == "" {
		return TriggerResult{}, newServiceError(opTriggerChain, "invalid_email", ErrInvalidEmail)
	}
	geo, err := NewGeo(req.Geo)
	if err != nil {
		return TriggerResult{}, newServiceError(opTriggerChain, "invalid_geo", err)
	}
	quizID, err := NewQuizID(req.QuizID)
	if err != nil {
		return TriggerResult{}, newServiceError(opTriggerChain, "invalid_quiz_id", err)
	}

	now := s.clock().UTC()
	windowExpiresAt := now.Add(s.policy.MergeWindow)

	// Catalog reads happen before the decision transaction opens. The pool is
	// capped at one connection, so a catalog query issued while the
	// transaction holds it would block forever.
	personal, err := s.catalog.FindPersonal(ctx, quizID.Int64(), geo.String())
	if err != nil {
		s.logError(opTriggerChain, "personal_lookup_failed", err,
			zap.Int64("quiz_id", quizID.Int64()),
			zap.String("geo", geo.String()))
		return TriggerResult{}, newServiceError(opTriggerChain, "personal_lookup_failed", err)
	}
	general, err := s.catalog.FindGeneral(ctx, geo.String())
	if err != nil {
		s.logError(opTriggerChain, "general_lookup_failed", err, zap.String("geo", geo.String()))
		return TriggerResult{}, newServiceError(opTriggerChain, "general_lookup_failed", err)
	}

	release := s.locks.acquire(userUUID.String())
	defer release()

	if s.recipients != nil {
		if err := s.recipients.Upsert(ctx, userUUID.String(), req.Email, geo.String(), now); err != nil {
			s.logger.Warn("recipient upsert failed",
				zap.String("user_uuid", userUUID.String()),
				zap.Error(err))
		}
	}

	var result TriggerResult
	state := &txState{}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state.reset()

		ledger := s.ledger.WithTx(tx)

		anchor, err := ledger.FindActiveWindow(ctx, userUUID.String(), now)
		if err != nil {
			s.logError(opTriggerChain, "window_lookup_failed", err, zap.String("user_uuid", userUUID.String()))
			return newServiceError(opTriggerChain, "window_lookup_failed", err)
		}

		if anchor == nil {
			result, err = s.startPersonalChain(ctx, ledger, personalParams{
				userUUID:        userUUID,
				email:           req.Email,
				quizID:          quizID,
				geo:             geo,
				now:             now,
				windowExpiresAt: windowExpiresAt,
				personal:        personal,
				general:         general,
			}, state)
			return err
		}

		result, err = s.mergeIntoWindow(ctx, ledger, anchor, mergeParams{
			userUUID:        userUUID,
			email:           req.Email,
			geo:             geo,
			now:             now,
			windowExpiresAt: windowExpiresAt,
			general:         general,
		}, state)
		return err
	})

	if txErr != nil {
		// The transaction rolled back; discard any queue entries that were
		// created alongside the now-gone ledger rows.
		for _, key := range state.enqueued {
			s.queue.Cancel(key)
		}
		return TriggerResult{}, txErr
	}

	// Queue entries for personal rows deleted during promotion are cancelled
	// only once the deletion is committed, so a rollback cannot strand a
	// still-valid chain without its timers.
	for _, key := range state.toCancel {
		s.queue.Cancel(key)
	}

	switch result.Status {
	case TriggerStatusMerged:
		if s.metrics != nil {
			s.metrics.ChainMerged()
		}
		s.logger.Info("chain merged",
			zap.String("user_uuid", userUUID.String()),
			zap.Int64("root_quiz_id", result.QuizID),
			zap.Int("count", result.Count))
	default:
		s.logger.Info("chain started",
			zap.String("user_uuid", userUUID.String()),
			zap.Int64("quiz_id", result.QuizID),
			zap.Int("steps", result.Steps))
	}

	return result, nil
}

// txState tracks queue side effects of one trigger transaction so they can be
// compensated (rollback) or applied (commit) afterwards.
type txState struct {
	enqueued []string
	toCancel []string
}

func (st *txState) reset() {
	st.enqueued = st.enqueued[:0]
	st.toCancel = st.toCancel[:0]
}

type personalParams struct {
	userUUID        UserUUID
	email           string
	quizID          QuizID
	geo             Geo
	now             time.Time
	windowExpiresAt time.Time
	personal        []templates.Template
	general         []templates.Template
}

func (s *Scheduler) startPersonalChain(ctx context.Context, ledger *Ledger, params personalParams, state *txState) (TriggerResult, error) {
	if len(params.personal) == 0 {
		// A personal chain with no personal content degrades to general
		// content rather than sending nothing.
		s.logger.Info("no personal templates, falling back to general chain",
			zap.Int64("quiz_id", params.quizID.Int64()),
			zap.String("geo", params.geo.String()))
		steps, err := s.startGeneralChain(ctx, ledger, generalParams{
			userUUID:        params.userUUID,
			email:           params.email,
			geo:             params.geo,
			quizCount:       1,
			rootQuizID:      params.quizID.Int64(),
			now:             params.now,
			windowExpiresAt: params.windowExpiresAt,
			general:         params.general,
		}, state)
		if err != nil {
			return TriggerResult{}, err
		}
		return TriggerResult{Status: TriggerStatusNew, QuizID: params.quizID.Int64(), Count: 1, Steps: steps}, nil
	}

	steps, err := s.materialize(ctx, ledger, chainPlan{
		userUUID:        params.userUUID,
		email:           params.email,
		geo:             params.geo,
		chainType:       ChainTypePersonal,
		rootQuizID:      params.quizID.Int64(),
		quizCount:       1,
		now:             params.now,
		windowExpiresAt: params.windowExpiresAt,
		steps:           params.personal,
	}, state)
	if err != nil {
		return TriggerResult{}, err
	}

	if s.metrics != nil {
		s.metrics.ChainStarted(string(ChainTypePersonal))
	}
	return TriggerResult{Status: TriggerStatusNew, QuizID: params.quizID.Int64(), Count: 1, Steps: steps}, nil
}

type mergeParams struct {
	userUUID        UserUUID
	email           string
	geo             Geo
	now             time.Time
	windowExpiresAt time.Time
	general         []templates.Template
}

func (s *Scheduler) mergeIntoWindow(ctx context.Context, ledger *Ledger, anchor *EmailJob, params mergeParams, state *txState) (TriggerResult, error) {
	rootQuizID := *anchor.RootQuizID

	count, err := ledger.CountWindowTriggers(ctx, params.userUUID.String(), params.now.Add(-s.policy.MergeWindow))
	if err != nil {
		s.logError(opTriggerChain, "window_count_failed", err, zap.String("user_uuid", params.userUUID.String()))
		return TriggerResult{}, newServiceError(opTriggerChain, "window_count_failed", err)
	}
	count++ // the incoming trigger itself
	// Anchors are rewritten in place as chains merge, so the row count alone
	// undercounts triggers folded into long-lived windows.
	if anchor.QuizCountAtStart+1 > count {
		count = anchor.QuizCountAtStart + 1
	}

	hasGeneral, err := ledger.HasPendingGeneralAnchor(ctx, params.userUUID.String(), rootQuizID)
	if err != nil {
		s.logError(opTriggerChain, "general_anchor_lookup_failed", err, zap.String("user_uuid", params.userUUID.String()))
		return TriggerResult{}, newServiceError(opTriggerChain, "general_anchor_lookup_failed", err)
	}

	if hasGeneral {
		if err := ledger.BulkUpdatePendingChain(ctx, params.userUUID.String(), rootQuizID, count, params.windowExpiresAt); err != nil {
			s.logError(opTriggerChain, "bulk_update_failed", err,
				zap.String("user_uuid", params.userUUID.String()),
				zap.Int64("root_quiz_id", rootQuizID))
			return TriggerResult{}, newServiceError(opTriggerChain, "bulk_update_failed", err)
		}
		return TriggerResult{Status: TriggerStatusMerged, QuizID: rootQuizID, Count: count}, nil
	}

	// Promote: the pending chain is PERSONAL and must be replaced wholesale
	// by a general sequence reusing the window's root.
	if len(params.general) == 0 {
		// Data gap: the pending personal chain stays as-is, but the merge
		// itself still counts.
		s.logger.Warn("general templates missing for geo, promotion skipped",
			zap.String("geo", params.geo.String()),
			zap.String("user_uuid", params.userUUID.String()),
			zap.Int64("root_quiz_id", rootQuizID))
		if err := ledger.BulkUpdatePendingChain(ctx, params.userUUID.String(), rootQuizID, count, params.windowExpiresAt); err != nil {
			return TriggerResult{}, newServiceError(opTriggerChain, "bulk_update_failed", err)
		}
		return TriggerResult{Status: TriggerStatusMerged, QuizID: rootQuizID, Count: count}, nil
	}

	deleted, err := ledger.DeletePendingPersonal(ctx, params.userUUID.String(), rootQuizID)
	if err != nil {
		s.logError(opTriggerChain, "personal_delete_failed", err,
			zap.String("user_uuid", params.userUUID.String()),
			zap.Int64("root_quiz_id", rootQuizID))
		return TriggerResult{}, newServiceError(opTriggerChain, "personal_delete_failed", err)
	}
	for _, row := range deleted {
		if row.QueueKey != "" {
			state.toCancel = append(state.toCancel, row.QueueKey)
		}
	}

	// A superseded anchor that was already delivered survives the delete above
	// with a still-future window deadline. Clear it so the replacement chain's
	// anchor is the only live window for the user.
	if err := ledger.ClearMergeWindow(ctx, params.userUUID.String(), rootQuizID); err != nil {
		s.logError(opTriggerChain, "window_clear_failed", err,
			zap.String("user_uuid", params.userUUID.String()),
			zap.Int64("root_quiz_id", rootQuizID))
		return TriggerResult{}, newServiceError(opTriggerChain, "window_clear_failed", err)
	}

	if _, err := s.materialize(ctx, ledger, chainPlan{
		userUUID:        params.userUUID,
		email:           params.email,
		geo:             params.geo,
		chainType:       ChainTypeGeneral,
		rootQuizID:      rootQuizID,
		quizCount:       count,
		now:             params.now,
		windowExpiresAt: params.windowExpiresAt,
		steps:           params.general,
	}, state); err != nil {
		return TriggerResult{}, err
	}

	if s.metrics != nil {
		s.metrics.ChainStarted(string(ChainTypeGeneral))
	}
	return TriggerResult{Status: TriggerStatusMerged, QuizID: rootQuizID, Count: count}, nil
}

type generalParams struct {
	userUUID        UserUUID
	email           string
	geo             Geo
	quizCount       int
	rootQuizID      int64
	now             time.Time
	windowExpiresAt time.Time
	general         []templates.Template
}

// startGeneralChain materializes a general sequence, deleting any pending
// personal rows for the pair first. Promotion is exclusive: a user's pending
// chain is either fully PERSONAL or fully GENERAL, never both.
func (s *Scheduler) startGeneralChain(ctx context.Context, ledger *Ledger, params generalParams, state *txState) (int, error) {
	if len(params.general) == 0 {
		s.logger.Warn("no templates found for geo, trigger dropped",
			zap.String("geo", params.geo.String()),
			zap.String("user_uuid", params.userUUID.String()))
		return 0, nil
	}

	deleted, err := ledger.DeletePendingPersonal(ctx, params.userUUID.String(), params.rootQuizID)
	if err != nil {
		return 0, newServiceError(opTriggerChain, "personal_delete_failed", err)
	}
	for _, row := range deleted {
		if row.QueueKey != "" {
			state.toCancel = append(state.toCancel, row.QueueKey)
		}
	}

	steps, err := s.materialize(ctx, ledger, chainPlan{
		userUUID:        params.userUUID,
		email:           params.email,
		geo:             params.geo,
		chainType:       ChainTypeGeneral,
		rootQuizID:      params.rootQuizID,
		quizCount:       params.quizCount,
		now:             params.now,
		windowExpiresAt: params.windowExpiresAt,
		steps:           params.general,
	}, state)
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.ChainStarted(string(ChainTypeGeneral))
	}
	return steps, nil
}

type chainPlan struct {
	userUUID        UserUUID
	email           string
	geo             Geo
	chainType       ChainType
	rootQuizID      int64
	quizCount       int
	now             time.Time
	windowExpiresAt time.Time
	steps           []templates.Template
}

// materialize writes one ledger row and one delayed job per template step.
// Step i fires (i+1) intervals after the trigger; only the first row of the
// chain anchors the merge window.
func (s *Scheduler) materialize(ctx context.Context, ledger *Ledger, plan chainPlan, state *txState) (int, error) {
	generation, err := ledger.CountChainRows(ctx, plan.userUUID.String(), plan.rootQuizID)
	if err != nil {
		return 0, newServiceError(opMaterialize, "generation_count_failed", err)
	}

	for index, tmpl := range plan.steps {
		offset := time.Duration(index+1) * s.policy.StepInterval
		scheduledAt := plan.now.Add(offset)

		job := &EmailJob{
			UserUUID:         plan.userUUID.String(),
			Email:            plan.email,
			TemplateID:       tmpl.ID,
			QuizID:           plan.rootQuizID,
			ChainType:        plan.chainType,
			QuizCountAtStart: plan.quizCount,
			Status:           StatusPending,
			ScheduledAt:      scheduledAt,
			QueueKey:         idempotencyKey(plan.chainType, plan.userUUID.String(), plan.rootQuizID, tmpl.Step, generation),
		}
		if index == 0 {
			root := plan.rootQuizID
			expiresAt := plan.windowExpiresAt
			job.RootQuizID = &root
			job.MergeWindowExpiresAt = &expiresAt
		}

		if err := ledger.CreateJob(ctx, job); err != nil {
			s.logError(opMaterialize, "job_insert_failed", err,
				zap.String("user_uuid", plan.userUUID.String()),
				zap.String("chain_type", string(plan.chainType)),
				zap.Int("step", tmpl.Step))
			return 0, newServiceError(opMaterialize, "job_insert_failed", err)
		}

		payload := JobPayload{
			Email:            plan.email,
			TemplateID:       tmpl.ID,
			UserUUID:         plan.userUUID.String(),
			Step:             tmpl.Step,
			ChainType:        plan.chainType,
			QuizCountAtStart: plan.quizCount,
			Geo:              plan.geo.String(),
			QuizID:           plan.rootQuizID,
			JobID:            job.ID,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, newServiceError(opMaterialize, "payload_marshal_failed", err)
		}

		if err := s.queue.Enqueue(ctx, queue.Task{
			Key:         job.QueueKey,
			Payload:     raw,
			Delay:       offset,
			MaxAttempts: s.policy.MaxAttempts,
			Backoff:     s.policy.RetryBackoff,
		}); err != nil {
			s.logError(opMaterialize, "enqueue_failed", err,
				zap.String("user_uuid", plan.userUUID.String()),
				zap.String("chain_type", string(plan.chainType)),
				zap.Int("step", tmpl.Step))
			return 0, newServiceError(opMaterialize, "enqueue_failed", err)
		}
		state.enqueued = append(state.enqueued, job.QueueKey)

		s.logger.Debug("step scheduled",
			zap.String("chain_type", string(plan.chainType)),
			zap.Int64("job_id", job.ID),
			zap.Int("step", tmpl.Step),
			zap.Duration("offset", offset))
	}

	if s.metrics != nil {
		s.metrics.JobsEnqueued(len(plan.steps))
	}
	return len(plan.steps), nil
}

// idempotencyKey is derived from stable identifiers only. The generation is
// the count of rows ever written for the (user, root) pair, so re-running a
// materialization for a live chain reuses keys and cannot double-enqueue.
func idempotencyKey(chainType ChainType, userUUID string, rootQuizID int64, step int, generation int64) string {
	prefix := "p"
	if chainType == ChainTypeGeneral {
		prefix = "g"
	}
	return fmt.Sprintf("%s-%s-%d-%d-g%d", prefix, userUUID, rootQuizID, step, generation)
}

func (s *Scheduler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chain scheduler error", attrs...)
}

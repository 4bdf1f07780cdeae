package chain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrJobNotFound indicates that no ledger row exists for the identifier.
	ErrJobNotFound = errors.New("chain: job not found")
	// ErrTerminalStatus indicates an update would regress a row that already
	// reached sent or failed. Terminal states are immutable.
	ErrTerminalStatus = errors.New("chain: job already in terminal status")
)

// Ledger provides the durable record of scheduled email jobs.
type Ledger struct {
	db *gorm.DB
}

// NewLedger wraps a database handle in a Ledger.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a Ledger view scoped to the provided transaction handle.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

// FindActiveWindow returns the most recent anchor row whose merge window is
// still open, or nil when the user has no live window. Expiry is strict: a
// window whose deadline equals now is treated as expired.
func (l *Ledger) FindActiveWindow(ctx context.Context, userUUID string, now time.Time) (*EmailJob, error) {
	var job EmailJob
	err := l.db.WithContext(ctx).
		Where("user_uuid = ? AND merge_window_expires_at > ? AND root_quiz_id IS NOT NULL", userUUID, now).
		Order("id DESC").
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CountWindowTriggers counts the anchor rows a user accumulated inside the
// trailing merge window.
func (l *Ledger) CountWindowTriggers(ctx context.Context, userUUID string, windowStart time.Time) (int, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&EmailJob{}).
		Where("user_uuid = ? AND root_quiz_id IS NOT NULL AND merge_window_expires_at >= ?", userUUID, windowStart).
		Count(&count).Error
	return int(count), err
}

// BulkUpdatePendingChain rewrites every pending row of the chain correlated by
// rootQuizID: chain type becomes GENERAL and the trigger count is refreshed.
// The merge window slides forward on the anchor row only, so the anchor-only
// placement of the expiry never leaks onto ordinary step rows.
func (l *Ledger) BulkUpdatePendingChain(ctx context.Context, userUUID string, rootQuizID int64, quizCount int, windowExpiresAt time.Time) error {
	err := l.db.WithContext(ctx).Model(&EmailJob{}).
		Where("user_uuid = ? AND quiz_id = ? AND status = ?", userUUID, rootQuizID, StatusPending).
		Updates(map[string]interface{}{
			"chain_type":          ChainTypeGeneral,
			"quiz_count_at_start": quizCount,
		}).Error
	if err != nil {
		return err
	}
	return l.db.WithContext(ctx).Model(&EmailJob{}).
		Where("user_uuid = ? AND quiz_id = ? AND status = ? AND root_quiz_id IS NOT NULL",
			userUUID, rootQuizID, StatusPending).
		Update("merge_window_expires_at", windowExpiresAt).Error
}

// HasPendingGeneralAnchor reports whether a pending GENERAL anchor row already
// exists for the (user, root) pair.
func (l *Ledger) HasPendingGeneralAnchor(ctx context.Context, userUUID string, rootQuizID int64) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&EmailJob{}).
		Where("user_uuid = ? AND root_quiz_id = ? AND chain_type = ? AND status = ?",
			userUUID, rootQuizID, ChainTypeGeneral, StatusPending).
		Count(&count).Error
	return count > 0, err
}

// DeletePendingPersonal removes the pending PERSONAL rows superseded by a
// promotion and returns them so the caller can cancel their queue entries.
func (l *Ledger) DeletePendingPersonal(ctx context.Context, userUUID string, rootQuizID int64) ([]EmailJob, error) {
	var doomed []EmailJob
	err := l.db.WithContext(ctx).
		Where("user_uuid = ? AND quiz_id = ? AND chain_type = ? AND status = ?",
			userUUID, rootQuizID, ChainTypePersonal, StatusPending).
		Find(&doomed).Error
	if err != nil {
		return nil, err
	}
	if len(doomed) == 0 {
		return nil, nil
	}
	err = l.db.WithContext(ctx).
		Where("user_uuid = ? AND quiz_id = ? AND chain_type = ? AND status = ?",
			userUUID, rootQuizID, ChainTypePersonal, StatusPending).
		Delete(&EmailJob{}).Error
	if err != nil {
		return nil, err
	}
	return doomed, nil
}

// ClearMergeWindow removes the window deadline from every row of the chain.
// Promotion calls it before materializing the replacement sequence so a
// superseded anchor that already reached a terminal status cannot linger as a
// second live window.
func (l *Ledger) ClearMergeWindow(ctx context.Context, userUUID string, rootQuizID int64) error {
	return l.db.WithContext(ctx).Model(&EmailJob{}).
		Where("user_uuid = ? AND quiz_id = ? AND merge_window_expires_at IS NOT NULL", userUUID, rootQuizID).
		Update("merge_window_expires_at", nil).Error
}

// CountChainRows counts every row ever written for the (user, root) pair. The
// scheduler uses it as the chain generation for idempotency keys.
func (l *Ledger) CountChainRows(ctx context.Context, userUUID string, rootQuizID int64) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&EmailJob{}).
		Where("user_uuid = ? AND quiz_id = ?", userUUID, rootQuizID).
		Count(&count).Error
	return count, err
}

// CreateJob inserts a ledger row and populates its identity.
func (l *Ledger) CreateJob(ctx context.Context, job *EmailJob) error {
	return l.db.WithContext(ctx).Create(job).Error
}

// FindJob loads a ledger row by identity. Returns ErrJobNotFound when absent.
func (l *Ledger) FindJob(ctx context.Context, id int64) (*EmailJob, error) {
	var job EmailJob
	err := l.db.WithContext(ctx).Take(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkSent transitions a pending row to sent. Rows already in a terminal
// state are left untouched and ErrTerminalStatus is returned.
func (l *Ledger) MarkSent(ctx context.Context, id int64, attempts int, sentAt time.Time) error {
	return l.markTerminal(ctx, id, map[string]interface{}{
		"status":   StatusSent,
		"attempts": attempts,
		"sent_at":  sentAt,
	})
}

// MarkFailed transitions a pending row to failed with the final attempt count.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, attempts int) error {
	return l.markTerminal(ctx, id, map[string]interface{}{
		"status":   StatusFailed,
		"attempts": attempts,
	})
}

func (l *Ledger) markTerminal(ctx context.Context, id int64, fields map[string]interface{}) error {
	result := l.db.WithContext(ctx).Model(&EmailJob{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var existing EmailJob
	err := l.db.WithContext(ctx).Take(&existing, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return ErrTerminalStatus
}

// RecordAttempt stores the running delivery attempt count and the attempt's
// identifier on a pending row. Terminal rows are left untouched.
func (l *Ledger) RecordAttempt(ctx context.Context, id int64, attempts int, attemptID string) error {
	return l.db.WithContext(ctx).Model(&EmailJob{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"last_attempt_id": attemptID,
		}).Error
}

// FindOverduePending lists never-attempted pending rows whose fire time passed
// before the cutoff. The sweeper re-enqueues them after a restart; rows with
// recorded attempts are excluded so abandoned jobs stay visible as stuck
// instead of retrying forever.
func (l *Ledger) FindOverduePending(ctx context.Context, cutoff time.Time) ([]EmailJob, error) {
	var jobs []EmailJob
	err := l.db.WithContext(ctx).
		Where("status = ? AND attempts = 0 AND scheduled_at <= ?", StatusPending, cutoff).
		Order("scheduled_at ASC").
		Find(&jobs).Error
	return jobs, err
}

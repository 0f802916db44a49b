package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

const ecaTermColumns = `id, school_id, name, start_date, end_date, registration_opens_at, registration_closes_at,
	status, selection_mode, allocation_run, allocation_run_at, created_at, updated_at`

// EcaTermLockPrefix namespaces the per-term advisory lock key.
const EcaTermLockPrefix = "eca-term:"

// EcaTermRepository persists ECA terms and owns the per-term allocation lock.
type EcaTermRepository struct {
	db *sqlx.DB
}

// NewEcaTermRepository constructs the repository.
func NewEcaTermRepository(db *sqlx.DB) *EcaTermRepository {
	return &EcaTermRepository{db: db}
}

func (r *EcaTermRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByID returns a term or sql.ErrNoRows. A nil exec reads from the pool.
func (r *EcaTermRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error) {
	query := fmt.Sprintf(`SELECT %s FROM eca_terms WHERE id = $1`, ecaTermColumns)
	var term models.EcaTerm
	if err := sqlx.GetContext(ctx, r.exec(exec), &term, query, id); err != nil {
		return nil, err
	}
	return &term, nil
}

// LockForUpdate reads the term row under FOR UPDATE inside the caller's transaction.
func (r *EcaTermRepository) LockForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error) {
	query := fmt.Sprintf(`SELECT %s FROM eca_terms WHERE id = $1 FOR UPDATE`, ecaTermColumns)
	var term models.EcaTerm
	if err := sqlx.GetContext(ctx, r.exec(exec), &term, query, id); err != nil {
		return nil, err
	}
	return &term, nil
}

// LockForShare reads the term row under FOR SHARE so status changes wait for the caller's transaction.
func (r *EcaTermRepository) LockForShare(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error) {
	query := fmt.Sprintf(`SELECT %s FROM eca_terms WHERE id = $1 FOR SHARE`, ecaTermColumns)
	var term models.EcaTerm
	if err := sqlx.GetContext(ctx, r.exec(exec), &term, query, id); err != nil {
		return nil, err
	}
	return &term, nil
}

// TryAdvisoryLock takes the transaction-scoped allocation lock of a term without waiting.
func (r *EcaTermRepository) TryAdvisoryLock(ctx context.Context, exec sqlx.ExtContext, termID string) (bool, error) {
	var acquired bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &acquired, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, EcaTermLockPrefix+termID); err != nil {
		return false, fmt.Errorf("acquire eca term lock: %w", err)
	}
	return acquired, nil
}

// UpdateStatus moves a term to a new status.
func (r *EcaTermRepository) UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.EcaTermStatus) error {
	res, err := r.exec(exec).ExecContext(ctx, `UPDATE eca_terms SET status = $2, updated_at = $3 WHERE id = $1`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update eca term status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkAllocationRun records a committed run and completes the allocation phase.
func (r *EcaTermRepository) MarkAllocationRun(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error {
	const query = `UPDATE eca_terms SET allocation_run = TRUE, allocation_run_at = $2, status = $3, updated_at = $2 WHERE id = $1`
	res, err := r.exec(exec).ExecContext(ctx, query, id, at, models.EcaTermStatusAllocationComplete)
	if err != nil {
		return fmt.Errorf("mark eca allocation run: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

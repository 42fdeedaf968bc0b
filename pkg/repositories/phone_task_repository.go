package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/database"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

// PhoneTaskRepository provides data access for manual phone verification tasks.
type PhoneTaskRepository interface {
	// CreateForCheck inserts the task unless one already exists for the same
	// check request, in which case the existing task is returned with created=false.
	CreateForCheck(ctx context.Context, task *models.PhoneTask) (stored *models.PhoneTask, created bool, err error)
	// CreateManual inserts an operator-created task with no check request.
	CreateManual(ctx context.Context, task *models.PhoneTask) error
	Get(ctx context.Context, id uuid.UUID) (*models.PhoneTask, error)
	// List returns tasks newest first; an empty status lists every status.
	List(ctx context.Context, status models.PhoneTaskStatus, limit int) ([]*models.PhoneTask, error)
	CountPending(ctx context.Context) (int, error)
	Update(ctx context.Context, id uuid.UUID, status models.PhoneTaskStatus, note string) (*models.PhoneTask, error)
}

type phoneTaskRepository struct {
	db *database.DB
}

// NewPhoneTaskRepository creates a new PhoneTaskRepository.
func NewPhoneTaskRepository(db *database.DB) PhoneTaskRepository {
	return &phoneTaskRepository{db: db}
}

var _ PhoneTaskRepository = (*phoneTaskRepository)(nil)

const phoneTaskColumns = `
	id, check_request_id, company_name, company_phone, property_name, property_address,
	reason, status, note, created_at, completed_at`

func (r *phoneTaskRepository) CreateForCheck(ctx context.Context, task *models.PhoneTask) (*models.PhoneTask, bool, error) {
	if task.CheckRequestID == nil {
		return nil, false, fmt.Errorf("phone task for a check needs a check request id")
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	query := `
		INSERT INTO phone_tasks (
			id, check_request_id, company_name, company_phone, property_name, property_address, reason, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (check_request_id) DO NOTHING
		RETURNING ` + phoneTaskColumns

	stored, err := scanPhoneTask(r.db.QueryRow(ctx, query,
		task.ID, task.CheckRequestID, task.CompanyName, task.CompanyPhone,
		task.PropertyName, task.PropertyAddress, task.Reason))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create phone task: %w", err)
	}

	existing, err := scanPhoneTask(r.db.QueryRow(ctx,
		`SELECT `+phoneTaskColumns+` FROM phone_tasks WHERE check_request_id = $1`, task.CheckRequestID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing phone task: %w", err)
	}
	return existing, false, nil
}

func (r *phoneTaskRepository) CreateManual(ctx context.Context, task *models.PhoneTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.CheckRequestID = nil
	task.Reason = models.ReasonManual
	task.Status = models.PhoneTaskPending

	query := `
		INSERT INTO phone_tasks (
			id, company_name, company_phone, property_name, property_address, reason, status, note
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		task.ID, task.CompanyName, task.CompanyPhone, task.PropertyName, task.PropertyAddress,
		task.Reason, task.Status, task.Note,
	).Scan(&task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create manual phone task: %w", err)
	}
	return nil
}

func (r *phoneTaskRepository) Get(ctx context.Context, id uuid.UUID) (*models.PhoneTask, error) {
	task, err := scanPhoneTask(r.db.QueryRow(ctx,
		`SELECT `+phoneTaskColumns+` FROM phone_tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("phone task %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return task, nil
}

func (r *phoneTaskRepository) List(ctx context.Context, status models.PhoneTaskStatus, limit int) ([]*models.PhoneTask, error) {
	query := `SELECT ` + phoneTaskColumns + `
		FROM phone_tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list phone tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*models.PhoneTask, 0)
	for rows.Next() {
		task, err := scanPhoneTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phone tasks: %w", err)
	}
	return tasks, nil
}

func (r *phoneTaskRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM phone_tasks WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending phone tasks: %w", err)
	}
	return n, nil
}

func (r *phoneTaskRepository) Update(ctx context.Context, id uuid.UUID, status models.PhoneTaskStatus, note string) (*models.PhoneTask, error) {
	query := `
		UPDATE phone_tasks
		SET status = $2,
			note = $3,
			completed_at = CASE WHEN $2 = 'pending' THEN NULL ELSE COALESCE(completed_at, NOW()) END
		WHERE id = $1
		RETURNING ` + phoneTaskColumns

	task, err := scanPhoneTask(r.db.QueryRow(ctx, query, id, string(status), note))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("phone task %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update phone task: %w", err)
	}
	return task, nil
}

// ============================================================================
// Helper Functions - Scan
// ============================================================================

func scanPhoneTask(row pgx.Row) (*models.PhoneTask, error) {
	var t models.PhoneTask
	err := row.Scan(
		&t.ID, &t.CheckRequestID, &t.CompanyName, &t.CompanyPhone, &t.PropertyName, &t.PropertyAddress,
		&t.Reason, &t.Status, &t.Note, &t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan phone task: %w", err)
	}
	return &t, nil
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/database"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

// CheckRequestRepository provides data access for vacancy check requests.
type CheckRequestRepository interface {
	Create(ctx context.Context, req *models.CheckRequest) error
	Get(ctx context.Context, id uuid.UUID) (*models.CheckRequest, error)
	ListRecent(ctx context.Context, limit int) ([]*models.CheckRequest, error)
	// ListUnfinished returns the ids of checks a pipeline still has to drive,
	// oldest first. Checks waiting for an operator's channel are excluded.
	ListUnfinished(ctx context.Context) ([]uuid.UUID, error)
	// Transition applies t as a single guarded UPDATE. It fails with
	// ErrInvalidTransition when the stored status is not t.From and with
	// ErrCompletedImmutable when the row is already completed.
	Transition(ctx context.Context, id uuid.UUID, t *models.CheckTransition) (*models.CheckRequest, error)
}

type checkRequestRepository struct {
	db *database.DB
}

// NewCheckRequestRepository creates a new CheckRequestRepository.
func NewCheckRequestRepository(db *database.DB) CheckRequestRepository {
	return &checkRequestRepository{db: db}
}

var _ CheckRequestRepository = (*checkRequestRepository)(nil)

const checkRequestColumns = `
	id, submitted_url, portal_source,
	property_name, property_address, property_rent, property_area, property_layout, property_build_year,
	matched, company_id, company_name, company_phone, channel, channel_auto, remember_channel,
	status, vacancy_outcome, error_message, created_at, updated_at, completed_at`

func (r *checkRequestRepository) Create(ctx context.Context, req *models.CheckRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = models.CheckStatusPending
	}

	query := `
		INSERT INTO check_requests (id, submitted_url, portal_source, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, req.ID, req.SubmittedURL, req.Portal, req.Status).
		Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create check request: %w", err)
	}
	return nil
}

func (r *checkRequestRepository) Get(ctx context.Context, id uuid.UUID) (*models.CheckRequest, error) {
	query := `SELECT ` + checkRequestColumns + ` FROM check_requests WHERE id = $1`

	req, err := scanCheckRequest(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check request %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return req, nil
}

func (r *checkRequestRepository) ListRecent(ctx context.Context, limit int) ([]*models.CheckRequest, error) {
	query := `SELECT ` + checkRequestColumns + `
		FROM check_requests
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list check requests: %w", err)
	}
	defer rows.Close()

	reqs := make([]*models.CheckRequest, 0)
	for rows.Next() {
		req, err := scanCheckRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating check requests: %w", err)
	}
	return reqs, nil
}

func (r *checkRequestRepository) ListUnfinished(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM check_requests
		WHERE completed_at IS NULL AND status <> $1
		ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, models.CheckStatusAwaitingChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished check requests: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("error iterating unfinished check requests: %w", err)
	}
	return ids, nil
}

func (r *checkRequestRepository) Transition(ctx context.Context, id uuid.UUID, t *models.CheckTransition) (*models.CheckRequest, error) {
	if err := ValidateTransition(t); err != nil {
		return nil, err
	}

	set, args := transitionAssignments(t)
	args = append([]any{id, t.From}, args...)

	query := `UPDATE check_requests SET ` + strings.Join(set, ", ") + `
		WHERE id = $1 AND status = $2 AND completed_at IS NULL
		RETURNING ` + checkRequestColumns

	req, err := scanCheckRequest(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isCheckViolation(err) {
			return nil, fmt.Errorf("check request %s: %w", id, apperrors.ErrCompletedImmutable)
		}
		return nil, err
	}

	// Guard did not match: report why.
	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current.IsCompleted() {
		return nil, fmt.Errorf("check request %s is %s: %w", id, current.Status, apperrors.ErrCompletedImmutable)
	}
	return nil, fmt.Errorf("check request %s is %s, not %s: %w",
		id, current.Status, t.From, apperrors.ErrInvalidTransition)
}

// ValidateTransition checks a transition against the status graph and the
// outcome invariant before it reaches storage.
func ValidateTransition(t *models.CheckTransition) error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%s -> %s: %w", t.From, t.To, apperrors.ErrInvalidTransition)
	}
	if t.To.HasOutcome() != (t.Outcome != nil) {
		return fmt.Errorf("%s requires outcome=%v: %w", t.To, t.To.HasOutcome(), apperrors.ErrInvalidTransition)
	}
	if t.Outcome != nil && !t.Outcome.IsValid() {
		return fmt.Errorf("unknown outcome %q: %w", *t.Outcome, apperrors.ErrInvalidTransition)
	}
	if t.To == models.CheckStatusFailed && (t.ErrorMessage == nil || *t.ErrorMessage == "") {
		return fmt.Errorf("failed transition needs an error message: %w", apperrors.ErrInvalidTransition)
	}
	return nil
}

// transitionAssignments builds the SET list. Placeholders start at $3
// because $1 and $2 are the id and expected status.
func transitionAssignments(t *models.CheckTransition) ([]string, []any) {
	var set []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)+2))
	}

	add("status", t.To)
	if l := t.Listing; l != nil {
		add("property_name", l.Name)
		add("property_address", l.Address)
		add("property_rent", l.Rent)
		add("property_area", l.Area)
		add("property_layout", l.Layout)
		add("property_build_year", l.BuildYear)
	}
	if t.Matched != nil {
		add("matched", *t.Matched)
	}
	if t.CompanyID != nil {
		add("company_id", *t.CompanyID)
	}
	if t.CompanyName != nil {
		add("company_name", *t.CompanyName)
	}
	if t.CompanyPhone != nil {
		add("company_phone", *t.CompanyPhone)
	}
	if t.Channel != nil {
		add("channel", *t.Channel)
	}
	if t.ChannelAuto != nil {
		add("channel_auto", *t.ChannelAuto)
	}
	if t.Remember != nil {
		add("remember_channel", *t.Remember)
	}
	if t.Outcome != nil {
		add("vacancy_outcome", *t.Outcome)
	}
	if t.ErrorMessage != nil {
		add("error_message", *t.ErrorMessage)
	}

	set = append(set, "updated_at = NOW()")
	if t.To.IsTerminal() {
		set = append(set, "completed_at = NOW()")
	}
	return set, args
}

// ============================================================================
// Helper Functions - Scan
// ============================================================================

func scanCheckRequest(row pgx.Row) (*models.CheckRequest, error) {
	var c models.CheckRequest
	var outcome *string

	err := row.Scan(
		&c.ID, &c.SubmittedURL, &c.Portal,
		&c.Name, &c.Address, &c.Rent, &c.Area, &c.Layout, &c.BuildYear,
		&c.Matched, &c.CompanyID, &c.CompanyName, &c.CompanyPhone, &c.Channel, &c.ChannelAuto, &c.RememberChannel,
		&c.Status, &outcome, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan check request: %w", err)
	}

	if outcome != nil {
		o := models.VacancyOutcome(*outcome)
		c.Outcome = &o
	}
	return &c, nil
}

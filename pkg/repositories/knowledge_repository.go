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

// KnowledgeRepository provides data access for learned company -> channel entries.
// Counter changes happen in SQL so concurrent pipelines never lose an update.
type KnowledgeRepository interface {
	Create(ctx context.Context, entry *models.KnowledgeEntry) error
	List(ctx context.Context) ([]*models.KnowledgeEntry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.KnowledgeEntry, error)
	// GetByCompany returns nil, nil when the company has no entry.
	GetByCompany(ctx context.Context, companyID string) (*models.KnowledgeEntry, error)
	Update(ctx context.Context, entry *models.KnowledgeEntry) error
	Delete(ctx context.Context, id uuid.UUID) error

	// UpsertRemembered creates the entry with use_count=1, or sets the channel
	// and increments use_count if the company already has one.
	UpsertRemembered(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error)
	// IncrementUsage bumps use_count and last_used_at. Returns false when the
	// company has no entry.
	IncrementUsage(ctx context.Context, companyID string) (bool, error)
	// MarkRequiresPhone flags the company as phone-only, creating the entry if needed.
	// An entry that already has a channel is left alone; marked reports whether
	// the flag was set.
	MarkRequiresPhone(ctx context.Context, companyID, companyName, companyPhone string) (marked bool, err error)
}

type knowledgeRepository struct {
	db *database.DB
}

// NewKnowledgeRepository creates a new KnowledgeRepository.
func NewKnowledgeRepository(db *database.DB) KnowledgeRepository {
	return &knowledgeRepository{db: db}
}

var _ KnowledgeRepository = (*knowledgeRepository)(nil)

const knowledgeColumns = `
	id, company_id, company_name, company_phone, channel, use_count,
	requires_phone, last_used_at, created_at`

func (r *knowledgeRepository) Create(ctx context.Context, entry *models.KnowledgeEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `
		INSERT INTO company_channel_knowledge (
			id, company_id, company_name, company_phone, channel, use_count, requires_phone
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING last_used_at, created_at`

	err := r.db.QueryRow(ctx, query,
		entry.ID, entry.CompanyID, entry.CompanyName, entry.CompanyPhone,
		entry.Channel, entry.UseCount, entry.RequiresPhone,
	).Scan(&entry.LastUsedAt, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("company %s already has an entry: %w", entry.CompanyID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create knowledge entry: %w", err)
	}
	return nil
}

func (r *knowledgeRepository) List(ctx context.Context) ([]*models.KnowledgeEntry, error) {
	query := `SELECT ` + knowledgeColumns + `
		FROM company_channel_knowledge
		ORDER BY use_count DESC, last_used_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.KnowledgeEntry, 0)
	for rows.Next() {
		e, err := scanKnowledgeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge entries: %w", err)
	}
	return entries, nil
}

func (r *knowledgeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.KnowledgeEntry, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM company_channel_knowledge WHERE id = $1`

	e, err := scanKnowledgeEntry(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("knowledge entry %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return e, nil
}

func (r *knowledgeRepository) GetByCompany(ctx context.Context, companyID string) (*models.KnowledgeEntry, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM company_channel_knowledge WHERE company_id = $1`

	e, err := scanKnowledgeEntry(r.db.QueryRow(ctx, query, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	return e, nil
}

func (r *knowledgeRepository) Update(ctx context.Context, entry *models.KnowledgeEntry) error {
	query := `
		UPDATE company_channel_knowledge
		SET company_name = $2, company_phone = $3, channel = $4, requires_phone = $5
		WHERE id = $1
		RETURNING ` + knowledgeColumns

	updated, err := scanKnowledgeEntry(r.db.QueryRow(ctx, query,
		entry.ID, entry.CompanyName, entry.CompanyPhone, entry.Channel, entry.RequiresPhone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("knowledge entry %s: %w", entry.ID, apperrors.ErrNotFound)
		}
		return err
	}
	*entry = *updated
	return nil
}

func (r *knowledgeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM company_channel_knowledge WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("knowledge entry %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func (r *knowledgeRepository) UpsertRemembered(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error) {
	query := `
		INSERT INTO company_channel_knowledge (
			id, company_id, company_name, company_phone, channel, use_count
		) VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (company_id)
		DO UPDATE SET
			channel = EXCLUDED.channel,
			requires_phone = FALSE,
			company_name = COALESCE(NULLIF(EXCLUDED.company_name, ''), company_channel_knowledge.company_name),
			company_phone = COALESCE(NULLIF(EXCLUDED.company_phone, ''), company_channel_knowledge.company_phone),
			use_count = company_channel_knowledge.use_count + 1,
			last_used_at = NOW()
		RETURNING ` + knowledgeColumns

	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	e, err := scanKnowledgeEntry(r.db.QueryRow(ctx, query,
		id, entry.CompanyID, entry.CompanyName, entry.CompanyPhone, entry.Channel))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert knowledge entry: %w", err)
	}
	return e, nil
}

func (r *knowledgeRepository) IncrementUsage(ctx context.Context, companyID string) (bool, error) {
	query := `
		UPDATE company_channel_knowledge
		SET use_count = use_count + 1, last_used_at = NOW()
		WHERE company_id = $1`

	result, err := r.db.Exec(ctx, query, companyID)
	if err != nil {
		return false, fmt.Errorf("failed to increment knowledge usage: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *knowledgeRepository) MarkRequiresPhone(ctx context.Context, companyID, companyName, companyPhone string) (bool, error) {
	query := `
		INSERT INTO company_channel_knowledge (
			id, company_id, company_name, company_phone, requires_phone
		) VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (company_id)
		DO UPDATE SET requires_phone = TRUE
		WHERE company_channel_knowledge.channel = ''`

	result, err := r.db.Exec(ctx, query, uuid.New(), companyID, companyName, companyPhone)
	if err != nil {
		return false, fmt.Errorf("failed to mark company as phone-only: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ============================================================================
// Helper Functions - Scan
// ============================================================================

func scanKnowledgeEntry(row pgx.Row) (*models.KnowledgeEntry, error) {
	var e models.KnowledgeEntry
	err := row.Scan(
		&e.ID, &e.CompanyID, &e.CompanyName, &e.CompanyPhone, &e.Channel, &e.UseCount,
		&e.RequiresPhone, &e.LastUsedAt, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
	}
	return &e, nil
}

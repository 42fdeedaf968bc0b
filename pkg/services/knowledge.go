package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/repositories"
)

// KnowledgeService manages the learned company -> channel preferences.
type KnowledgeService interface {
	// List returns all entries, most used first.
	List(ctx context.Context) ([]*models.KnowledgeEntry, error)

	// Get returns one entry by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.KnowledgeEntry, error)

	// Create adds an entry entered by an operator. The company key is derived
	// from the company name when not given.
	Create(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error)

	// Update changes name, phone, channel or the phone-only flag of an entry.
	// UseCount is never touched.
	Update(ctx context.Context, id uuid.UUID, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error)

	// Delete removes an entry.
	Delete(ctx context.Context, id uuid.UUID) error

	// Lookup returns the entry for a company key, or nil if there is none.
	Lookup(ctx context.Context, companyID string) (*models.KnowledgeEntry, error)

	// Remember records an operator's channel choice for a company and counts it as one use.
	Remember(ctx context.Context, companyID, companyName, companyPhone string, channel models.Channel) (*models.KnowledgeEntry, error)

	// RecordUsage counts one successful automatic check for the company.
	RecordUsage(ctx context.Context, companyID string) error

	// MarkRequiresPhone routes future checks for the company straight to a phone call.
	// Companies with a learned channel keep it.
	MarkRequiresPhone(ctx context.Context, companyID, companyName, companyPhone string) error
}

type knowledgeService struct {
	repo   repositories.KnowledgeRepository
	logger *zap.Logger
}

// NewKnowledgeService creates a new knowledge service.
func NewKnowledgeService(repo repositories.KnowledgeRepository, logger *zap.Logger) KnowledgeService {
	return &knowledgeService{
		repo:   repo,
		logger: logger.Named("knowledge"),
	}
}

var _ KnowledgeService = (*knowledgeService)(nil)

func (s *knowledgeService) List(ctx context.Context) ([]*models.KnowledgeEntry, error) {
	return s.repo.List(ctx)
}

func (s *knowledgeService) Get(ctx context.Context, id uuid.UUID) (*models.KnowledgeEntry, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *knowledgeService) Create(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error) {
	e := *entry
	e.ID = uuid.Nil
	e.CompanyName = strings.TrimSpace(e.CompanyName)
	if e.CompanyID == "" {
		e.CompanyID = dataset.CompanyKey(e.CompanyName)
	} else {
		e.CompanyID = dataset.CompanyKey(e.CompanyID)
	}
	if e.CompanyID == "" {
		return nil, fmt.Errorf("company name is required: %w", apperrors.ErrInvalidInput)
	}
	if err := validateEntryChannel(&e); err != nil {
		return nil, err
	}
	if phone, ok := dataset.NormalizePhone(e.CompanyPhone); ok {
		e.CompanyPhone = phone
	}
	if e.UseCount < 0 {
		e.UseCount = 0
	}

	if err := s.repo.Create(ctx, &e); err != nil {
		return nil, err
	}

	s.logger.Info("Knowledge entry created",
		zap.String("company_id", e.CompanyID),
		zap.String("channel", string(e.Channel)),
		zap.Bool("requires_phone", e.RequiresPhone))
	return &e, nil
}

func (s *knowledgeService) Update(ctx context.Context, id uuid.UUID, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error) {
	e := *entry
	e.ID = id
	if err := validateEntryChannel(&e); err != nil {
		return nil, err
	}
	if phone, ok := dataset.NormalizePhone(e.CompanyPhone); ok {
		e.CompanyPhone = phone
	}

	if err := s.repo.Update(ctx, &e); err != nil {
		return nil, err
	}

	s.logger.Info("Knowledge entry updated",
		zap.String("id", id.String()),
		zap.String("channel", string(e.Channel)))
	return &e, nil
}

func (s *knowledgeService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Knowledge entry deleted", zap.String("id", id.String()))
	return nil
}

func (s *knowledgeService) Lookup(ctx context.Context, companyID string) (*models.KnowledgeEntry, error) {
	if companyID == "" {
		return nil, nil
	}
	return s.repo.GetByCompany(ctx, companyID)
}

func (s *knowledgeService) Remember(ctx context.Context, companyID, companyName, companyPhone string, channel models.Channel) (*models.KnowledgeEntry, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("%q: %w", channel, apperrors.ErrInvalidChannel)
	}
	if companyID == "" {
		return nil, fmt.Errorf("cannot remember a channel without a company")
	}

	e, err := s.repo.UpsertRemembered(ctx, &models.KnowledgeEntry{
		CompanyID:    companyID,
		CompanyName:  companyName,
		CompanyPhone: companyPhone,
		Channel:      channel,
	})
	if err != nil {
		s.logger.Error("Failed to remember channel",
			zap.String("company_id", companyID),
			zap.String("channel", string(channel)),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Channel remembered",
		zap.String("company_id", companyID),
		zap.String("channel", string(channel)),
		zap.Int64("use_count", e.UseCount))
	return e, nil
}

func (s *knowledgeService) RecordUsage(ctx context.Context, companyID string) error {
	found, err := s.repo.IncrementUsage(ctx, companyID)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Warn("Usage recorded for a company with no entry", zap.String("company_id", companyID))
	}
	return nil
}

func (s *knowledgeService) MarkRequiresPhone(ctx context.Context, companyID, companyName, companyPhone string) error {
	if companyID == "" {
		companyID = dataset.CompanyKey(companyName)
	}
	if companyID == "" {
		return nil
	}
	marked, err := s.repo.MarkRequiresPhone(ctx, companyID, companyName, companyPhone)
	if err != nil {
		return err
	}
	if !marked {
		s.logger.Debug("Company keeps its learned channel", zap.String("company_id", companyID))
		return nil
	}
	s.logger.Info("Company marked as phone-only", zap.String("company_id", companyID))
	return nil
}

// validateEntryChannel requires a canonical channel unless the entry is
// phone-only, in which case the channel may be empty.
func validateEntryChannel(e *models.KnowledgeEntry) error {
	if e.Channel == "" && e.RequiresPhone {
		return nil
	}
	if !e.Channel.IsValid() {
		return fmt.Errorf("%q: %w", e.Channel, apperrors.ErrInvalidChannel)
	}
	return nil
}

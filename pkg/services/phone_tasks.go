package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/repositories"
)

const (
	DefaultPhoneTaskLimit = 100
	MaxPhoneTaskLimit     = 500
)

// PhoneTaskService creates and tracks the manual phone calls that back up
// automated checks.
type PhoneTaskService interface {
	// CreateForCheck creates the phone task of a check. Calling it again for
	// the same check returns the existing task.
	CreateForCheck(ctx context.Context, req *models.CheckRequest, reason models.PhoneTaskReason) (*models.PhoneTask, error)

	// CreateManual creates an operator task that belongs to no check.
	CreateManual(ctx context.Context, task *models.PhoneTask) (*models.PhoneTask, error)

	Get(ctx context.Context, id uuid.UUID) (*models.PhoneTask, error)

	// List returns tasks with the given status (all when empty), newest first.
	List(ctx context.Context, status models.PhoneTaskStatus, limit int) ([]*models.PhoneTask, error)

	CountPending(ctx context.Context) (int, error)

	// Update sets status and note. Completing a task teaches the knowledge
	// store that the company needs a phone call.
	Update(ctx context.Context, id uuid.UUID, status models.PhoneTaskStatus, note string) (*models.PhoneTask, error)
}

type phoneTaskService struct {
	repo      repositories.PhoneTaskRepository
	checks    repositories.CheckRequestRepository
	knowledge KnowledgeService
	logger    *zap.Logger
}

// NewPhoneTaskService creates a new phone task service.
func NewPhoneTaskService(
	repo repositories.PhoneTaskRepository,
	checks repositories.CheckRequestRepository,
	knowledge KnowledgeService,
	logger *zap.Logger,
) PhoneTaskService {
	return &phoneTaskService{
		repo:      repo,
		checks:    checks,
		knowledge: knowledge,
		logger:    logger.Named("phone-tasks"),
	}
}

var _ PhoneTaskService = (*phoneTaskService)(nil)

func (s *phoneTaskService) CreateForCheck(ctx context.Context, req *models.CheckRequest, reason models.PhoneTaskReason) (*models.PhoneTask, error) {
	if !reason.IsValid() || reason == models.ReasonManual {
		return nil, fmt.Errorf("phone task reason %q: %w", reason, apperrors.ErrInvalidInput)
	}

	id := req.ID
	task, created, err := s.repo.CreateForCheck(ctx, &models.PhoneTask{
		CheckRequestID:  &id,
		CompanyName:     req.CompanyName,
		CompanyPhone:    req.CompanyPhone,
		PropertyName:    req.Name,
		PropertyAddress: req.Address,
		Reason:          reason,
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.Info("Phone task created",
			zap.String("check_id", req.ID.String()),
			zap.String("task_id", task.ID.String()),
			zap.String("reason", string(reason)))
	} else {
		s.logger.Debug("Phone task already exists",
			zap.String("check_id", req.ID.String()),
			zap.String("task_id", task.ID.String()))
	}
	return task, nil
}

func (s *phoneTaskService) CreateManual(ctx context.Context, task *models.PhoneTask) (*models.PhoneTask, error) {
	t := *task
	t.ID = uuid.Nil
	t.CompanyName = strings.TrimSpace(t.CompanyName)
	if t.CompanyName == "" && t.CompanyPhone == "" {
		return nil, fmt.Errorf("company name or phone is required: %w", apperrors.ErrInvalidInput)
	}

	if err := s.repo.CreateManual(ctx, &t); err != nil {
		return nil, err
	}
	s.logger.Info("Manual phone task created", zap.String("task_id", t.ID.String()))
	return &t, nil
}

func (s *phoneTaskService) Get(ctx context.Context, id uuid.UUID) (*models.PhoneTask, error) {
	return s.repo.Get(ctx, id)
}

func (s *phoneTaskService) List(ctx context.Context, status models.PhoneTaskStatus, limit int) ([]*models.PhoneTask, error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("phone task status %q: %w", status, apperrors.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultPhoneTaskLimit
	}
	if limit > MaxPhoneTaskLimit {
		limit = MaxPhoneTaskLimit
	}
	return s.repo.List(ctx, status, limit)
}

func (s *phoneTaskService) CountPending(ctx context.Context) (int, error) {
	return s.repo.CountPending(ctx)
}

func (s *phoneTaskService) Update(ctx context.Context, id uuid.UUID, status models.PhoneTaskStatus, note string) (*models.PhoneTask, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("phone task status %q: %w", status, apperrors.ErrInvalidInput)
	}

	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	task, err := s.repo.Update(ctx, id, status, note)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Phone task updated",
		zap.String("task_id", id.String()),
		zap.String("status", string(status)))

	if status == models.PhoneTaskCompleted && before.Status != models.PhoneTaskCompleted {
		s.learn(ctx, task)
	}
	return task, nil
}

// learn marks the task's company as phone-only. A task caused by missing
// channel credentials says nothing about the company, so it is skipped.
// A company with a learned channel keeps auto-selecting it.
func (s *phoneTaskService) learn(ctx context.Context, task *models.PhoneTask) {
	if task.Reason == models.ReasonChannelUnavailable {
		return
	}

	var companyID string
	if task.CheckRequestID != nil {
		req, err := s.checks.Get(ctx, *task.CheckRequestID)
		if err != nil {
			s.logger.Warn("Could not load check for completed phone task",
				zap.String("task_id", task.ID.String()),
				zap.Error(err))
		} else {
			companyID = req.CompanyID
		}
	}

	if err := s.knowledge.MarkRequiresPhone(ctx, companyID, task.CompanyName, task.CompanyPhone); err != nil {
		s.logger.Error("Failed to learn phone-only company",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
	}
}

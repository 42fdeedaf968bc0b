package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/channels"
	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/logging"
	"github.com/akikaku/akikaku-engine/pkg/matcher"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/portal"
	"github.com/akikaku/akikaku-engine/pkg/repositories"
	"github.com/akikaku/akikaku-engine/pkg/retry"
	"github.com/akikaku/akikaku-engine/pkg/services/pipeline"
)

const (
	DefaultCheckListLimit = 50
	MaxCheckListLimit     = 200

	// failWriteTimeout bounds the write that records a failure after the
	// pipeline context is already gone.
	failWriteTimeout = 10 * time.Second
)

// SnapshotSource provides the property dataset currently served.
type SnapshotSource interface {
	Current() *dataset.Snapshot
}

// TaskRunner starts background work. *pipeline.Runner implements it.
type TaskRunner interface {
	Enqueue(task pipeline.Task) error
}

// CompletionListener is told about every check that reached a terminal state.
// Implementations handle their own failures.
type CompletionListener interface {
	CheckCompleted(ctx context.Context, req *models.CheckRequest)
}

// CheckService orchestrates vacancy checks from URL submission to outcome.
type CheckService interface {
	// Submit records a check and starts its pipeline. It returns as soon as
	// the check is in parsing.
	Submit(ctx context.Context, rawURL string) (*models.CheckRequest, error)

	Get(ctx context.Context, id uuid.UUID) (*models.CheckRequest, error)

	// List returns the most recent checks, newest first.
	List(ctx context.Context, limit int) ([]*models.CheckRequest, error)

	// SubmitChannel resumes a check that waits for an operator's channel
	// choice. Any other state yields apperrors.ErrInvalidTransition.
	SubmitChannel(ctx context.Context, id uuid.UUID, channel models.Channel, remember bool) (*models.CheckRequest, error)

	// Run advances a check as far as it can go without operator input.
	Run(ctx context.Context, id uuid.UUID) error

	// Resume restarts the pipeline of every check left unfinished by a
	// previous process and returns how many were enqueued.
	Resume(ctx context.Context) (int, error)
}

type checkService struct {
	repo      repositories.CheckRequestRepository
	parser    portal.Parser
	snapshots SnapshotSource
	matcher   matcher.Matcher
	resolver  ChannelResolver
	checker   VacancyChecker
	phone     PhoneTaskService
	knowledge KnowledgeService
	runner    TaskRunner
	listeners []CompletionListener
	logger    *zap.Logger
}

// NewCheckService creates the check orchestrator.
func NewCheckService(
	repo repositories.CheckRequestRepository,
	parser portal.Parser,
	snapshots SnapshotSource,
	m matcher.Matcher,
	resolver ChannelResolver,
	checker VacancyChecker,
	phone PhoneTaskService,
	knowledge KnowledgeService,
	runner TaskRunner,
	logger *zap.Logger,
	listeners ...CompletionListener,
) CheckService {
	return &checkService{
		repo:      repo,
		parser:    parser,
		snapshots: snapshots,
		matcher:   m,
		resolver:  resolver,
		checker:   checker,
		phone:     phone,
		knowledge: knowledge,
		runner:    runner,
		listeners: listeners,
		logger:    logger.Named("checks"),
	}
}

var _ CheckService = (*checkService)(nil)

// ============================================================================
// Public operations
// ============================================================================

func (s *checkService) Submit(ctx context.Context, rawURL string) (*models.CheckRequest, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required: %w", apperrors.ErrInvalidInput)
	}

	p, err := portal.Classify(rawURL)
	if err != nil {
		p = models.PortalUnknown
	}

	req := &models.CheckRequest{
		ID:           uuid.New(),
		SubmittedURL: rawURL,
		Portal:       p,
		Status:       models.CheckStatusPending,
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, err
	}

	started, err := s.repo.Transition(ctx, req.ID, &models.CheckTransition{
		From: models.CheckStatusPending,
		To:   models.CheckStatusParsing,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Check submitted",
		zap.String("check_id", req.ID.String()),
		zap.String("portal", string(p)),
		zap.String("url", logging.SanitizeURL(rawURL)))

	if err := s.enqueue(started.ID); err != nil {
		s.fail(ctx, started, "service is shutting down")
		return nil, err
	}
	return started, nil
}

func (s *checkService) Get(ctx context.Context, id uuid.UUID) (*models.CheckRequest, error) {
	return s.repo.Get(ctx, id)
}

func (s *checkService) List(ctx context.Context, limit int) ([]*models.CheckRequest, error) {
	if limit <= 0 {
		limit = DefaultCheckListLimit
	}
	if limit > MaxCheckListLimit {
		limit = MaxCheckListLimit
	}
	return s.repo.ListRecent(ctx, limit)
}

func (s *checkService) SubmitChannel(ctx context.Context, id uuid.UUID, channel models.Channel, remember bool) (*models.CheckRequest, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("%q: %w", channel, apperrors.ErrInvalidChannel)
	}

	auto := false
	req, err := s.repo.Transition(ctx, id, &models.CheckTransition{
		From:        models.CheckStatusAwaitingChannel,
		To:          models.CheckStatusChecking,
		Channel:     &channel,
		ChannelAuto: &auto,
		Remember:    &remember,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Channel selected",
		zap.String("check_id", id.String()),
		zap.String("channel", string(channel)),
		zap.Bool("remember", remember))

	if remember && req.CompanyID != "" {
		if _, err := s.knowledge.Remember(ctx, req.CompanyID, req.CompanyName, req.CompanyPhone, channel); err != nil {
			s.logger.Error("Failed to remember channel choice",
				zap.String("check_id", id.String()),
				zap.Error(err))
		}
	}

	if err := s.enqueue(req.ID); err != nil {
		s.fail(ctx, req, "service is shutting down")
		return nil, err
	}
	return req, nil
}

func (s *checkService) Resume(ctx context.Context) (int, error) {
	ids, err := s.repo.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}

	for i, id := range ids {
		if err := s.enqueue(id); err != nil {
			return i, err
		}
	}
	if len(ids) > 0 {
		s.logger.Info("Resumed unfinished checks", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

func (s *checkService) enqueue(id uuid.UUID) error {
	return s.runner.Enqueue(pipeline.NewFuncTask(id.String(), "check", func(ctx context.Context) error {
		return s.Run(ctx, id)
	}))
}

// ============================================================================
// Pipeline
// ============================================================================

func (s *checkService) Run(ctx context.Context, id uuid.UUID) error {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			s.failCancelled(ctx, id)
		}
		return err
	}

	for !req.Status.IsTerminal() && req.Status != models.CheckStatusAwaitingChannel {
		var next *models.CheckRequest
		switch req.Status {
		case models.CheckStatusPending:
			next, err = s.transition(ctx, req, &models.CheckTransition{To: models.CheckStatusParsing})
		case models.CheckStatusParsing:
			next, err = s.parse(ctx, req)
		case models.CheckStatusMatching:
			next, err = s.match(ctx, req)
		case models.CheckStatusChecking:
			next, err = s.check(ctx, req)
		default:
			err = fmt.Errorf("check %s in unknown status %q", id, req.Status)
		}

		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidTransition) || errors.Is(err, apperrors.ErrCompletedImmutable) {
				// Another actor moved the check; its snapshot is authoritative.
				s.logger.Info("Check moved concurrently, stopping pipeline",
					zap.String("check_id", id.String()),
					zap.String("status", string(req.Status)))
				return nil
			}
			s.fail(ctx, req, "internal error: "+logging.SanitizeError(err))
			return err
		}
		req = next
	}
	return nil
}

// transition applies t from the request's current status and announces
// terminal states.
func (s *checkService) transition(ctx context.Context, req *models.CheckRequest, t *models.CheckTransition) (*models.CheckRequest, error) {
	t.From = req.Status
	next, err := s.repo.Transition(ctx, req.ID, t)
	if err != nil {
		return nil, err
	}
	if next.Status.IsTerminal() {
		s.completed(ctx, next)
	}
	return next, nil
}

func (s *checkService) parse(ctx context.Context, req *models.CheckRequest) (*models.CheckRequest, error) {
	p, err := portal.Classify(req.SubmittedURL)
	if err != nil {
		return s.failWith(ctx, req, "unsupported listing URL: "+err.Error())
	}

	listing, err := s.parser.Parse(ctx, p, req.SubmittedURL)
	if err != nil {
		return s.failWith(ctx, req, "could not read listing: "+logging.SanitizeError(err))
	}

	s.logger.Info("Listing parsed",
		zap.String("check_id", req.ID.String()),
		zap.String("property_name", listing.Name),
		zap.String("property_address", listing.Address))

	return s.transition(ctx, req, &models.CheckTransition{
		To:      models.CheckStatusMatching,
		Listing: listing,
	})
}

func (s *checkService) match(ctx context.Context, req *models.CheckRequest) (*models.CheckRequest, error) {
	snap := s.snapshots.Current()
	res, ok := s.matcher.Match(snap, req.ListingAttributes)
	if !ok {
		s.logger.Info("No dataset record for listing",
			zap.String("check_id", req.ID.String()),
			zap.Uint64("generation", snap.Generation),
			zap.Int("dataset_size", snap.Len()))
		matched := false
		outcome := models.OutcomeNoRecord
		return s.transition(ctx, req, &models.CheckTransition{
			To:      models.CheckStatusNoMatch,
			Matched: &matched,
			Outcome: &outcome,
		})
	}

	prop := res.Property
	s.logger.Info("Listing matched",
		zap.String("check_id", req.ID.String()),
		zap.String("method", string(res.Method)),
		zap.Float64("score", res.Score),
		zap.String("company_id", prop.CompanyID))

	resolution, err := s.resolver.Resolve(ctx, prop.CompanyID)
	if err != nil {
		return nil, err
	}

	matched := true
	t := &models.CheckTransition{
		Matched:      &matched,
		CompanyID:    &prop.CompanyID,
		CompanyName:  &prop.CompanyName,
		CompanyPhone: &prop.CompanyPhone,
	}
	switch resolution.Kind {
	case ResolutionAuto:
		auto := true
		t.To = models.CheckStatusChecking
		t.Channel = &resolution.Channel
		t.ChannelAuto = &auto
	case ResolutionPhoneOnly:
		t.To = models.CheckStatusChecking
	default:
		t.To = models.CheckStatusAwaitingChannel
	}

	s.logger.Info("Channel resolved",
		zap.String("check_id", req.ID.String()),
		zap.String("resolution", string(resolution.Kind)),
		zap.String("channel", string(resolution.Channel)))

	return s.transition(ctx, req, t)
}

func (s *checkService) check(ctx context.Context, req *models.CheckRequest) (*models.CheckRequest, error) {
	// A check without a channel reached checking because the company is phone-only.
	if req.Channel == "" {
		return s.phonePath(ctx, req, models.ReasonCompanyRequiresPhone)
	}

	result, err := s.checker.Check(ctx, req.Channel, s.channelQuery(req))
	if err != nil {
		var te *TechnicalError
		if errors.As(err, &te) {
			return s.failWith(ctx, req, logging.SanitizeError(te))
		}
		return nil, err
	}
	if result.NeedsPhone() {
		return s.phonePath(ctx, req, result.PhoneReason)
	}

	outcome := result.Outcome
	next, err := s.transition(ctx, req, &models.CheckTransition{
		To:      models.CheckStatusResolved,
		Outcome: &outcome,
	})
	if err != nil {
		return nil, err
	}

	// A remembered manual choice was counted when it was remembered.
	if next.ChannelAuto {
		if err := s.knowledge.RecordUsage(ctx, next.CompanyID); err != nil {
			s.logger.Error("Failed to record channel usage",
				zap.String("check_id", req.ID.String()),
				zap.Error(err))
		}
	}
	return next, nil
}

// phonePath creates the check's phone task, then resolves it as phone_required.
func (s *checkService) phonePath(ctx context.Context, req *models.CheckRequest, reason models.PhoneTaskReason) (*models.CheckRequest, error) {
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		_, err := s.phone.CreateForCheck(ctx, req, reason)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create phone task: %w", err)
	}

	outcome := models.OutcomePhoneRequired
	return s.transition(ctx, req, &models.CheckTransition{
		To:      models.CheckStatusResolved,
		Outcome: &outcome,
	})
}

// channelQuery identifies the listing on a channel portal. The dataset record
// carries the building name and room split; the parsed listing name is the
// fallback when the dataset changed since matching.
func (s *checkService) channelQuery(req *models.CheckRequest) channels.Query {
	if res, ok := s.matcher.Match(s.snapshots.Current(), req.ListingAttributes); ok && res.Property.CompanyID == req.CompanyID {
		return channels.Query{Name: res.Property.Name, Room: res.Property.Room}
	}
	name, room := dataset.SplitRoom(req.Name)
	return channels.Query{Name: name, Room: room}
}

// ============================================================================
// Failure and completion
// ============================================================================

func (s *checkService) failWith(ctx context.Context, req *models.CheckRequest, msg string) (*models.CheckRequest, error) {
	s.logger.Warn("Check failed",
		zap.String("check_id", req.ID.String()),
		zap.String("status", string(req.Status)),
		zap.String("error_message", msg))
	return s.transition(ctx, req, &models.CheckTransition{
		To:           models.CheckStatusFailed,
		ErrorMessage: &msg,
	})
}

// fail records a failure outside the normal stage flow. It survives a
// cancelled pipeline context.
func (s *checkService) fail(ctx context.Context, req *models.CheckRequest, msg string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if _, err := s.failWith(wctx, req, msg); err != nil {
		s.logger.Error("Failed to record check failure",
			zap.String("check_id", req.ID.String()),
			zap.Error(err))
	}
}

// failCancelled records a failure for a check whose pipeline was cancelled
// before it could load the check.
func (s *checkService) failCancelled(ctx context.Context, id uuid.UUID) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	req, err := s.repo.Get(wctx, id)
	if err != nil {
		s.logger.Error("Failed to load cancelled check",
			zap.String("check_id", id.String()),
			zap.Error(err))
		return
	}
	if req.Status.IsTerminal() || req.Status == models.CheckStatusAwaitingChannel {
		return
	}
	s.fail(wctx, req, "check was cancelled: "+ctx.Err().Error())
}

func (s *checkService) completed(ctx context.Context, req *models.CheckRequest) {
	s.logger.Info("Check completed",
		zap.String("check_id", req.ID.String()),
		zap.String("status", string(req.Status)),
		zap.String("outcome", req.OutcomeLabel()))
	for _, l := range s.listeners {
		l.CheckCompleted(context.WithoutCancel(ctx), req)
	}
}

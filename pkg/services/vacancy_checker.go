package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/channels"
	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/logging"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/retry"
	"github.com/akikaku/akikaku-engine/pkg/session"
)

// SessionPool hands out leases on channel sessions. *session.Manager implements it.
type SessionPool interface {
	Acquire(ctx context.Context, channel models.Channel) (*session.Lease, error)
	Configured(channel models.Channel) bool
}

// VacancyResult is the checker's verdict for one listing.
type VacancyResult struct {
	Outcome models.VacancyOutcome
	// Signal is the raw status text the portal showed, if any.
	Signal channels.Signal
	// PhoneReason is set when Outcome is phone_required.
	PhoneReason models.PhoneTaskReason
}

// NeedsPhone reports whether a human has to call the company.
func (r *VacancyResult) NeedsPhone() bool {
	return r.Outcome == models.OutcomePhoneRequired
}

// TechnicalError means the channel could not be queried at all. It is never
// reported as an unconfirmable listing.
type TechnicalError struct {
	Channel models.Channel
	Err     error
}

func (e *TechnicalError) Error() string {
	return fmt.Sprintf("%s check failed: %v", e.Channel.DisplayName(), e.Err)
}

func (e *TechnicalError) Unwrap() error { return e.Err }

// VacancyChecker queries a channel portal and classifies the answer.
type VacancyChecker interface {
	Check(ctx context.Context, channel models.Channel, q channels.Query) (*VacancyResult, error)
}

type vacancyChecker struct {
	sessions SessionPool
	retryCfg *retry.Config
	logger   *zap.Logger
}

// NewVacancyChecker creates a checker. Transient driver failures are retried
// up to cfg.MaxRetries times with cfg.AttemptTimeout per attempt.
func NewVacancyChecker(sessions SessionPool, cfg config.CheckerConfig, logger *zap.Logger) VacancyChecker {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.MaxRetries
	rc.AttemptTimeout = cfg.AttemptTimeout
	return &vacancyChecker{
		sessions: sessions,
		retryCfg: rc,
		logger:   logger.Named("checker"),
	}
}

var _ VacancyChecker = (*vacancyChecker)(nil)

func (c *vacancyChecker) Check(ctx context.Context, channel models.Channel, q channels.Query) (*VacancyResult, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("%q: %w", channel, apperrors.ErrInvalidChannel)
	}
	if !c.sessions.Configured(channel) {
		return unavailable(), nil
	}

	start := time.Now()
	reauthenticated := false
	for {
		sig, err := retry.DoWithResult(ctx, c.retryCfg, func(ctx context.Context) (channels.Signal, error) {
			return c.query(ctx, channel, q)
		})

		switch {
		case err == nil:
			outcome := channels.Classify(channel, sig)
			c.logger.Info("Channel answered",
				zap.String("channel", string(channel)),
				zap.String("signal", string(sig)),
				zap.String("outcome", string(outcome)),
				zap.Duration("elapsed", time.Since(start)))
			if outcome == models.OutcomeUnconfirmable {
				return &VacancyResult{
					Outcome:     models.OutcomePhoneRequired,
					Signal:      sig,
					PhoneReason: models.ReasonUnconfirmable,
				}, nil
			}
			return &VacancyResult{Outcome: outcome, Signal: sig}, nil

		case errors.Is(err, channels.ErrNotConfigured), errors.Is(err, session.ErrChannelDead):
			c.logger.Warn("Channel unavailable, falling back to phone",
				zap.String("channel", string(channel)),
				zap.String("error", logging.SanitizeError(err)))
			return unavailable(), nil

		case errors.Is(err, channels.ErrAuth) && !reauthenticated:
			// The lease was invalidated in query; one more round logs in afresh.
			reauthenticated = true
			c.logger.Info("Channel rejected session, logging in again", zap.String("channel", string(channel)))
			continue

		default:
			return nil, &TechnicalError{Channel: channel, Err: err}
		}
	}
}

func (c *vacancyChecker) query(ctx context.Context, channel models.Channel, q channels.Query) (channels.Signal, error) {
	lease, err := c.sessions.Acquire(ctx, channel)
	if err != nil {
		if errors.Is(err, channels.ErrNotConfigured) || errors.Is(err, session.ErrChannelDead) {
			return "", retry.Permanent(err)
		}
		return "", err
	}
	defer lease.Release()

	sig, err := lease.Query(ctx, q)
	if errors.Is(err, channels.ErrAuth) {
		lease.Invalidate()
	}
	return sig, err
}

func unavailable() *VacancyResult {
	return &VacancyResult{
		Outcome:     models.OutcomePhoneRequired,
		PhoneReason: models.ReasonChannelUnavailable,
	}
}

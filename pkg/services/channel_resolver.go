package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/models"
)

// ResolutionKind tells the orchestrator how to continue after matching.
type ResolutionKind string

const (
	// ResolutionAuto means a learned channel is used without asking.
	ResolutionAuto ResolutionKind = "auto"
	// ResolutionNeedsInput means an operator must pick the channel.
	ResolutionNeedsInput ResolutionKind = "needs_input"
	// ResolutionPhoneOnly means the company is known to need a phone call.
	ResolutionPhoneOnly ResolutionKind = "phone_only"
)

// Resolution is the resolver's decision for one company.
type Resolution struct {
	Kind    ResolutionKind
	Channel models.Channel
	Entry   *models.KnowledgeEntry
}

// ChannelResolver picks the verification channel for a matched company.
type ChannelResolver interface {
	Resolve(ctx context.Context, companyID string) (*Resolution, error)
}

type channelResolver struct {
	knowledge KnowledgeService
	logger    *zap.Logger
}

// NewChannelResolver creates a resolver backed by the knowledge store.
func NewChannelResolver(knowledge KnowledgeService, logger *zap.Logger) ChannelResolver {
	return &channelResolver{
		knowledge: knowledge,
		logger:    logger.Named("resolver"),
	}
}

var _ ChannelResolver = (*channelResolver)(nil)

func (r *channelResolver) Resolve(ctx context.Context, companyID string) (*Resolution, error) {
	entry, err := r.knowledge.Lookup(ctx, companyID)
	if err != nil {
		return nil, err
	}

	switch {
	case entry == nil:
		return &Resolution{Kind: ResolutionNeedsInput}, nil
	case entry.Channel.IsValid():
		// A learned channel wins over a stale phone-only flag.
		r.logger.Debug("Channel auto-selected",
			zap.String("company_id", companyID),
			zap.String("channel", string(entry.Channel)),
			zap.Int64("use_count", entry.UseCount))
		return &Resolution{Kind: ResolutionAuto, Channel: entry.Channel, Entry: entry}, nil
	case entry.RequiresPhone:
		return &Resolution{Kind: ResolutionPhoneOnly, Entry: entry}, nil
	default:
		return &Resolution{Kind: ResolutionNeedsInput, Entry: entry}, nil
	}
}

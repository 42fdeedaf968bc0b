package models

import "time"

// Channel is a management company's operational portal that can give a
// definitive vacancy signal.
type Channel string

const (
	ChannelItanji   Channel = "itanji"    // イタンジBB
	ChannelIerabu   Channel = "ierabu"    // いえらぶBB
	ChannelESSquare Channel = "es_square" // いい生活スクエア
)

// AllChannels lists the canonical channel set in display order.
var AllChannels = []Channel{
	ChannelItanji,
	ChannelIerabu,
	ChannelESSquare,
}

// IsValid returns true if the channel is part of the canonical set.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelItanji, ChannelIerabu, ChannelESSquare:
		return true
	default:
		return false
	}
}

// DisplayName returns the product name shown to operators.
func (c Channel) DisplayName() string {
	switch c {
	case ChannelItanji:
		return "イタンジBB"
	case ChannelIerabu:
		return "いえらぶBB"
	case ChannelESSquare:
		return "いい生活スクエア"
	default:
		return string(c)
	}
}

// SessionHealth is the health state of a channel's automation session.
type SessionHealth string

const (
	SessionHealthy  SessionHealth = "healthy"
	SessionDegraded SessionHealth = "degraded"
	SessionDead     SessionHealth = "dead"
	SessionAbsent   SessionHealth = "absent" // No session has been created yet
)

// ChannelStatus reports configuration and session state for one channel.
type ChannelStatus struct {
	Channel       Channel       `json:"channel"`
	DisplayName   string        `json:"display_name"`
	Configured    bool          `json:"configured"`
	Health        SessionHealth `json:"health"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"`
	Failures      int           `json:"consecutive_failures"`
}

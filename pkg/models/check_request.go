// Package models contains domain types for akikaku-engine.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Check Status
// ============================================================================

// CheckStatus is the pipeline state of a CheckRequest.
type CheckStatus string

const (
	CheckStatusPending         CheckStatus = "pending"
	CheckStatusParsing         CheckStatus = "parsing"
	CheckStatusMatching        CheckStatus = "matching"
	CheckStatusAwaitingChannel CheckStatus = "awaiting_channel" // Operator must pick a channel
	CheckStatusChecking        CheckStatus = "checking"
	CheckStatusResolved        CheckStatus = "resolved"
	CheckStatusNoMatch         CheckStatus = "no_match"
	CheckStatusFailed          CheckStatus = "failed"
)

// ValidCheckStatuses contains all valid check status values.
var ValidCheckStatuses = []CheckStatus{
	CheckStatusPending,
	CheckStatusParsing,
	CheckStatusMatching,
	CheckStatusAwaitingChannel,
	CheckStatusChecking,
	CheckStatusResolved,
	CheckStatusNoMatch,
	CheckStatusFailed,
}

// IsValid returns true if the status is one of the known values.
func (s CheckStatus) IsValid() bool {
	for _, v := range ValidCheckStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true for resolved, no_match and failed.
func (s CheckStatus) IsTerminal() bool {
	switch s {
	case CheckStatusResolved, CheckStatusNoMatch, CheckStatusFailed:
		return true
	default:
		return false
	}
}

// HasOutcome reports whether a check in this status carries a vacancy outcome.
func (s CheckStatus) HasOutcome() bool {
	return s == CheckStatusResolved || s == CheckStatusNoMatch
}

// CanTransitionTo returns true if moving from s to target follows the pipeline graph.
// Terminal states have no outgoing edges.
func (s CheckStatus) CanTransitionTo(target CheckStatus) bool {
	if target == CheckStatusFailed {
		return !s.IsTerminal()
	}
	switch s {
	case CheckStatusPending:
		return target == CheckStatusParsing
	case CheckStatusParsing:
		return target == CheckStatusMatching
	case CheckStatusMatching:
		return target == CheckStatusAwaitingChannel || target == CheckStatusChecking ||
			target == CheckStatusNoMatch
	case CheckStatusAwaitingChannel:
		return target == CheckStatusChecking
	case CheckStatusChecking:
		return target == CheckStatusResolved
	case CheckStatusResolved, CheckStatusNoMatch, CheckStatusFailed:
		return false
	default:
		return false
	}
}

// ============================================================================
// Vacancy Outcome
// ============================================================================

// VacancyOutcome is the normalized classification of a listing's status.
type VacancyOutcome string

const (
	OutcomeAvailable     VacancyOutcome = "available"
	OutcomeReserved      VacancyOutcome = "reserved"
	OutcomeClosed        VacancyOutcome = "closed"
	OutcomeUnconfirmable VacancyOutcome = "unconfirmable"
	OutcomePhoneRequired VacancyOutcome = "phone_required"
	OutcomeNoRecord      VacancyOutcome = "no_record" // Not in the property dataset
)

// IsValid returns true if the outcome is one of the known values.
func (o VacancyOutcome) IsValid() bool {
	switch o {
	case OutcomeAvailable, OutcomeReserved, OutcomeClosed,
		OutcomeUnconfirmable, OutcomePhoneRequired, OutcomeNoRecord:
		return true
	default:
		return false
	}
}

// IsDefinitive returns true for outcomes that resolve a check without a phone call.
func (o VacancyOutcome) IsDefinitive() bool {
	switch o {
	case OutcomeAvailable, OutcomeReserved, OutcomeClosed:
		return true
	case OutcomeUnconfirmable, OutcomePhoneRequired, OutcomeNoRecord:
		return false
	default:
		return false
	}
}

// Label returns the operator-facing Japanese label for the outcome.
func (o VacancyOutcome) Label() string {
	switch o {
	case OutcomeAvailable:
		return "募集中"
	case OutcomeReserved:
		return "申込あり"
	case OutcomeClosed:
		return "募集終了"
	case OutcomeUnconfirmable:
		return "確認不可"
	case OutcomePhoneRequired:
		return "電話確認が必要"
	case OutcomeNoRecord:
		return "確認不可（専任物件の可能性）"
	default:
		return string(o)
	}
}

// ============================================================================
// Portal
// ============================================================================

// Portal identifies the public listing site a submitted URL belongs to.
type Portal string

const (
	PortalSuumo   Portal = "suumo"
	PortalHomes   Portal = "homes"
	PortalUnknown Portal = "unknown"
)

// ============================================================================
// CheckRequest
// ============================================================================

// ListingAttributes are the fields extracted from a portal listing page.
// All fields are optional; Name and Address drive matching.
type ListingAttributes struct {
	Name      string `json:"property_name"`
	Address   string `json:"property_address"`
	Rent      string `json:"property_rent"`
	Area      string `json:"property_area"`
	Layout    string `json:"property_layout"`
	BuildYear string `json:"property_build_year"`
}

// CheckRequest is a single vacancy verification submitted by a user.
// Stored in check_requests table. Mutated only by the check orchestrator.
type CheckRequest struct {
	ID           uuid.UUID `json:"id"`
	SubmittedURL string    `json:"submitted_url"`
	Portal       Portal    `json:"portal_source"`

	ListingAttributes

	Matched      bool    `json:"matched"`
	CompanyID    string  `json:"company_id,omitempty"`
	CompanyName  string  `json:"company_name,omitempty"`
	CompanyPhone string  `json:"company_phone,omitempty"`
	Channel      Channel `json:"channel,omitempty"`
	ChannelAuto  bool    `json:"channel_auto"`
	// RememberChannel is set when the operator asked to learn a manual selection.
	RememberChannel bool `json:"remember_channel"`

	Status       CheckStatus     `json:"status"`
	Outcome      *VacancyOutcome `json:"vacancy_outcome,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsCompleted returns true once completed_at has been recorded.
func (c *CheckRequest) IsCompleted() bool {
	return c.CompletedAt != nil
}

// OutcomeLabel returns the label of the outcome or an empty string.
func (c *CheckRequest) OutcomeLabel() string {
	if c.Outcome == nil {
		return ""
	}
	return c.Outcome.Label()
}

// CheckTransition describes the fields written together with a status change.
// Nil pointers leave the stored column untouched.
type CheckTransition struct {
	From CheckStatus
	To   CheckStatus

	Listing      *ListingAttributes
	Matched      *bool
	CompanyID    *string
	CompanyName  *string
	CompanyPhone *string
	Channel      *Channel
	ChannelAuto  *bool
	Remember     *bool
	Outcome      *VacancyOutcome
	ErrorMessage *string
}

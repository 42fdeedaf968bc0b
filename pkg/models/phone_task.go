package models

import (
	"time"

	"github.com/google/uuid"
)

// PhoneTaskStatus is the lifecycle state of a phone task.
type PhoneTaskStatus string

const (
	PhoneTaskPending   PhoneTaskStatus = "pending"
	PhoneTaskCompleted PhoneTaskStatus = "completed"
	PhoneTaskCancelled PhoneTaskStatus = "cancelled"
)

// IsValid returns true if the status is one of the known values.
func (s PhoneTaskStatus) IsValid() bool {
	switch s {
	case PhoneTaskPending, PhoneTaskCompleted, PhoneTaskCancelled:
		return true
	default:
		return false
	}
}

// PhoneTaskReason records why automation handed the check to a human.
type PhoneTaskReason string

const (
	ReasonUnconfirmable        PhoneTaskReason = "unconfirmable"
	ReasonChannelUnavailable   PhoneTaskReason = "channel_unavailable"
	ReasonCompanyRequiresPhone PhoneTaskReason = "company_requires_phone"
	ReasonManual               PhoneTaskReason = "manual"
)

// IsValid returns true if the reason is one of the known values.
func (r PhoneTaskReason) IsValid() bool {
	switch r {
	case ReasonUnconfirmable, ReasonChannelUnavailable, ReasonCompanyRequiresPhone, ReasonManual:
		return true
	default:
		return false
	}
}

// PhoneTask is a manual verification item for an operator.
// Stored in phone_tasks table; at most one per check request.
type PhoneTask struct {
	ID              uuid.UUID       `json:"id"`
	CheckRequestID  *uuid.UUID      `json:"check_request_id,omitempty"`
	CompanyName     string          `json:"company_name"`
	CompanyPhone    string          `json:"company_phone"`
	PropertyName    string          `json:"property_name"`
	PropertyAddress string          `json:"property_address"`
	Reason          PhoneTaskReason `json:"reason"`
	Status          PhoneTaskStatus `json:"status"`
	Note            string          `json:"note"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

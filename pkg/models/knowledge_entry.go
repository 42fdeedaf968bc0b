package models

import (
	"time"

	"github.com/google/uuid"
)

// KnowledgeEntry is a learned company -> channel preference.
// Stored in company_channel_knowledge table, one row per company.
// UseCount never decreases.
type KnowledgeEntry struct {
	ID           uuid.UUID `json:"id"`
	CompanyID    string    `json:"company_id"` // Normalized company key
	CompanyName  string    `json:"company_name"`
	CompanyPhone string    `json:"company_phone"`
	Channel      Channel   `json:"channel,omitempty"`
	UseCount     int64     `json:"use_count"`
	// RequiresPhone is learned when an operator completes a phone task for the company.
	RequiresPhone bool      `json:"requires_phone"`
	LastUsedAt    time.Time `json:"last_used_at"`
	CreatedAt     time.Time `json:"created_at"`
}

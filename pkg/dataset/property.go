// Package dataset holds the property dataset: the periodically crawled list of
// listings and their managing companies. Snapshots are immutable and replaced
// wholesale, so a reader always sees one consistent generation.
package dataset

import (
	"time"
)

// Property is one dataset listing.
type Property struct {
	Index        int    `json:"index"` // Position within its snapshot
	Name         string `json:"name"`
	Room         string `json:"room,omitempty"`
	Address      string `json:"address"`
	Layout       string `json:"layout,omitempty"`
	Area         string `json:"area,omitempty"`
	Rent         string `json:"rent,omitempty"`
	BuildYear    string `json:"build_year,omitempty"`
	CompanyInfo  string `json:"company_info,omitempty"` // Raw "Company 03-1234-5678"
	CompanyID    string `json:"company_id"`
	CompanyName  string `json:"company_name"`
	CompanyPhone string `json:"company_phone,omitempty"`
}

// Snapshot is one immutable generation of the dataset.
type Snapshot struct {
	Generation uint64
	LoadedAt   time.Time
	Properties []Property
}

// Len returns the number of properties, tolerating a nil snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Properties)
}

// Info summarizes a snapshot for the dataset status endpoint.
type Info struct {
	Generation uint64    `json:"generation"`
	Size       int       `json:"size"`
	LoadedAt   time.Time `json:"loaded_at"`
	Companies  int       `json:"companies"`
}

// Info returns summary counts for the snapshot.
func (s *Snapshot) Info() Info {
	if s == nil {
		return Info{}
	}
	companies := make(map[string]struct{})
	for i := range s.Properties {
		if id := s.Properties[i].CompanyID; id != "" {
			companies[id] = struct{}{}
		}
	}
	return Info{
		Generation: s.Generation,
		Size:       len(s.Properties),
		LoadedAt:   s.LoadedAt,
		Companies:  len(companies),
	}
}

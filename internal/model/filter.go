package model

import "time"

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Sort keys accepted by schedule listings
const (
	SortByScheduledAt = "scheduledAt"
	SortByCreatedAt   = "createdAt"
	SortByUpdatedAt   = "updatedAt"
	SortByStatus      = "status"
)

// ScheduleFilter narrows a schedule listing. Zero values match everything.
type ScheduleFilter struct {
	Status    ScheduleStatus
	TargetRef string
	DueBefore *time.Time
	From      *time.Time
	To        *time.Time
}

// PageRequest selects a zero-based page of results
type PageRequest struct {
	Page     int
	Size     int
	SortBy   string
	SortDesc bool
}

// Normalize applies defaults and bounds
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	switch p.SortBy {
	case SortByScheduledAt, SortByCreatedAt, SortByUpdatedAt, SortByStatus:
	case "":
		p.SortBy = SortByScheduledAt
		p.SortDesc = true
	default:
		p.SortBy = SortByScheduledAt
	}
	return p
}

// Offset returns the number of rows to skip
func (p PageRequest) Offset() int {
	return p.Page * p.Size
}

// SchedulePage is one page of a schedule listing
type SchedulePage struct {
	Items      []*Schedule `json:"items"`
	Page       int         `json:"page"`
	Size       int         `json:"size"`
	Total      int         `json:"total"`
	TotalPages int         `json:"totalPages"`
}

// NewSchedulePage builds a page and computes the page count
func NewSchedulePage(items []*Schedule, req PageRequest, total int) *SchedulePage {
	if items == nil {
		items = []*Schedule{}
	}
	pages := 0
	if req.Size > 0 {
		pages = (total + req.Size - 1) / req.Size
	}
	return &SchedulePage{
		Items:      items,
		Page:       req.Page,
		Size:       req.Size,
		Total:      total,
		TotalPages: pages,
	}
}

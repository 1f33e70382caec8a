package models

import (
	"math"
	"time"

	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/validation"
)

// DateRange bounds entries by timestamp; both ends are inclusive and optional.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

func (r DateRange) Contains(t time.Time) bool {
	if start := r.StoredStart(); start != nil && t.Before(*start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}

// StoredStart returns Start truncated to stored precision. Entries keep only
// milliseconds, so an entry appended at Start itself sorts before an
// untruncated bound.
func (r DateRange) StoredStart() *time.Time {
	if r.Start == nil {
		return nil
	}
	t := TruncateTimestamp(*r.Start)
	return &t
}

func (r DateRange) Validate() error {
	if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
		return dErrors.New(dErrors.CodeValidation, "endDate must not be before startDate")
	}
	return nil
}

// Filter narrows a listing. Zero values mean "any".
type Filter struct {
	UserID     *id.UserID
	Action     Action
	EntityType string
	EntityID   string
	Range      DateRange
}

func (f Filter) Matches(e *Entry) bool {
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && (e.EntityID == nil || *e.EntityID != f.EntityID) {
		return false
	}
	return f.Range.Contains(e.Timestamp)
}

// Page is 1-based.
type Page struct {
	Page  int
	Limit int
}

// Normalize applies defaults and clamps the limit.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = validation.DefaultPageLimit
	}
	if p.Limit > validation.MaxPageLimit {
		p.Limit = validation.MaxPageLimit
	}
	return p
}

// Offset saturates at math.MaxInt instead of overflowing for huge pages.
func (p Page) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Limit
}

// ListResult is one page of a timestamp-descending listing.
type ListResult struct {
	Data       []*Entry `json:"data"`
	Total      int64    `json:"total"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	TotalPages int      `json:"totalPages"`
}

func NewListResult(data []*Entry, total int64, page Page) *ListResult {
	if data == nil {
		data = []*Entry{}
	}
	pages := 0
	if page.Limit > 0 {
		pages = int((total + int64(page.Limit) - 1) / int64(page.Limit))
	}
	return &ListResult{Data: data, Total: total, Page: page.Page, Limit: page.Limit, TotalPages: pages}
}

// ExportCursor is the keyset position after the last exported entry. Export
// order is timestamp descending, chain index descending.
type ExportCursor struct {
	Timestamp  time.Time
	ChainIndex int64
}

// After reports whether e sorts strictly after the cursor in export order.
func (c *ExportCursor) After(e *Entry) bool {
	if c == nil {
		return true
	}
	if e.Timestamp.Before(c.Timestamp) {
		return true
	}
	return e.Timestamp.Equal(c.Timestamp) && e.ChainIndex < c.ChainIndex
}

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportJSON:
		return ExportJSON, nil
	case ExportCSV:
		return ExportCSV, nil
	default:
		return "", dErrors.Newf(dErrors.CodeBadRequest, "unsupported export format %q", s)
	}
}

func (f ExportFormat) ContentType() string {
	if f == ExportCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

func (f ExportFormat) Extension() string {
	return string(f)
}

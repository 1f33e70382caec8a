package handler

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/validation"
)

const dateOnly = "2006-01-02"

// ListRequest is the query string of GET /audit.
type ListRequest struct {
	UserID     string `query:"userId" validate:"omitempty,uuid"`
	Action     string `query:"action" validate:"omitempty,max=64"`
	EntityType string `query:"entityType" validate:"omitempty,max=100"`
	EntityID   string `query:"entityId" validate:"omitempty,max=255"`
	StartDate  string `query:"startDate"`
	EndDate    string `query:"endDate"`
	Page       int    `query:"page" validate:"omitempty,min=1"`
	Limit      int    `query:"limit" validate:"omitempty,min=1,max=1000"`
}

// ExportRequest is the query string of GET /audit/export.
type ExportRequest struct {
	Format    string `query:"format" validate:"omitempty,oneof=json csv"`
	StartDate string `query:"startDate"`
	EndDate   string `query:"endDate"`
}

func parseListRequest(q url.Values) (*ListRequest, error) {
	req := &ListRequest{
		UserID:     strings.TrimSpace(q.Get("userId")),
		Action:     strings.TrimSpace(q.Get("action")),
		EntityType: strings.TrimSpace(q.Get("entityType")),
		EntityID:   strings.TrimSpace(q.Get("entityId")),
		StartDate:  strings.TrimSpace(q.Get("startDate")),
		EndDate:    strings.TrimSpace(q.Get("endDate")),
	}
	var err error
	if req.Page, err = queryInt(q, "page"); err != nil {
		return nil, err
	}
	if req.Limit, err = queryInt(q, "limit"); err != nil {
		return nil, err
	}
	if err := validation.Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Filter converts the request into a store filter.
func (r *ListRequest) Filter() (models.Filter, error) {
	var f models.Filter
	if r.UserID != "" {
		userID, err := id.ParseUserID(r.UserID)
		if err != nil {
			return f, err
		}
		f.UserID = &userID
	}
	if r.Action != "" {
		action, err := models.ParseAction(r.Action)
		if err != nil {
			return f, err
		}
		f.Action = action
	}
	f.EntityType = r.EntityType
	f.EntityID = r.EntityID

	window, err := ParseWindow(r.StartDate, r.EndDate)
	if err != nil {
		return f, err
	}
	f.Range = window
	return f, nil
}

func (r *ListRequest) PageRequest() models.Page {
	return models.Page{Page: r.Page, Limit: r.Limit}
}

func parseExportRequest(q url.Values) (*ExportRequest, models.ExportFormat, models.DateRange, error) {
	req := &ExportRequest{
		Format:    strings.ToLower(strings.TrimSpace(q.Get("format"))),
		StartDate: strings.TrimSpace(q.Get("startDate")),
		EndDate:   strings.TrimSpace(q.Get("endDate")),
	}
	if err := validation.Validate(req); err != nil {
		return nil, "", models.DateRange{}, err
	}
	format, err := models.ParseExportFormat(req.Format)
	if err != nil {
		return nil, "", models.DateRange{}, err
	}
	window, err := ParseWindow(req.StartDate, req.EndDate)
	if err != nil {
		return nil, "", models.DateRange{}, err
	}
	return req, format, window, nil
}

func queryInt(q url.Values, name string) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, dErrors.Newf(dErrors.CodeValidation, "%s must be an integer", name)
	}
	return n, nil
}

// ParseWindow accepts RFC 3339 timestamps or calendar dates. A calendar
// endDate covers the whole day.
func ParseWindow(start, end string) (models.DateRange, error) {
	var r models.DateRange
	if start != "" {
		t, _, err := parseDate("startDate", start)
		if err != nil {
			return r, err
		}
		r.Start = &t
	}
	if end != "" {
		t, dayOnly, err := parseDate("endDate", end)
		if err != nil {
			return r, err
		}
		if dayOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Millisecond)
		}
		r.End = &t
	}
	return r, r.Validate()
}

func parseDate(name, raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.Parse(dateOnly, raw); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, dErrors.Newf(dErrors.CodeValidation, "%s must be an RFC 3339 timestamp or YYYY-MM-DD", name)
}

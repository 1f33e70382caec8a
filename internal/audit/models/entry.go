package models

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/validation"
)

// TimestampLayout is the wire form of every audit timestamp: UTC, exactly
// millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Entry is one immutable link of a tenant's audit chain.
type Entry struct {
	ID            id.EntryID     `json:"id"`
	TenantID      id.TenantID    `json:"tenantId"`
	UserID        *id.UserID     `json:"userId"`
	Action        Action         `json:"action"`
	EntityType    string         `json:"entityType"`
	EntityID      *string        `json:"entityId"`
	OldValues     map[string]any `json:"oldValues"`
	NewValues     map[string]any `json:"newValues"`
	ChangedFields []string       `json:"changedFields"`
	IPAddress     *string        `json:"ipAddress"`
	UserAgent     *string        `json:"userAgent"`
	RequestID     *string        `json:"requestId"`
	SessionID     *string        `json:"sessionId"`
	Metadata      map[string]any `json:"metadata"`
	Timestamp     time.Time      `json:"timestamp"`
	Hash          string         `json:"hash"`
	PreviousHash  *string        `json:"previousHash"`
	ChainIndex    int64          `json:"chainIndex"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// MarshalJSON renders timestamps in the millisecond wire form so exported
// records match the hashed representation.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		plain
		Timestamp string `json:"timestamp"`
		CreatedAt string `json:"createdAt"`
	}{
		plain:     plain(e),
		Timestamp: TruncateTimestamp(e.Timestamp).Format(TimestampLayout),
		CreatedAt: TruncateTimestamp(e.CreatedAt).Format(TimestampLayout),
	})
}

// Head returns the chain head this entry establishes.
func (e *Entry) Head() ChainHead {
	return ChainHead{Hash: e.Hash, ChainIndex: e.ChainIndex}
}

// Clone returns a copy whose maps and slices can be mutated independently.
// Stores hand out clones so callers cannot rewrite persisted state in place.
func (e *Entry) Clone() *Entry {
	c := *e
	c.OldValues = cloneMap(e.OldValues)
	c.NewValues = cloneMap(e.NewValues)
	c.Metadata = cloneMap(e.Metadata)
	if e.ChangedFields != nil {
		c.ChangedFields = append([]string(nil), e.ChangedFields...)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(vv)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// ChainHead is the hash and index of a tenant's most recent entry.
type ChainHead struct {
	Hash       string `json:"hash"`
	ChainIndex int64  `json:"chainIndex"`
}

// Fields is what a producer supplies for one audited event. Chain position,
// hashes and identifiers are assigned by the appender.
type Fields struct {
	UserID        *id.UserID     `json:"userId,omitempty"`
	Action        Action         `json:"action"`
	EntityType    string         `json:"entityType"`
	EntityID      *string        `json:"entityId,omitempty"`
	OldValues     map[string]any `json:"oldValues,omitempty"`
	NewValues     map[string]any `json:"newValues,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
	IPAddress     *string        `json:"ipAddress,omitempty"`
	UserAgent     *string        `json:"userAgent,omitempty"`
	RequestID     *string        `json:"requestId,omitempty"`
	SessionID     *string        `json:"sessionId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     *time.Time     `json:"timestamp,omitempty"`
}

// Validate checks the producer contract. It does not inspect old/new values;
// producers redact secrets before calling.
func (f *Fields) Validate() error {
	if !f.Action.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown action %q", f.Action)
	}
	if strings.TrimSpace(f.EntityType) == "" {
		return dErrors.New(dErrors.CodeValidation, "entityType is required")
	}
	if len(f.EntityType) > validation.MaxEntityTypeLength {
		return dErrors.Newf(dErrors.CodeValidation, "entityType must be at most %d characters", validation.MaxEntityTypeLength)
	}
	if f.EntityID != nil && len(*f.EntityID) > validation.MaxEntityIDLength {
		return dErrors.Newf(dErrors.CodeValidation, "entityId must be at most %d characters", validation.MaxEntityIDLength)
	}
	if f.IPAddress != nil && len(*f.IPAddress) > validation.MaxIPAddressLength {
		return dErrors.Newf(dErrors.CodeValidation, "ipAddress must be at most %d characters", validation.MaxIPAddressLength)
	}
	if f.RequestID != nil && len(*f.RequestID) > validation.MaxRequestIDLength {
		return dErrors.Newf(dErrors.CodeValidation, "requestId must be at most %d characters", validation.MaxRequestIDLength)
	}
	if f.SessionID != nil && len(*f.SessionID) > validation.MaxSessionIDLength {
		return dErrors.Newf(dErrors.CodeValidation, "sessionId must be at most %d characters", validation.MaxSessionIDLength)
	}
	if f.UserID != nil && f.UserID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "userId must not be the nil uuid")
	}
	return f.rejectNUL()
}

// rejectNUL refuses NUL bytes anywhere in the entry. PostgreSQL cannot store
// them in text columns or in JSONB strings.
func (f *Fields) rejectNUL() error {
	texts := map[string]*string{
		"entityType": &f.EntityType,
		"entityId":   f.EntityID,
		"ipAddress":  f.IPAddress,
		"userAgent":  f.UserAgent,
		"requestId":  f.RequestID,
		"sessionId":  f.SessionID,
	}
	for name, v := range texts {
		if v != nil && hasNUL(*v) {
			return dErrors.Newf(dErrors.CodeValidation, "%s must not contain NUL bytes", name)
		}
	}
	if slices.ContainsFunc(f.ChangedFields, hasNUL) {
		return dErrors.New(dErrors.CodeValidation, "changedFields must not contain NUL bytes")
	}
	values := map[string]map[string]any{
		"oldValues": f.OldValues,
		"newValues": f.NewValues,
		"metadata":  f.Metadata,
	}
	for name, m := range values {
		if containsNUL(m) {
			return dErrors.Newf(dErrors.CodeValidation, "%s must not contain NUL bytes", name)
		}
	}
	return nil
}

func hasNUL(s string) bool {
	return strings.ContainsRune(s, 0)
}

func containsNUL(v any) bool {
	switch vv := v.(type) {
	case string:
		return hasNUL(vv)
	case map[string]any:
		for k, x := range vv {
			if hasNUL(k) || containsNUL(x) {
				return true
			}
		}
	case []any:
		return slices.ContainsFunc(vv, containsNUL)
	case []string:
		return slices.ContainsFunc(vv, hasNUL)
	}
	return false
}

// StringPtr returns nil for the empty string, matching how optional request
// context is stored.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TruncateTimestamp normalises t to UTC millisecond precision, the only
// precision that survives hashing and storage unchanged.
func TruncateTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "auditchain/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing UserID where TenantID is expected.
type (
	TenantID uuid.UUID
	UserID   uuid.UUID
	EntryID  uuid.UUID
)

// NewEntryID generates a fresh random entry identifier.
func NewEntryID() EntryID { return EntryID(uuid.New()) }

// Parse functions - use at trust boundaries (handlers, API inputs, Kafka payloads).

func ParseTenantID(s string) (TenantID, error) {
	id, err := parseUUID(s, "tenant ID")
	return TenantID(id), err
}

func ParseUserID(s string) (UserID, error) {
	id, err := parseUUID(s, "user ID")
	return UserID(id), err
}

func ParseEntryID(s string) (EntryID, error) {
	id, err := parseUUID(s, "entry ID")
	return EntryID(id), err
}

// String methods - for logging, hashing and storage.

func (id TenantID) String() string { return uuid.UUID(id).String() }
func (id UserID) String() string   { return uuid.UUID(id).String() }
func (id EntryID) String() string  { return uuid.UUID(id).String() }

// IsNil checks - used for service-layer validation.

func (id TenantID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id UserID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id EntryID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }

// Text marshalling keeps exported records and Kafka payloads in canonical UUID form.

func (id TenantID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id UserID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id EntryID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }

func (id *TenantID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *UserID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *EntryID) UnmarshalText(b []byte) error  { return (*uuid.UUID)(id).UnmarshalText(b) }

// parseUUID is the shared validation logic. The nil UUID is rejected because
// every identifier in an audit entry names a real tenant, actor or record.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	if id == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return id, nil
}

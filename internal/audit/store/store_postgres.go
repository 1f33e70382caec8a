package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
	"auditchain/pkg/platform/sentinel"
)

// PostgresStore persists audit chains in the audit_entries table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed audit store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// changed_fields is read back as JSON; database/sql has no TEXT[] scanner.
const entryColumns = `
	id, tenant_id, user_id, action, entity_type, entity_id,
	old_values, new_values, to_jsonb(changed_fields), ip_address, user_agent,
	request_id, session_id, metadata, timestamp, hash, previous_hash,
	chain_index, created_at`

func (s *PostgresStore) Head(ctx context.Context, tenantID id.TenantID) (*models.ChainHead, error) {
	query := `
		SELECT hash, chain_index
		FROM audit_entries
		WHERE tenant_id = $1
		ORDER BY chain_index DESC
		LIMIT 1
	`
	var head models.ChainHead
	err := s.db.QueryRowContext(ctx, query, uuid.UUID(tenantID)).Scan(&head.Hash, &head.ChainIndex)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	return &head, nil
}

// Insert writes entry only if its chain position is still free.
func (s *PostgresStore) Insert(ctx context.Context, entry *models.Entry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required")
	}
	oldValues, err := jsonbValue(entry.OldValues)
	if err != nil {
		return fmt.Errorf("encode old values: %w", err)
	}
	newValues, err := jsonbValue(entry.NewValues)
	if err != nil {
		return fmt.Errorf("encode new values: %w", err)
	}
	metadata, err := jsonbValue(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var userID *uuid.UUID
	if entry.UserID != nil {
		uid := uuid.UUID(*entry.UserID)
		userID = &uid
	}

	query := `
		INSERT INTO audit_entries (
			id, tenant_id, user_id, action, entity_type, entity_id,
			old_values, new_values, changed_fields, ip_address, user_agent,
			request_id, session_id, metadata, timestamp, hash, previous_hash,
			chain_index
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (tenant_id, chain_index) DO NOTHING
		RETURNING created_at
	`
	var createdAt time.Time
	err = s.db.QueryRowContext(ctx, query,
		uuid.UUID(entry.ID),
		uuid.UUID(entry.TenantID),
		userID,
		string(entry.Action),
		entry.EntityType,
		entry.EntityID,
		oldValues,
		newValues,
		entry.ChangedFields,
		entry.IPAddress,
		entry.UserAgent,
		entry.RequestID,
		entry.SessionID,
		metadata,
		entry.Timestamp,
		entry.Hash,
		entry.PreviousHash,
		entry.ChainIndex,
	).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		if isDataException(err) {
			return fmt.Errorf("insert audit entry: %w: %w", sentinel.ErrInvalidInput, err)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	entry.CreatedAt = createdAt.UTC()
	return nil
}

func (s *PostgresStore) Scan(ctx context.Context, tenantID id.TenantID, afterIndex int64, limit int) ([]*models.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM audit_entries
		WHERE tenant_id = $1 AND chain_index > $2
		ORDER BY chain_index ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(tenantID), afterIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("scan audit chain: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) List(ctx context.Context, tenantID id.TenantID, filter models.Filter, page models.Page) ([]*models.Entry, int64, error) {
	where, args := filterClause(tenantID, filter)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	args = append(args, page.Limit, page.Offset())
	query := fmt.Sprintf(`SELECT %s
		FROM audit_entries
		WHERE %s
		ORDER BY timestamp DESC, chain_index DESC
		LIMIT $%d OFFSET $%d
	`, entryColumns, where, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	entries, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *PostgresStore) ExportBatch(ctx context.Context, tenantID id.TenantID, window models.DateRange, cursor *models.ExportCursor, limit int) ([]*models.Entry, error) {
	where, args := filterClause(tenantID, models.Filter{Range: window})
	if cursor != nil {
		args = append(args, cursor.Timestamp, cursor.ChainIndex)
		where += fmt.Sprintf(" AND (timestamp, chain_index) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s
		FROM audit_entries
		WHERE %s
		ORDER BY timestamp DESC, chain_index DESC
		LIMIT $%d
	`, entryColumns, where, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export audit entries: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) Tenants(ctx context.Context) ([]id.TenantID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM audit_entries ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list audit tenants: %w", err)
	}
	defer rows.Close()

	var tenants []id.TenantID
	for rows.Next() {
		var tid uuid.UUID
		if err := rows.Scan(&tid); err != nil {
			return nil, fmt.Errorf("scan audit tenant: %w", err)
		}
		tenants = append(tenants, id.TenantID(tid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit tenants: %w", err)
	}
	return tenants, nil
}

// DeleteExpired truncates the chain prefix below the first entry that is
// still inside the retention window. The head row is never deleted.
func (s *PostgresStore) DeleteExpired(ctx context.Context, tenantID id.TenantID, cutoff time.Time, batch int) (int64, error) {
	query := `
		WITH head AS (
			SELECT MAX(chain_index) AS idx
			FROM audit_entries
			WHERE tenant_id = $1
		), boundary AS (
			SELECT COALESCE(MIN(chain_index), (SELECT idx FROM head)) AS idx
			FROM audit_entries
			WHERE tenant_id = $1 AND timestamp >= $2
		), doomed AS (
			SELECT id
			FROM audit_entries
			WHERE tenant_id = $1
			  AND chain_index < (SELECT idx FROM boundary)
			ORDER BY chain_index ASC
			LIMIT $3
		)
		DELETE FROM audit_entries
		WHERE id IN (SELECT id FROM doomed)
	`
	res, err := s.db.ExecContext(ctx, query, uuid.UUID(tenantID), cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("delete expired audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired audit entries: %w", err)
	}
	return n, nil
}

func filterClause(tenantID id.TenantID, filter models.Filter) (string, []any) {
	clauses := []string{"tenant_id = $1"}
	args := []any{uuid.UUID(tenantID)}
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s $%d", column, len(args)))
	}
	if filter.UserID != nil {
		add("user_id =", uuid.UUID(*filter.UserID))
	}
	if filter.Action != "" {
		add("action =", string(filter.Action))
	}
	if filter.EntityType != "" {
		add("entity_type =", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id =", filter.EntityID)
	}
	if start := filter.Range.StoredStart(); start != nil {
		add("timestamp >=", *start)
	}
	if filter.Range.End != nil {
		add("timestamp <=", *filter.Range.End)
	}
	return strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collect(rows *sql.Rows) ([]*models.Entry, error) {
	defer rows.Close()
	entries := []*models.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var (
		e                               models.Entry
		entryID, tenantID               uuid.UUID
		userID                          uuid.NullUUID
		action                          string
		oldValues, newValues, metadata  []byte
		changedFields                   []byte
		entityID, ip, ua, reqID, sessID sql.NullString
		previousHash                    sql.NullString
	)
	err := row.Scan(
		&entryID, &tenantID, &userID, &action, &e.EntityType, &entityID,
		&oldValues, &newValues, &changedFields, &ip, &ua,
		&reqID, &sessID, &metadata, &e.Timestamp, &e.Hash, &previousHash,
		&e.ChainIndex, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ID = id.EntryID(entryID)
	e.TenantID = id.TenantID(tenantID)
	if userID.Valid {
		uid := id.UserID(userID.UUID)
		e.UserID = &uid
	}
	e.Action = models.Action(action)
	e.EntityID = nullString(entityID)
	e.IPAddress = nullString(ip)
	e.UserAgent = nullString(ua)
	e.RequestID = nullString(reqID)
	e.SessionID = nullString(sessID)
	e.PreviousHash = nullString(previousHash)
	e.Timestamp = e.Timestamp.UTC()
	e.CreatedAt = e.CreatedAt.UTC()

	if e.OldValues, err = decodeJSONB(oldValues); err != nil {
		return nil, fmt.Errorf("decode old values: %w", err)
	}
	if e.NewValues, err = decodeJSONB(newValues); err != nil {
		return nil, fmt.Errorf("decode new values: %w", err)
	}
	if e.Metadata, err = decodeJSONB(metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if changedFields != nil {
		if err := json.Unmarshal(changedFields, &e.ChangedFields); err != nil {
			return nil, fmt.Errorf("decode changed fields: %w", err)
		}
	}
	return &e, nil
}

// jsonbValue keeps a nil map as SQL NULL and an empty map as '{}'; the two
// hash differently.
func jsonbValue(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// decodeJSONB keeps numeric literals as json.Number so that values re-hash
// exactly as they were appended.
func decodeJSONB(raw []byte) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isDataException matches SQLSTATE class 22 (value too long, invalid text
// encoding, untranslatable JSON). Retrying the same row cannot succeed.
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "22")
	}
	return false
}

// Package codec defines the canonical byte form of an audit entry and the
// digest computed over it.
//
// The canonical form is a compact JSON object with exactly these keys, in
// this order:
//
//	tenantId, userId, action, entityType, entityId,
//	oldValues, newValues, timestamp, previousHash, chainIndex
//
// Nested object keys are sorted, HTML characters are not escaped, absent
// optional values are null, timestamps are UTC with millisecond precision and
// numbers use their shortest round-trip form. Request context, metadata and
// storage bookkeeping are outside the digest.
package codec

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"auditchain/internal/audit/models"
)

// Canonical returns the bytes that are hashed for e.
func Canonical(e *models.Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := &writer{buf: &buf}

	buf.WriteByte('{')
	w.field("tenantId", e.TenantID.String(), true)
	if e.UserID != nil {
		w.field("userId", e.UserID.String(), false)
	} else {
		w.field("userId", nil, false)
	}
	w.field("action", string(e.Action), false)
	w.field("entityType", e.EntityType, false)
	w.field("entityId", optional(e.EntityID), false)
	w.field("oldValues", mapOrNil(e.OldValues), false)
	w.field("newValues", mapOrNil(e.NewValues), false)
	w.field("timestamp", models.TruncateTimestamp(e.Timestamp).Format(models.TimestampLayout), false)
	w.field("previousHash", optional(e.PreviousHash), false)
	w.field("chainIndex", e.ChainIndex, false)
	buf.WriteByte('}')

	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

// Hash is the lower-case hex SHA-256 of Canonical(e).
func Hash(e *models.Entry) (string, error) {
	b, err := Canonical(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest of e and compares it with e.Hash.
func Verify(e *models.Entry) (bool, error) {
	h, err := Hash(e)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(h), []byte(e.Hash)) == 1, nil
}

// NormalizeValues rewrites a value map into the generic JSON shape it has
// after a storage round trip: structs become maps, numbers become int64 or
// float64. Entries are normalised before hashing so the digest computed at
// append time equals the digest recomputed from stored rows.
func NormalizeValues(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := marshal(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize values: %w", err)
	}
	normalized, err := normalizeNumbers(out)
	if err != nil {
		return nil, err
	}
	return normalized.(map[string]any), nil
}

// normalizeNumbers replaces json.Number with int64 when the literal is an
// integer in range and float64 otherwise, so "1.50", "1.5" and 1.5 encode
// identically.
func normalizeNumbers(v any) (any, error) {
	switch vv := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(vv.String(), 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(vv.String(), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("normalize values: number %q out of range", vv.String())
		}
		// Integral floats beyond int64 still print in exponent form; keep
		// them as float64 so both sides agree.
		return f, nil
	case map[string]any:
		for k, elem := range vv {
			n, err := normalizeNumbers(elem)
			if err != nil {
				return nil, err
			}
			vv[k] = n
		}
		return vv, nil
	case []any:
		for i, elem := range vv {
			n, err := normalizeNumbers(elem)
			if err != nil {
				return nil, err
			}
			vv[i] = n
		}
		return vv, nil
	default:
		return v, nil
	}
}

type writer struct {
	buf *bytes.Buffer
	err error
}

func (w *writer) field(key string, value any, first bool) {
	if w.err != nil {
		return
	}
	if !first {
		w.buf.WriteByte(',')
	}
	k, err := marshal(key)
	if err != nil {
		w.err = err
		return
	}
	w.buf.Write(k)
	w.buf.WriteByte(':')

	v, err := canonicalValue(value)
	if err != nil {
		w.err = fmt.Errorf("encode %s: %w", key, err)
		return
	}
	b, err := marshal(v)
	if err != nil {
		w.err = fmt.Errorf("encode %s: %w", key, err)
		return
	}
	w.buf.Write(b)
}

// canonicalValue normalises maps that were not passed through
// NormalizeValues, for example entries decoded by a caller without UseNumber.
func canonicalValue(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	return NormalizeValues(m)
}

// marshal is json.Marshal without HTML escaping or the trailing newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func mapOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

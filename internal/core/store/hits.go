package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quotaguard/quotaguard/internal/core"
)

// GetHitRecord returns the hit record for the key, or nil when none exists.
func (s *Store) GetHitRecord(ctx context.Context, endpoint, method string) (*core.HitRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key := core.NewEndpointKey(endpoint, method)
	if key.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	var recordJSON string
	row := s.DB.QueryRowContext(ctx, `
		SELECT record
		FROM hit_records
		WHERE endpoint = ? AND method = ?
	`, key.Endpoint, key.Method)

	if err := row.Scan(&recordJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch hit record: %w", err)
	}

	return decodeHitRecord(recordJSON, key)
}

// CreateHitRecordIfAbsent inserts record unless one already exists for its
// key. It returns the stored record and whether this call created it.
func (s *Store) CreateHitRecordIfAbsent(ctx context.Context, record *core.HitRecord) (*core.HitRecord, bool, error) {
	if s == nil || s.DB == nil {
		return nil, false, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key, payload, err := encodeHitRecord(record)
	if err != nil {
		return nil, false, err
	}

	var inserted string
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO hit_records (endpoint, method, record, hits, last_hit_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint, method) DO NOTHING
		RETURNING endpoint
	`, key.Endpoint, key.Method, payload, record.Hits, lastHitColumn(record), unixOrNow(record.UpdatedAt)).Scan(&inserted)
	switch {
	case err == nil:
		created := *record
		created.Endpoint = key.Endpoint
		created.Method = key.Method
		return &created, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := s.GetHitRecord(ctx, key.Endpoint, key.Method)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("hit record %s vanished after conflict", key)
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("insert hit record: %w", err)
	}
}

// SaveHitRecord persists the full record.
func (s *Store) SaveHitRecord(ctx context.Context, record *core.HitRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key, payload, err := encodeHitRecord(record)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO hit_records (endpoint, method, record, hits, last_hit_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint, method) DO UPDATE SET
			record = excluded.record,
			hits = excluded.hits,
			last_hit_at = excluded.last_hit_at,
			updated_at = excluded.updated_at
	`, key.Endpoint, key.Method, payload, record.Hits, lastHitColumn(record), unixOrNow(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store hit record: %w", err)
	}

	return nil
}

// ListHitRecords returns all records ordered by endpoint and method.
func (s *Store) ListHitRecords(ctx context.Context) ([]*core.HitRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT endpoint, method, record
		FROM hit_records
		ORDER BY endpoint, method
	`)
	if err != nil {
		return nil, fmt.Errorf("list hit records: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	records := make([]*core.HitRecord, 0)
	for rows.Next() {
		var endpoint, method, recordJSON string
		if err := rows.Scan(&endpoint, &method, &recordJSON); err != nil {
			return nil, fmt.Errorf("scan hit record: %w", err)
		}
		record, err := decodeHitRecord(recordJSON, core.EndpointKey{Endpoint: endpoint, Method: method})
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list hit records: %w", err)
	}

	return records, nil
}

// DeleteHitRecord removes the record for the key and reports whether one
// existed.
func (s *Store) DeleteHitRecord(ctx context.Context, endpoint, method string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key := core.NewEndpointKey(endpoint, method)
	if key.Endpoint == "" {
		return false, errors.New("endpoint is required")
	}

	var deleted string
	err := s.DB.QueryRowContext(ctx, `
		DELETE FROM hit_records
		WHERE endpoint = ? AND method = ?
		RETURNING endpoint
	`, key.Endpoint, key.Method).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete hit record: %w", err)
	}
	return true, nil
}

func encodeHitRecord(record *core.HitRecord) (core.EndpointKey, string, error) {
	if record == nil {
		return core.EndpointKey{}, "", errors.New("hit record is required")
	}
	key := record.Key()
	if strings.TrimSpace(key.Endpoint) == "" {
		return key, "", errors.New("endpoint is required")
	}

	normalized := *record
	normalized.Endpoint = key.Endpoint
	normalized.Method = key.Method
	if normalized.Errors == nil {
		normalized.Errors = []core.ErrorEntry{}
	}

	payload, err := json.Marshal(&normalized)
	if err != nil {
		return key, "", fmt.Errorf("encode hit record: %w", err)
	}
	return key, string(payload), nil
}

func decodeHitRecord(recordJSON string, key core.EndpointKey) (*core.HitRecord, error) {
	var record core.HitRecord
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		return nil, fmt.Errorf("decode hit record: %w", err)
	}
	record.Endpoint = key.Endpoint
	record.Method = key.Method
	if record.Errors == nil {
		record.Errors = []core.ErrorEntry{}
	}
	return &record, nil
}

func lastHitColumn(record *core.HitRecord) sql.NullInt64 {
	if record == nil || record.LastHitAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: record.LastHitAt.UTC().Unix(), Valid: true}
}

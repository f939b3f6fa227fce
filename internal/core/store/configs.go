package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quotaguard/quotaguard/internal/core"
)

// GetConfig returns the endpoint config for the key, or nil when none exists.
func (s *Store) GetConfig(ctx context.Context, endpoint, method string) (*core.EndpointConfig, error) {
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

	var configJSON string
	row := s.DB.QueryRowContext(ctx, `
		SELECT config
		FROM endpoint_configs
		WHERE endpoint = ? AND method = ?
	`, key.Endpoint, key.Method)

	if err := row.Scan(&configJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch endpoint config: %w", err)
	}

	return decodeConfig(configJSON, key)
}

// CreateConfigIfAbsent inserts cfg unless a config already exists for its key.
// It returns the stored config and whether this call created it.
func (s *Store) CreateConfigIfAbsent(ctx context.Context, cfg *core.EndpointConfig) (*core.EndpointConfig, bool, error) {
	if s == nil || s.DB == nil {
		return nil, false, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key, payload, err := encodeConfig(cfg)
	if err != nil {
		return nil, false, err
	}

	var inserted string
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO endpoint_configs (endpoint, method, config, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint, method) DO NOTHING
		RETURNING endpoint
	`, key.Endpoint, key.Method, payload, boolInt(cfg.Active), unixOrNow(cfg.CreatedAt), unixOrNow(cfg.UpdatedAt)).Scan(&inserted)
	switch {
	case err == nil:
		return cfg.Clone(), true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := s.GetConfig(ctx, key.Endpoint, key.Method)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("endpoint config %s vanished after conflict", key)
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("insert endpoint config: %w", err)
	}
}

// SaveConfig creates or replaces the config for its key.
func (s *Store) SaveConfig(ctx context.Context, cfg *core.EndpointConfig) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key, payload, err := encodeConfig(cfg)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO endpoint_configs (endpoint, method, config, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint, method) DO UPDATE SET
			config = excluded.config,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, key.Endpoint, key.Method, payload, boolInt(cfg.Active), unixOrNow(cfg.CreatedAt), unixOrNow(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store endpoint config: %w", err)
	}

	return nil
}

// ListConfigs returns all configs ordered by endpoint and method.
func (s *Store) ListConfigs(ctx context.Context) ([]*core.EndpointConfig, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT endpoint, method, config
		FROM endpoint_configs
		ORDER BY endpoint, method
	`)
	if err != nil {
		return nil, fmt.Errorf("list endpoint configs: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	configs := make([]*core.EndpointConfig, 0)
	for rows.Next() {
		var endpoint, method, configJSON string
		if err := rows.Scan(&endpoint, &method, &configJSON); err != nil {
			return nil, fmt.Errorf("scan endpoint config: %w", err)
		}
		cfg, err := decodeConfig(configJSON, core.EndpointKey{Endpoint: endpoint, Method: method})
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list endpoint configs: %w", err)
	}

	return configs, nil
}

func encodeConfig(cfg *core.EndpointConfig) (core.EndpointKey, string, error) {
	if cfg == nil {
		return core.EndpointKey{}, "", errors.New("endpoint config is required")
	}
	key := cfg.Key()
	if strings.TrimSpace(key.Endpoint) == "" {
		return key, "", errors.New("endpoint is required")
	}

	normalized := *cfg
	normalized.Endpoint = key.Endpoint
	normalized.Method = key.Method

	payload, err := json.Marshal(&normalized)
	if err != nil {
		return key, "", fmt.Errorf("encode endpoint config: %w", err)
	}
	return key, string(payload), nil
}

func decodeConfig(configJSON string, key core.EndpointKey) (*core.EndpointConfig, error) {
	var cfg core.EndpointConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("decode endpoint config: %w", err)
	}
	cfg.Endpoint = key.Endpoint
	cfg.Method = key.Method
	return &cfg, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixOrNow(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().Unix()
	}
	return t.UTC().Unix()
}

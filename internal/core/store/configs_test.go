package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core"
)

func TestEndpointConfigCRUD(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	missing, err := store.GetConfig(ctx, "/users", "GET")
	require.NoError(t, err)
	require.Nil(t, missing)

	defaults := core.DefaultDefaults()
	defaults.BaseURL = "https://api.example.com"
	cfg := core.NewEndpointConfig(core.NewEndpointKey("/users", "get"), defaults)
	cfg.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cfg.UpdatedAt = cfg.CreatedAt
	fallback, err := core.NewFallbackValue([]byte(`{"users":[]}`))
	require.NoError(t, err)
	cfg.Errors.FallbackResponse = &fallback

	stored, created, err := store.CreateConfigIfAbsent(ctx, cfg)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "GET", stored.Method)

	again := core.NewEndpointConfig(core.NewEndpointKey("/users", "GET"), defaults)
	again.RateLimit.Daily = 42
	existing, created, err := store.CreateConfigIfAbsent(ctx, again)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 500, existing.RateLimit.Daily)

	loaded, err := store.GetConfig(ctx, "/users", "GET")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "https://api.example.com", loaded.BaseURL)
	require.True(t, loaded.CreatedAt.Equal(cfg.CreatedAt))
	require.NotNil(t, loaded.Errors.FallbackResponse)
	require.Equal(t, core.FallbackObject, loaded.Errors.FallbackResponse.Kind)
	require.JSONEq(t, `{"users":[]}`, string(loaded.Errors.FallbackResponse.Raw))

	loaded.RateLimit.Daily = 1000
	loaded.Active = false
	require.NoError(t, store.SaveConfig(ctx, loaded))

	updated, err := store.GetConfig(ctx, "/users", "GET")
	require.NoError(t, err)
	require.Equal(t, 1000, updated.RateLimit.Daily)
	require.False(t, updated.Active)

	second := core.NewEndpointConfig(core.NewEndpointKey("/orders", "POST"), defaults)
	require.NoError(t, store.SaveConfig(ctx, second))

	all, err := store.ListConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "/orders", all[0].Endpoint)
	require.Equal(t, "/users", all[1].Endpoint)
}

func TestSaveConfigRequiresEndpoint(t *testing.T) {
	store := openTestStore(t)

	err := store.SaveConfig(context.Background(), &core.EndpointConfig{Method: "GET"})
	require.Error(t, err)

	err = store.SaveConfig(context.Background(), nil)
	require.Error(t, err)
}

package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagetrail/pagetrail/internal/app"
	"github.com/pagetrail/pagetrail/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewWithMemoryProviders(t *testing.T) {
	cfg := memoryConfig(t)

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Handler())
	require.NotNil(t, a.Scheduler())

	a.Close()
}

func TestNewSeedsConfiguredDomains(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Domains = map[string]config.DomainSeed{
		"example.com": {Enabled: true},
	}

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/domains/example.com/status", nil)
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/domains/ghost/status", nil)
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRejectsUnknownProviders(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"db", func(c *config.Config) { c.DB.Provider = "sqlite" }},
		{"blob", func(c *config.Config) { c.Blob.Provider = "s3" }},
		{"publisher", func(c *config.Config) { c.Publisher.Provider = "kafka" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := memoryConfig(t)
			tc.mutate(&cfg)

			_, err := app.New(context.Background(), cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), "unknown")
		})
	}
}

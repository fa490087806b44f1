package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/grid?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "grid"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestListClause(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := listClause("SELECT 1 FROM t WHERE a = $1", []any{"x"}, "created_at",
		domain.ListOpts{Since: &since, Limit: 10, Offset: 5}, "created_at DESC")

	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"x", since, 10, 5}, args)
}

func TestNumScanner(t *testing.T) {
	var a, b decimal.Decimal
	var nums numScanner
	*nums.col("a", &a) = "1.25"
	*nums.col("b", &b) = "0.000000000000000001"
	require.NoError(t, nums.apply())
	assert.True(t, a.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, "0.000000000000000001", b.String())

	var bad numScanner
	var c decimal.Decimal
	*bad.col("c", &c) = "abc"
	assert.Error(t, bad.apply())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.True(t, strings.HasSuffix(e.Name(), ".sql"), e.Name())
	}
}

package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"postgres://app:p%40ss@db:5433/crypto?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 5433, Database: "crypto", User: "app", Password: "p@ss", SSLMode: "require"}),
	)
	assert.Equal(t,
		"postgres://postgres:@localhost:5432/crypto?sslmode=disable",
		DSN(ClientConfig{Host: "localhost", Database: "crypto", User: "postgres"}),
	)
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)

	var names []string
	for _, m := range migrations {
		names = append(names, m.name)
		assert.Contains(t, m.sql, "IF NOT EXISTS", m.name)
	}
	assert.Equal(t, []string{"001_processed_crypto_txn.sql", "002_audit_log.sql", "003_audit_commit_id.sql"}, names)
}

func TestCommitDetail(t *testing.T) {
	commit := domain.Commit{
		ID:    "c1",
		Table: "processed_crypto_txn",
		Partitions: map[string][]domain.EnrichedTrade{
			"Binance": make([]domain.EnrichedTrade, 2),
			"OKX":     make([]domain.EnrichedTrade, 1),
		},
		Vacated:  []string{"Kraken"},
		Inserted: 2,
		Updated:  1,
	}

	d := CommitDetail(commit)
	assert.Equal(t, "c1", d["commit_id"])
	assert.Equal(t, 2, d["inserted"])
	assert.Equal(t, map[string]int{"Binance": 2, "OKX": 1}, d["partitions"])
	assert.Equal(t, []string{"Kraken"}, d["vacated"])
}

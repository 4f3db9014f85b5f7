package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))

	got := DSN(ClientConfig{Host: "db", Database: "lmsr", User: "app", Password: "p@ss/word"})
	assert.Equal(t, "postgres://app:p%40ss%2Fword@db:5432/lmsr?sslmode=disable", got)

	got = DSN(ClientConfig{Host: "db", Port: 6432, Database: "lmsr", SSLMode: "require"})
	assert.Equal(t, "postgres://db:6432/lmsr?sslmode=require", got)
}

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.Len(t, ms[0].checksum, 64)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].version, ms[i].version)
	}
}

func TestLoadMigrations_OrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_b.sql": {Data: []byte("SELECT 10;")},
		"migrations/002_a.sql": {Data: []byte("SELECT 2;")},
		"migrations/README.md": {Data: []byte("notes")},
	}
	ms, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "002_a.sql", ms[0].name)
	assert.Equal(t, "010_b.sql", ms[1].name)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"no prefix", fstest.MapFS{"migrations/ledger.sql": {Data: []byte("x")}}},
		{"non numeric", fstest.MapFS{"migrations/abc_ledger.sql": {Data: []byte("x")}}},
		{"duplicate", fstest.MapFS{
			"migrations/001_a.sql": {Data: []byte("x")},
			"migrations/1_b.sql":   {Data: []byte("y")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrations(tt.fsys)
			assert.Error(t, err)
		})
	}
}

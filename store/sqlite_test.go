package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshview/dirsync/models"
)

func openTestBackend(t *testing.T) Backend {
	t.Helper()
	b, err := OpenSqlite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func deviceColumns() []Column {
	return append(ReservedColumns(),
		Column{Name: "deviceName", Kind: KindText},
		Column{Name: "osVersion", Kind: KindText},
		Column{Name: "storageBytes", Kind: KindInteger},
	)
}

func TestEnsureTableAndListColumns(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureTable(ctx, "devices", deviceColumns()))

	cols, err := b.ListColumns(ctx, "devices")
	require.NoError(t, err)

	byName := make(map[string]ColumnKind, len(cols))
	for _, c := range cols {
		byName[c.Name] = c.Kind
	}
	assert.Contains(t, byName, ColKey)
	assert.Contains(t, byName, ColHash)
	assert.Contains(t, byName, ColLastSeen)
	assert.Equal(t, KindInteger, byName["storageBytes"])
}

func TestListColumnsMissingTable(t *testing.T) {
	b := openTestBackend(t)

	cols, err := b.ListColumns(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestEnsureColumnIsAdditive(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureTable(ctx, "devices", deviceColumns()))
	require.NoError(t, b.EnsureColumn(ctx, "devices", Column{Name: "complianceState", Kind: KindText}))

	cols, err := b.ListColumns(ctx, "devices")
	require.NoError(t, err)
	assert.Len(t, cols, len(deviceColumns())+1)
}

func TestUpsertAndFetchRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureTable(ctx, "devices", deviceColumns()))

	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	row := Row{
		Key:      "device-1",
		Hash:     "hash-a",
		LastSeen: seen,
		Columns: map[string]interface{}{
			"deviceName":   "pc-1",
			"osVersion":    "11.0",
			"storageBytes": int64(512),
		},
	}
	require.NoError(t, b.UpsertRow(ctx, "devices", row))

	stored, err := b.FetchRow(ctx, "devices", "device-1", []string{"deviceName"})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "hash-a", stored.Hash)
	assert.Equal(t, "pc-1", stored.Values["deviceName"])
}

func TestFetchRowAbsentKey(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureTable(ctx, "devices", deviceColumns()))

	stored, err := b.FetchRow(ctx, "devices", "ghost", nil)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestUpsertUpdatesExistingRow(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureTable(ctx, "devices", deviceColumns()))

	row := Row{Key: "device-1", Hash: "hash-a", LastSeen: time.Now(), Columns: map[string]interface{}{"deviceName": "pc-1"}}
	require.NoError(t, b.UpsertRow(ctx, "devices", row))

	row.Hash = "hash-b"
	row.Columns["deviceName"] = "pc-1-renamed"
	require.NoError(t, b.UpsertRow(ctx, "devices", row))

	stored, err := b.FetchRow(ctx, "devices", "device-1", []string{"deviceName"})
	require.NoError(t, err)
	assert.Equal(t, "hash-b", stored.Hash)
	assert.Equal(t, "pc-1-renamed", stored.Values["deviceName"])
}

func TestUpsertUnknownColumnIsWriteError(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureTable(ctx, "devices", deviceColumns()))

	row := Row{Key: "device-1", Hash: "h", LastSeen: time.Now(), Columns: map[string]interface{}{"notAColumn": "x"}}
	err := b.UpsertRow(ctx, "devices", row)
	require.Error(t, err)

	var writeErr *WriteError
	assert.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "device-1", writeErr.Key)
}

func TestFetchRowConnectionFailureIsWriteError(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureTable(ctx, "devices", deviceColumns()))
	require.NoError(t, b.Close())

	_, err := b.FetchRow(ctx, "devices", "device-1", nil)
	require.Error(t, err)

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "device-1", writeErr.Key)
}

func TestOpenSelectsBackends(t *testing.T) {
	dir := t.TempDir()
	backends, err := Open(models.DatabaseConfig{Backends: []string{"sqlite"}, SqlitePath: filepath.Join(dir, "db.sqlite")})
	require.NoError(t, err)
	require.Len(t, backends, 1)
	assert.Equal(t, "sqlite", backends[0].Name())
	backends[0].Close()
}

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpsertSQLPerDialect(t *testing.T) {
	cols := []string{ColKey, ColHash, "deviceName"}

	sqlite := sqliteDialect{}.upsertSQL("devices", cols)
	assert.Contains(t, sqlite, `ON CONFLICT("_sync_key") DO UPDATE SET`)
	assert.Contains(t, sqlite, `"deviceName" = excluded."deviceName"`)

	pg := postgresDialect{}.upsertSQL("devices", cols)
	assert.Contains(t, pg, "$1")
	assert.Contains(t, pg, "EXCLUDED.")

	my := mysqlDialect{}.upsertSQL("devices", cols)
	assert.Contains(t, my, "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, my, "`deviceName` = VALUES(`deviceName`)")

	ms := mssqlDialect{}.upsertSQL("devices", cols)
	assert.Contains(t, ms, "MERGE [devices] WITH (HOLDLOCK)")
	assert.Contains(t, ms, "@p1")
}

func TestKeyColumnUsesDialectKeyType(t *testing.T) {
	cols := []Column{{Name: ColKey, Kind: KindText}}

	defs := columnDefs(mysqlDialect{}, cols)
	assert.Equal(t, "`_sync_key` VARCHAR(255) PRIMARY KEY", defs[0])

	defs = columnDefs(mssqlDialect{}, cols)
	assert.Equal(t, "[_sync_key] NVARCHAR(255) PRIMARY KEY", defs[0])

	defs = columnDefs(sqliteDialect{}, cols)
	assert.Equal(t, `"_sync_key" TEXT PRIMARY KEY`, defs[0])
}

func TestQuoteIdentEscapes(t *testing.T) {
	assert.Equal(t, `"a""b"`, sqliteDialect{}.quoteIdent(`a"b`))
	assert.Equal(t, "`a``b`", mysqlDialect{}.quoteIdent("a`b"))
	assert.Equal(t, "[a]]b]", mssqlDialect{}.quoteIdent("a]b"))
}

func TestKindFromDBType(t *testing.T) {
	assert.Equal(t, KindInteger, sqliteDialect{}.kindFromDBType("INTEGER"))
	assert.Equal(t, KindFloat, postgresDialect{}.kindFromDBType("double precision"))
	assert.Equal(t, KindTimestamp, mysqlDialect{}.kindFromDBType("datetime"))
	assert.Equal(t, KindText, mssqlDialect{}.kindFromDBType("nvarchar"))
}

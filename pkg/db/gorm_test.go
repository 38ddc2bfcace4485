package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenGormSQLite(t *testing.T) {
	db, err := OpenGorm(Config{Driver: "sqlite", DSN: "file:pkgdb?mode=memory&cache=shared"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	assert.NoError(t, sqlDB.Ping())
}

func TestOpenGormUnknownDriver(t *testing.T) {
	_, err := OpenGorm(Config{Driver: "mysql"})
	assert.Error(t, err)
}

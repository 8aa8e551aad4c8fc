package database

import (
	"path/filepath"
	"testing"

	"order-ladder-bot-go/internal/config"
	"order-ladder-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabase_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ladder.db")

	db, err := NewDatabase(config.Database{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)

	for _, m := range []any{&models.Token{}, &models.Order{}, &models.TaskExecution{}, &models.AppliedObservation{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}

	// Reopening keeps existing rows.
	require.NoError(t, db.Create(&models.Token{Name: "PEPE"}).Error)
	db2, err := NewDatabase(config.Database{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	var count int64
	require.NoError(t, db2.Model(&models.Token{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNewDatabase_UnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.Database{Driver: "oracle"})
	assert.Error(t, err)
}

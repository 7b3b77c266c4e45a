package database

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestMigrationSourceURL(t *testing.T) {
	assert.Equal(t, "file://./migrations", migrationSourceURL("./migrations"))
	assert.Equal(t, "file:///etc/measure-engine/migrations", migrationSourceURL("/etc/measure-engine/migrations"))
}

func TestNewMigrationRunner_BadDatabaseURL(t *testing.T) {
	_, err := NewMigrationRunner("not-a-database-url", t.TempDir(), logrus.New())
	assert.Error(t, err)
}

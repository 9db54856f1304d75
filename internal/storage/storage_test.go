package storage

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/campfire/config"
)

func TestOpenDatabaseSQLite(t *testing.T) {
	db, err := OpenDatabase(&config.StorageConfig{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "chat.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", strings.ToLower(mode))

	for _, table := range []string{"users", "guilds", "guild_users", "messages"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasIndex("messages", "idx_messages_guild_created"))
}

func TestOpenDatabaseUnknownDriver(t *testing.T) {
	_, err := OpenDatabase(&config.StorageConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN("chat.db")
	assert.True(t, strings.HasPrefix(dsn, "chat.db?"))
	assert.Contains(t, dsn, "journal_mode%28WAL%29")

	assert.Contains(t, SQLiteDSN("file:chat.db?mode=rwc"), "mode=rwc&_pragma=")
}

func TestBuildDSN(t *testing.T) {
	assert.Equal(t,
		"host=db port=5432 user=u password=p dbname=chat sslmode=disable",
		BuildDSN("db", "5432", "u", "p", "chat"))
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	host := mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := OpenRedis(context.Background(), &config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())

	// nothing listens on the address once the server is gone
	mr.Close()
	_, err = OpenRedis(context.Background(), &config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}

package db

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"

	"attribution-pipeline/pkg/config"
)

func TestDialectByType(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Type = "sqlite"
	cfg.Database.Path = "file::memory:"
	d, err := Dialect(cfg)
	require.NoError(t, err)
	require.IsType(t, &sqlite.Dialector{}, d)

	cfg.Database.Type = "postgres"
	cfg.Database.DBNAME = "attribution"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "attribution", dbName(d))

	cfg.Database.Type = "oracle"
	_, err = Dialect(cfg)
	require.Error(t, err)
}

func TestDBNameFromMySQLDSN(t *testing.T) {
	d := mysql.Open("u:p@tcp(localhost:3306)/events?parseTime=true")
	require.Equal(t, "events", dbName(d))
	require.Equal(t, "unknown", dbName(postgres.Open("host=localhost")))
}

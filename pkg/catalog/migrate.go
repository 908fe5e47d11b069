package catalog

import (
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations runs all pending migrations using goose.
func (c *Catalog) RunMigrations() error {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	version, err := goose.GetDBVersion(c.conn)
	if err != nil {
		c.logger.Info("no existing migration version", "error", err)
	} else {
		c.logger.Info("current migration version", "version", version)
	}

	return goose.Up(c.conn, "migrations")
}

// GetMigrationVersion returns the current migration version.
func (c *Catalog) GetMigrationVersion() (int64, error) {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}

	return goose.GetDBVersion(c.conn)
}

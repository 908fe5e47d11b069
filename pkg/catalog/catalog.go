// Package catalog implements the transactional store that exclusively
// owns all persisted entities (Filesystem, Volume, VolumePathHistory,
// Inode, DedupEvent, DedupEventInode).
package catalog

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/elee1766/btrdedup/pkg/config"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog",
	fx.Provide(New),
)

// Catalog wraps the sqlite connection that backs every persisted
// entity. No other component in this repository opens its own
// database handle.
type Catalog struct {
	conn   *sql.DB
	logger *slog.Logger
}

func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*Catalog, error) {
	logger = logger.With("component", "catalog")

	dbDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{
		conn:   conn,
		logger: logger,
	}

	if err := cat.init(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("catalog initialized", "path", cfg.DBPath)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("closing catalog")
			return cat.Close()
		},
	})

	return cat, nil
}

func (c *Catalog) init() error {
	c.logger.Debug("initializing catalog with migrations")

	if _, err := c.conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	return c.RunMigrations()
}

func (c *Catalog) Close() error {
	return c.conn.Close()
}

func (c *Catalog) Conn() *sql.DB {
	return c.conn
}

// RelaxDurability switches the connection to asynchronous commits for
// the duration of a dedup run. This is safe because the worst a
// crash can do is lose a just-written DedupEvent row, which is
// re-derivable by re-running dedup on the affected volume; it must
// never be left relaxed across process boundaries.
func (c *Catalog) RelaxDurability() error {
	_, err := c.conn.Exec("PRAGMA synchronous = NORMAL")
	return err
}

// RestoreDurability restores the full fsync-on-commit behavior. Must
// be called before the process exits, on every exit path.
func (c *Catalog) RestoreDurability() error {
	_, err := c.conn.Exec("PRAGMA synchronous = FULL")
	return err
}

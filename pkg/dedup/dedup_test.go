package dedup

import (
	"log/slog"
	"path/filepath"
	"testing"

	"go.uber.org/fx"

	"github.com/elee1766/btrdedup/pkg/catalog"
	"github.com/elee1766/btrdedup/pkg/config"
)

type noopLifecycle struct{}

func (noopLifecycle) Append(fx.Hook) {}

// newTestCatalog opens a throwaway, fully-migrated Catalog backed by a
// temp-file sqlite database, the same constructor path cmd/btrdedup
// uses, just pointed at a scratch directory.
func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	cfg := &config.Config{DBPath: filepath.Join(t.TempDir(), "catalog.db")}
	cat, err := catalog.New(noopLifecycle{}, cfg, slog.Default())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

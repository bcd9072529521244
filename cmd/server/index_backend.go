package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agenttown.ai/internal/persistence/indexdb"
)

// openRuntimeIndex opens the secondary query index. A nil index with a nil
// error means indexing is off.
func openRuntimeIndex(worldDir string, disableDB bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("AT_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(worldDir, "index", "index.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported AT_INDEX_BACKEND: %s", backend)
	}
}

package main

import (
	"fmt"
	"os"
	"strings"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/config"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/persistence/indexdb"
	"viiru.dev/internal/persistence/snapshot"
)

type runtimeIndex interface {
	WriteChange(c editor.Change) error
	RecordProject(op editor.Op, path, digest string, timeMS int64)
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	UpsertCatalog(cat *catalog.Catalog) error
	Stats() indexdb.Stats
	Close() error
}

func openRuntimeIndex(cfg config.Config, sessionID string) (runtimeIndex, error) {
	if !cfg.Index.Enabled {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VIIRU_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(cfg.IndexPath(), sessionID)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported VIIRU_INDEX_BACKEND: %s", backend)
	}
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"viiru.dev/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; default <data>/index/viiru.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	blockID := fs.String("block", "", "block_id filter (changes)")
	_ = fs.Parse(args)

	q := "changes"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "viiru.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(context.Background(), os.Stdout, db, q, *blockID, *limit); err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

// runQuery prints one JSON object per row.
func runQuery(ctx context.Context, w io.Writer, db *sql.DB, q, blockID string, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	enc := json.NewEncoder(w)
	switch q {
	case "changes":
		rows, err := indexdb.QueryChanges(ctx, db, blockID, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	case "projects":
		return dumpRows(ctx, enc, db, `SELECT session_id,time_ms,op,path,digest FROM projects ORDER BY time_ms DESC LIMIT ?`, limit)
	case "snapshots":
		return dumpRows(ctx, enc, db, `SELECT session_id,seq,path,editing_target,digest,created_ms FROM snapshots ORDER BY created_ms DESC, seq DESC LIMIT ?`, limit)
	case "catalogs":
		return dumpRows(ctx, enc, db, `SELECT digest,opcodes,updated_at FROM catalogs ORDER BY updated_at DESC LIMIT ?`, limit)
	case "meta":
		return dumpRows(ctx, enc, db, `SELECT key,value FROM meta ORDER BY key LIMIT ?`, limit)
	default:
		return fmt.Errorf("unknown query %q (changes|projects|snapshots|catalogs|meta)", q)
	}
}

func dumpRows(ctx context.Context, enc *json.Encoder, db *sql.DB, query string, args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				m[c] = string(b)
				continue
			}
			m[c] = vals[i]
		}
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

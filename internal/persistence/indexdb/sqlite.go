// Package indexdb mirrors the change journal into a queryable SQLite file.
// The journal stays the source of truth; the index may drop rows under load.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/persistence/snapshot"
)

type SQLiteIndex struct {
	db        *sql.DB
	sessionID string

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropChange   atomic.Uint64
	dropProject  atomic.Uint64
	dropSnapshot atomic.Uint64
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropChangeTotal   uint64
	DropProjectTotal  uint64
	DropSnapshotTotal uint64
}

type reqKind int

const (
	reqChange reqKind = iota + 1
	reqProject
	reqSnapshot
)

type req struct {
	kind reqKind

	change   editor.Change
	project  projectRow
	snapshot snapshotRow
}

type projectRow struct {
	Op     editor.Op
	Path   string
	Digest string
	TimeMS int64
}

type snapshotRow struct {
	Seq           uint64
	Path          string
	EditingTarget string
	Digest        string
	CreatedMS     int64
}

// ChangeRow is one indexed change.
type ChangeRow struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	TimeMS    int64           `json:"time_ms"`
	Op        string          `json:"op"`
	Target    string          `json:"target"`
	BlockID   string          `json:"block_id,omitempty"`
	Digest    string          `json:"digest"`
	Raw       json.RawMessage `json:"raw"`
}

const queueSize = 65536

func OpenSQLite(path, sessionID string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:        db,
		sessionID: sessionID,
		ch:        make(chan req, queueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			digest TEXT PRIMARY KEY,
			opcodes INTEGER NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS changes (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			time_ms INTEGER NOT NULL,
			op TEXT NOT NULL,
			target TEXT NOT NULL,
			block_id TEXT,
			opcode TEXT,
			digest TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_block ON changes(block_id, time_ms);`,
		`CREATE TABLE IF NOT EXISTS projects (
			session_id TEXT NOT NULL,
			time_ms INTEGER NOT NULL,
			op TEXT NOT NULL,
			path TEXT NOT NULL,
			digest TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_path ON projects(path, time_ms);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			path TEXT NOT NULL,
			editing_target TEXT NOT NULL,
			digest TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropChangeTotal:   s.dropChange.Load(),
		DropProjectTotal:  s.dropProject.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteChange(c editor.Change) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqChange, change: c}, &s.dropChange)
	return nil
}

// RecordProject notes a load or save of path.
func (s *SQLiteIndex) RecordProject(op editor.Op, path, digest string, timeMS int64) {
	if s == nil || path == "" {
		return
	}
	s.enqueue(req{kind: reqProject, project: projectRow{Op: op, Path: path, Digest: digest, TimeMS: timeMS}}, &s.dropProject)
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	r := snapshotRow{
		Seq:           snap.Header.Seq,
		Path:          path,
		EditingTarget: snap.EditingTarget,
		Digest:        snap.Digest,
		CreatedMS:     snap.Header.CreatedMS,
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: r}, &s.dropSnapshot)
}

// UpsertCatalog stores the opcode catalog the session runs with, keyed by
// digest.
func (s *SQLiteIndex) UpsertCatalog(cat *catalog.Catalog) error {
	if s == nil || cat == nil {
		return nil
	}
	b, err := json.Marshal(struct {
		Categories map[string]catalog.Category  `json:"categories"`
		Opcodes    map[string]catalog.OpcodeDef `json:"opcodes"`
		Toolbox    []string                     `json:"toolbox"`
	}{cat.Categories, cat.Defs, cat.Toolbox})
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('catalog_digest',?)`, cat.Digest); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO catalogs(digest,opcodes,json,updated_at) VALUES(?,?,?,?)`,
		cat.Digest, len(cat.Defs), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

// RecentChanges returns up to limit changes, newest first. A non-empty
// blockID restricts the result to changes touching that block.
func (s *SQLiteIndex) RecentChanges(ctx context.Context, blockID string, limit int) ([]ChangeRow, error) {
	return QueryChanges(ctx, s.db, blockID, limit)
}

// QueryChanges runs against any handle on an index file, so offline tools
// can read it without starting a writer.
func QueryChanges(ctx context.Context, db *sql.DB, blockID string, limit int) ([]ChangeRow, error) {
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	q := `SELECT session_id,seq,time_ms,op,target,COALESCE(block_id,''),digest,raw_json FROM changes`
	args := []any{}
	if blockID != "" {
		q += ` WHERE block_id=?`
		args = append(args, blockID)
	}
	q += ` ORDER BY time_ms DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChangeRow
	for rows.Next() {
		var r ChangeRow
		var raw string
		if err := rows.Scan(&r.SessionID, &r.Seq, &r.TimeMS, &r.Op, &r.Target, &r.BlockID, &r.Digest, &raw); err != nil {
			return nil, err
		}
		r.Raw = json.RawMessage(raw)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertChange, _ := s.db.Prepare(`INSERT OR REPLACE INTO changes(session_id,seq,time_ms,op,target,block_id,opcode,digest,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertProject, _ := s.db.Prepare(`INSERT INTO projects(session_id,time_ms,op,path,digest) VALUES(?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(session_id,seq,path,editing_target,digest,created_ms) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertChange, insertProject, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqChange:
			c := r.change
			raw, _ := json.Marshal(c)
			exec(insertChange, s.sessionID, int64(c.Seq), c.TimeMS, string(c.Op), c.Target,
				nullable(c.BlockID), nullable(c.Opcode), c.Digest, string(raw))
		case reqProject:
			p := r.project
			exec(insertProject, s.sessionID, p.TimeMS, string(p.Op), p.Path, p.Digest)
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, s.sessionID, int64(sn.Seq), sn.Path, sn.EditingTarget, sn.Digest, sn.CreatedMS)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

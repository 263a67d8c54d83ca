// Package editor owns a project and the block-mutation operations applied to
// its editing target. An Editor is not safe for concurrent use; the session
// package serialises access to one.
package editor

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/persistence/sb3"
	"viiru.dev/internal/project"
)

type Editor struct {
	cat    *catalog.Catalog
	proj   *project.Project
	target *project.Target

	newID  func() string
	backup func(ctx context.Context, path string) error
	root   string
	// blake3 of the archive bytes last loaded.
	loaded string
}

type Option func(*Editor)

// WithIDGenerator replaces the uuid generator used for blocks created
// without a caller id.
func WithIDGenerator(f func() string) Option {
	return func(e *Editor) { e.newID = f }
}

// WithBackup installs a hook run before SaveProject overwrites an existing
// archive.
func WithBackup(f func(ctx context.Context, path string) error) Option {
	return func(e *Editor) { e.backup = f }
}

// WithProjectRoot confines LoadProject and SaveProject to dir. Paths are then
// taken relative to dir; absolute paths and paths leaving dir are refused
// with ErrBadRequest.
func WithProjectRoot(dir string) Option {
	return func(e *Editor) { e.root = dir }
}

// SequentialIDs returns a generator producing prefix1, prefix2, ...
func SequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + strconv.Itoa(n)
	}
}

// New returns an editor on an empty project (Stage + Sprite1), editing the
// sprite.
func New(cat *catalog.Catalog, opts ...Option) *Editor {
	e := &Editor{cat: cat, newID: uuid.NewString}
	for _, o := range opts {
		o(e)
	}
	e.NewProject()
	return e
}

func (e *Editor) Catalog() *catalog.Catalog { return e.cat }

func (e *Editor) NewProject() {
	e.SetProject(project.New())
}

// SetProject replaces the project and selects its default target.
func (e *Editor) SetProject(p *project.Project) {
	e.proj = p
	e.target = nil
	if p != nil {
		e.target = p.DefaultTarget()
	}
}

// Project returns the live project. Callers outside the owning goroutine must
// use Export.
func (e *Editor) Project() *project.Project { return e.proj }

// Export returns a deep copy of the project.
func (e *Editor) Export() *project.Project {
	if e.proj == nil {
		return nil
	}
	return e.proj.Clone()
}

func (e *Editor) EditingTarget() string {
	if e.target == nil {
		return ""
	}
	return e.target.Name
}

func (e *Editor) SetEditingTarget(name string) error {
	if e.proj == nil {
		return ErrNoTarget
	}
	t := e.proj.Target(name)
	if t == nil {
		return fmt.Errorf("target %q: %w", name, ErrNotFound)
	}
	e.target = t
	return nil
}

// Targets lists target names in project order.
func (e *Editor) Targets() []string {
	if e.proj == nil {
		return nil
	}
	out := make([]string, 0, len(e.proj.Targets))
	for _, t := range e.proj.Targets {
		out = append(out, t.Name)
	}
	return out
}

// LoadProject replaces the project with the archive at path. On failure the
// current project is kept.
func (e *Editor) LoadProject(ctx context.Context, path string) error {
	full, err := e.resolve(path)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", ErrProjectIO, path, err)
	}
	p, err := sb3.Read(ctx, bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", ErrProjectIO, path, err)
	}
	sum := blake3.Sum256(b)
	e.loaded = hex.EncodeToString(sum[:])
	e.SetProject(p)
	return nil
}

// LoadedBlake3 returns the content hash of the archive last loaded, empty
// before any load.
func (e *Editor) LoadedBlake3() string { return e.loaded }

// SaveProject writes the project to path, running the backup hook first when
// an archive already exists there.
func (e *Editor) SaveProject(ctx context.Context, path string) error {
	if e.proj == nil {
		return ErrNoTarget
	}
	full, err := e.resolve(path)
	if err != nil {
		return err
	}
	if e.backup != nil {
		if _, err := os.Stat(full); err == nil {
			if err := e.backup(ctx, full); err != nil {
				return fmt.Errorf("%w: backup %s: %w", ErrProjectIO, path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: stat %s: %w", ErrProjectIO, path, err)
		}
	}
	if err := sb3.WriteFile(ctx, full, e.proj); err != nil {
		return fmt.Errorf("%w: save %s: %w", ErrProjectIO, path, err)
	}
	return nil
}

func (e *Editor) resolve(path string) (string, error) {
	if e.root == "" {
		return path, nil
	}
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("path %q outside project dir: %w", path, ErrBadRequest)
	}
	return filepath.Join(e.root, path), nil
}

// GetAllBlocks returns a copy of the editing target's block store, empty when
// there is no editing target.
func (e *Editor) GetAllBlocks() map[string]*project.Block {
	if e.target == nil {
		return map[string]*project.Block{}
	}
	return project.CloneBlocks(e.target.Blocks)
}

func (e *Editor) GetBlock(id string) (*project.Block, error) {
	t, err := e.editing()
	if err != nil {
		return nil, err
	}
	b := t.Blocks[id]
	if b == nil {
		return nil, fmt.Errorf("block %q: %w", id, ErrNotFound)
	}
	return b.Clone(), nil
}

// GetVariablesOfType returns id -> name for the editing target's variables of
// type vt.
func (e *Editor) GetVariablesOfType(vt project.VarType) (map[string]string, error) {
	if !vt.Valid() {
		return nil, fmt.Errorf("variable type %q: %w", vt, ErrBadRequest)
	}
	if e.target == nil {
		return map[string]string{}, nil
	}
	return e.target.VariablesOfType(vt), nil
}

// TopLevelBlocks returns script roots ordered by position.
func (e *Editor) TopLevelBlocks() []string {
	if e.target == nil {
		return nil
	}
	return e.target.TopLevel()
}

// Digest hashes the editing target's block store. Replay compares it against
// the digest recorded with each change.
func (e *Editor) Digest() string {
	if e.target == nil {
		return ""
	}
	raw, err := json.Marshal(e.target.Blocks)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (e *Editor) editing() (*project.Target, error) {
	if e.target == nil {
		return nil, ErrNoTarget
	}
	return e.target, nil
}

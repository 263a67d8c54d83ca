// Package sb3 reads and writes Scratch 3 project archives.
package sb3

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zip"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"viiru.dev/internal/project"
)

const projectEntry = "project.json"

// Per-member cap; real assets are a few MB at most.
const maxEntryBytes = 64 << 20

var ErrNoProjectJSON = errors.New("sb3: archive has no project.json")

//go:embed project.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func projectSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("project.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// Validate checks a project.json document against the embedded schema.
func Validate(doc []byte) error {
	s, err := projectSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("project.json: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("project.json: %w", err)
	}
	return nil
}

// Read decodes an archive. ctx is checked between members.
func Read(ctx context.Context, r io.ReaderAt, size int64) (*project.Project, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("sb3: %w", err)
	}
	var doc []byte
	assets := map[string][]byte{}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		b, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("sb3: %s: %w", f.Name, err)
		}
		if f.Name == projectEntry {
			doc = b
			continue
		}
		assets[f.Name] = b
	}
	if doc == nil {
		return nil, ErrNoProjectJSON
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}
	p, err := project.Decode(doc)
	if err != nil {
		return nil, err
	}
	p.Assets = assets
	return p, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxEntryBytes {
		return nil, fmt.Errorf("entry larger than %d bytes", maxEntryBytes)
	}
	return b, nil
}

func ReadFile(ctx context.Context, path string) (*project.Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Read(ctx, f, st.Size())
}

// Write encodes p as an archive: project.json first, then assets by name.
func Write(ctx context.Context, w io.Writer, p *project.Project) error {
	doc, err := project.Encode(p)
	if err != nil {
		return fmt.Errorf("sb3: encode: %w", err)
	}
	zw := zip.NewWriter(w)
	if err := writeEntry(zw, projectEntry, doc); err != nil {
		_ = zw.Close()
		return err
	}
	names := make([]string, 0, len(p.Assets))
	for name := range p.Assets {
		if name != projectEntry {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return err
		}
		if err := writeEntry(zw, name, p.Assets[name]); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

func writeEntry(zw *zip.Writer, name string, b []byte) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("sb3: %s: %w", name, err)
	}
	if _, err := io.Copy(fw, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("sb3: %s: %w", name, err)
	}
	return nil
}

// WriteFile writes to a temp file next to path and renames it into place, so
// a failed save never truncates an existing project.
func WriteFile(ctx context.Context, path string, p *project.Project) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".viiru-*.sb3")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := Write(ctx, tmp, p); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

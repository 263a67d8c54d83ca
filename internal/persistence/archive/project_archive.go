// Package archive keeps copies of .sb3 files before they are overwritten.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

type Meta struct {
	Source    string `json:"source"`
	Archive   string `json:"archive"`
	Size      int64  `json:"size"`
	Blake3    string `json:"blake3"`
	CreatedAt string `json:"created_at"`
}

// Archiver copies project files into <dir>/<key>/<unix nanos>.sb3,
// each with a <unix nanos>.meta.json sidecar. Keep bounds the number of
// copies per project; 0 keeps everything.
type Archiver struct {
	Dir  string
	Keep int

	now func() time.Time
}

func New(dir string, keep int) *Archiver {
	return &Archiver{Dir: dir, Keep: keep, now: time.Now}
}

// Backup satisfies the editor's backup hook.
func (a *Archiver) Backup(ctx context.Context, path string) error {
	_, err := a.ArchiveProject(ctx, path)
	return err
}

// ErrNotArchived is returned by Find when no copy has the wanted content.
var ErrNotArchived = errors.New("archive: no copy with that content")

// Key names the directory holding copies of src: the file's base name plus a
// short hash of its absolute path, so equal names in different directories
// stay apart.
func Key(src string) string {
	abs, err := filepath.Abs(src)
	if err != nil {
		abs = filepath.Clean(src)
	}
	sum := blake3.Sum256([]byte(abs))
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return name + "-" + hex.EncodeToString(sum[:keyHashBytes])
}

const keyHashBytes = 6

// ArchiveProject copies src and returns the archived path.
func (a *Archiver) ArchiveProject(ctx context.Context, src string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(a.Dir, Key(abs))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	stamp := a.now().UTC().UnixNano()
	dst := filepath.Join(dir, fmt.Sprintf("%d.sb3", stamp))

	size, sum, err := copyFile(abs, dst)
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("archive %s: %w", src, err)
	}

	meta := Meta{
		Source:    abs,
		Archive:   filepath.Base(dst),
		Size:      size,
		Blake3:    sum,
		CreatedAt: a.now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.meta.json", stamp)), b, 0o644)
	}

	if a.Keep > 0 {
		a.prune(dir)
	}
	return dst, nil
}

// List returns the archived copies under key, oldest first.
func (a *Archiver) List(key string) ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(a.Dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sb3") {
			out = append(out, filepath.Join(a.Dir, key, e.Name()))
		}
	}
	// Equal-width nanosecond stamps sort chronologically.
	sort.Strings(out)
	return out, nil
}

// ListByName returns the copies of every archived project whose file was
// called name (without .sb3), grouped by key.
func (a *Archiver) ListByName(name string) (map[string][]string, error) {
	ents, err := os.ReadDir(a.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := map[string][]string{}
	for _, e := range ents {
		key := e.Name()
		if !e.IsDir() || !strings.HasPrefix(key, name+"-") || len(key) != len(name)+1+2*keyHashBytes {
			continue
		}
		files, err := a.List(key)
		if err != nil {
			return nil, err
		}
		out[key] = files
	}
	return out, nil
}

// Find returns an archived copy whose content hashes to sum.
func (a *Archiver) Find(sum string) (string, error) {
	metas, err := filepath.Glob(filepath.Join(a.Dir, "*", "*.meta.json"))
	if err != nil {
		return "", err
	}
	sort.Strings(metas)
	// Within one key the newest copy comes last.
	for i := len(metas) - 1; i >= 0; i-- {
		b, err := os.ReadFile(metas[i])
		if err != nil {
			continue
		}
		var m Meta
		if json.Unmarshal(b, &m) != nil || m.Blake3 != sum {
			continue
		}
		p := filepath.Join(filepath.Dir(metas[i]), m.Archive)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: blake3 %s", ErrNotArchived, sum)
}

// FileBlake3 hashes the file at path.
func FileBlake3(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (a *Archiver) prune(dir string) {
	files, err := a.List(filepath.Base(dir))
	if err != nil || len(files) <= a.Keep {
		return
	}
	for _, f := range files[:len(files)-a.Keep] {
		_ = os.Remove(f)
		_ = os.Remove(strings.TrimSuffix(f, ".sb3") + ".meta.json")
	}
}

func copyFile(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = out.Close() }()

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), out.Close()
}

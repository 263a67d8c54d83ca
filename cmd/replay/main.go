package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/persistence/archive"
	persistlog "viiru.dev/internal/persistence/log"
	"viiru.dev/internal/persistence/snapshot"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst to start from (optional; default: empty project)")
		journalDir = flag.String("journal", "./data/journal", "journal dir containing changes-*.jsonl.zst")
		catalogDir = flag.String("catalog", "", "opcode catalog override dir (optional)")
		toSeq      = flag.Uint64("to-seq", 0, "stop after this seq (inclusive, optional)")
		out        = flag.String("out", "", "save the replayed project to this .sb3 (optional)")
		projects   = flag.String("projects", "./data/projects", "project dir the recorded session resolved relative paths against")
		archiveDir = flag.String("archive", "./data/archive", "archived copies used when a loaded file was overwritten since")
	)
	flag.Parse()

	cat, err := catalog.Load(*catalogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalog:", err)
		os.Exit(1)
	}
	ed := editor.New(cat)

	var start uint64
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		p, err := snap.Project()
		if err != nil {
			fmt.Fprintln(os.Stderr, "decode snapshot:", err)
			os.Exit(1)
		}
		ed.SetProject(p)
		if snap.EditingTarget != "" {
			if err := ed.SetEditingTarget(snap.EditingTarget); err != nil {
				fmt.Fprintln(os.Stderr, "snapshot target:", err)
				os.Exit(1)
			}
		}
		start = snap.Header.Seq
		fmt.Printf("snapshot v%d session=%s seq=%d targets=%d digest=%s\n",
			snap.Header.Version, snap.Header.SessionID, snap.Header.Seq, len(p.Targets), snap.Digest)
	}

	files, err := persistlog.JournalFiles(*journalDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *journalDir)
		os.Exit(1)
	}

	r := &replayer{ed: ed, next: start + 1, to: *toSeq, projects: *projects}
	if *archiveDir != "" {
		r.arch = archive.New(*archiveDir, 0)
	}
	for _, path := range files {
		if err := r.file(context.Background(), path); err != nil {
			if errors.Is(err, errDone) {
				break
			}
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	if *out != "" {
		if err := ed.SaveProject(context.Background(), *out); err != nil {
			fmt.Fprintln(os.Stderr, "save:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("replay ok: checked=%d changes (from seq=%d) digest=%s\n", r.checked, start, ed.Digest())
}

var errDone = errors.New("done")

type replayer struct {
	ed       *editor.Editor
	next     uint64
	to       uint64
	checked  uint64
	projects string
	arch     *archive.Archiver
}

func (r *replayer) file(ctx context.Context, path string) error {
	return persistlog.ReadChanges(path, func(c editor.Change) error {
		if c.Seq < r.next {
			return nil
		}
		if r.to != 0 && c.Seq > r.to {
			return errDone
		}
		if c.Seq != r.next {
			return fmt.Errorf("seq gap: want=%d got=%d (file=%s)", r.next, c.Seq, filepath.Base(path))
		}
		if err := r.step(ctx, c); err != nil {
			return fmt.Errorf("seq %d %s: %w", c.Seq, c.Op, err)
		}
		r.next++
		r.checked++
		return nil
	})
}

// step applies one change. Saves are not repeated so replay never writes
// over the user's files; the digest check still covers them.
func (r *replayer) step(ctx context.Context, c editor.Change) error {
	if c.Op == editor.OpLoadProject {
		path, err := r.loadPath(c)
		if err != nil {
			return err
		}
		c.Path = path
	}
	if c.Op != editor.OpSaveProject {
		if err := r.ed.Apply(ctx, &c); err != nil {
			return err
		}
	}
	if got := r.ed.Digest(); c.Digest != "" && got != c.Digest {
		return fmt.Errorf("digest mismatch: got=%s want=%s", got, c.Digest)
	}
	return nil
}

// loadPath finds the bytes a recorded load read. A file saved over since then
// is replaced by its archived copy with the recorded hash.
func (r *replayer) loadPath(c editor.Change) (string, error) {
	path := c.Path
	if !filepath.IsAbs(path) && r.projects != "" {
		path = filepath.Join(r.projects, path)
	}
	if c.Blake3 == "" {
		return path, nil
	}
	if sum, err := archive.FileBlake3(path); err == nil && sum == c.Blake3 {
		return path, nil
	}
	if r.arch == nil {
		return "", fmt.Errorf("%s changed since it was loaded", c.Path)
	}
	found, err := r.arch.Find(c.Blake3)
	if err != nil {
		return "", fmt.Errorf("%s changed since it was loaded: %w", c.Path, err)
	}
	return found, nil
}

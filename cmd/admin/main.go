package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	flag "github.com/spf13/pflag"

	"viiru.dev/internal/persistence/archive"
	persistlog "viiru.dev/internal/persistence/log"
	"viiru.dev/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "snap":
			snapCmd(os.Args[2:])
			return
		case "archive":
			archiveCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	if err := listData(os.Stdout, *dataDir); err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
}

// listData prints the snapshots, journal files and archived projects under
// dataDir.
func listData(w io.Writer, dataDir string) error {
	if _, err := os.Stat(dataDir); err != nil {
		return err
	}

	snaps, _ := filepath.Glob(filepath.Join(dataDir, "snapshots", "*.snap.zst"))
	sort.Strings(snaps)
	fmt.Fprintf(w, "snapshots: %d\n", len(snaps))
	for _, p := range snaps {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Fprintf(w, "  %s (unreadable: %v)\n", filepath.Base(p), err)
			continue
		}
		fmt.Fprintf(w, "  %s session=%s seq=%d\n", filepath.Base(p), h.SessionID, h.Seq)
	}

	journal, _ := persistlog.JournalFiles(filepath.Join(dataDir, "journal"))
	fmt.Fprintf(w, "journal: %d\n", len(journal))
	for _, p := range journal {
		fmt.Fprintf(w, "  %s\n", filepath.Base(p))
	}

	arch := archive.New(filepath.Join(dataDir, "archive"), 0)
	ents, _ := os.ReadDir(arch.Dir)
	fmt.Fprintf(w, "archive: %d\n", len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		copies, _ := arch.List(e.Name())
		fmt.Fprintf(w, "  %s copies=%d\n", e.Name(), len(copies))
	}
	return nil
}

func snapCmd(args []string) {
	fs := flag.NewFlagSet("snap", flag.ExitOnError)
	full := fs.Bool("full", false, "decode the whole snapshot, not just its header")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin snap [--full] <path.snap.zst>")
		os.Exit(2)
	}
	if err := describeSnapshot(os.Stdout, fs.Arg(0), *full); err != nil {
		fmt.Fprintln(os.Stderr, "snap:", err)
		os.Exit(1)
	}
}

func describeSnapshot(w io.Writer, path string, full bool) error {
	if !full {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			return err
		}
		return json.NewEncoder(w).Encode(h)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	p, err := snap.Project()
	if err != nil {
		return err
	}
	out := struct {
		Header        snapshot.Header `json:"header"`
		EditingTarget string          `json:"editing_target"`
		CatalogDigest string          `json:"catalog_digest"`
		Digest        string          `json:"digest"`
		Targets       map[string]int  `json:"targets"`
		Assets        []string        `json:"assets"`
	}{
		Header:        snap.Header,
		EditingTarget: snap.EditingTarget,
		CatalogDigest: snap.CatalogDigest,
		Digest:        snap.Digest,
		Targets:       map[string]int{},
	}
	for _, t := range p.Targets {
		out.Targets[t.Name] = len(t.Blocks)
	}
	for name := range snap.Assets {
		out.Assets = append(out.Assets, name)
	}
	sort.Strings(out.Assets)
	return json.NewEncoder(w).Encode(out)
}

func archiveCmd(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin archive [--data dir] <project name|path>")
		os.Exit(2)
	}
	arch := archive.New(filepath.Join(*dataDir, "archive"), 0)
	arg := fs.Arg(0)
	if strings.ContainsRune(arg, filepath.Separator) {
		copies, err := arch.List(archive.Key(arg))
		if err != nil {
			fmt.Fprintln(os.Stderr, "archive:", err)
			os.Exit(1)
		}
		for _, c := range copies {
			fmt.Println(c)
		}
		return
	}
	byKey, err := arch.ListByName(strings.TrimSuffix(arg, ".sb3"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "archive:", err)
		os.Exit(1)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, c := range byKey[k] {
			fmt.Println(c)
		}
	}
}

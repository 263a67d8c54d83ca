package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"viiru.dev/internal/project"
)

func TestWriteReadSnapshot(t *testing.T) {
	p := project.New()
	p.DefaultTarget().Blocks["hat"] = &project.Block{
		ID: "hat", Opcode: "event_whenflagclicked", TopLevel: true, X: 10, Y: 20,
		Inputs: map[string]*project.Input{}, Fields: map[string]*project.Field{},
	}
	p.Assets["a.svg"] = []byte("<svg/>")

	snap, err := New(Header{SessionID: "S1", Seq: 7, CreatedMS: 1700000000000}, p, "Sprite1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	snap.Digest = "abc"
	path := filepath.Join(t.TempDir(), "snapshots", "7.snap.zst")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Version != Version || h.SessionID != "S1" || h.Seq != 7 {
		t.Fatalf("header=%+v", h)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.EditingTarget != "Sprite1" || got.Digest != "abc" {
		t.Fatalf("snapshot=%+v", got.Header)
	}
	q, err := got.Project()
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	hat := q.DefaultTarget().Blocks["hat"]
	if hat == nil || hat.Opcode != "event_whenflagclicked" || hat.Y != 20 {
		t.Fatalf("hat=%+v", hat)
	}
	if string(q.Assets["a.svg"]) != "<svg/>" {
		t.Fatalf("assets=%v", q.Assets)
	}
}

func TestReadSnapshot_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap.zst")
	if err := os.WriteFile(path, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected error")
	}
}

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/persistence/snapshot"
)

type memJournal struct {
	mu      sync.Mutex
	changes []editor.Change
}

func (j *memJournal) WriteChange(c editor.Change) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.changes = append(j.changes, c)
	return nil
}

func (j *memJournal) all() []editor.Change {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]editor.Change(nil), j.changes...)
}

type memIndex struct {
	memJournal
	projects []string
}

func (i *memIndex) RecordProject(op editor.Op, path, digest string, timeMS int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.projects = append(i.projects, string(op)+":"+path)
}

func start(t *testing.T, cfg Config, setup ...func(*Session)) *Session {
	t.Helper()
	ed := editor.New(catalog.MustDefault(), editor.WithIDGenerator(editor.SequentialIDs("b")))
	s := New(cfg, ed, nil)
	for _, f := range setup {
		f(s)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}

func TestSession_AppliesAndJournals(t *testing.T) {
	j := &memJournal{}
	s := start(t, Config{ID: "S1"}, func(s *Session) { s.SetJournal(j) })
	ctx := context.Background()

	hat, err := s.CreateBlock(ctx, "event_whenflagclicked", false, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateBlock(ctx, "control_if", false, "if"); err != nil {
		t.Fatalf("create if: %v", err)
	}
	if err := s.AttachBlock(ctx, "if", hat, "", false); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := s.AttachBlock(ctx, "if", hat, "", false); !errors.Is(err, editor.ErrSlotOccupied) {
		t.Fatalf("second attach err=%v want ErrSlotOccupied", err)
	}

	blocks, err := s.GetAllBlocks(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if blocks[hat].Next != "if" {
		t.Fatalf("next=%q want if", blocks[hat].Next)
	}

	got := j.all()
	if len(got) != 3 {
		t.Fatalf("journal=%d want 3", len(got))
	}
	for i, c := range got {
		if c.Seq != uint64(i+1) || c.Digest == "" || c.Target != "Sprite1" {
			t.Fatalf("change %d=%+v", i, c)
		}
	}
	if got[0].BlockID != hat {
		t.Fatalf("created id not recorded: %+v", got[0])
	}
	if s.Seq() != 3 {
		t.Fatalf("seq=%d want 3", s.Seq())
	}
	m := s.Metrics()
	if m.CallsTotal != 5 || m.ErrorsTotal != 1 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestSession_ReplayMatchesDigest(t *testing.T) {
	j := &memJournal{}
	s := start(t, Config{}, func(s *Session) { s.SetJournal(j) })
	ctx := context.Background()

	id, _ := s.CreateBlock(ctx, "motion_movesteps", false, "")
	_ = s.SlideBlock(ctx, id, 100, 50)
	_ = s.ChangeField(ctx, id+"-STEPS", "NUM", "25", "")
	say, _ := s.CreateBlock(ctx, "looks_say", false, "")
	_ = s.AttachBlock(ctx, say, id, "", false)
	_ = s.DeleteBlock(ctx, say)

	ed := editor.New(catalog.MustDefault())
	var last string
	for _, c := range j.all() {
		c := c
		if err := ed.Apply(ctx, &c); err != nil {
			t.Fatalf("replay seq=%d: %v", c.Seq, err)
		}
		if d := ed.Digest(); d != c.Digest {
			t.Fatalf("seq=%d digest=%s want %s", c.Seq, d, c.Digest)
		}
		last = c.Digest
	}
	v, err := s.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if v.Digest != last || v.Seq != 6 {
		t.Fatalf("view digest=%s seq=%d", v.Digest, v.Seq)
	}
}

func TestSession_ConcurrentCallersSerialise(t *testing.T) {
	s := start(t, Config{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreateBlock(ctx, "looks_show", false, ""); err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()
	blocks, err := s.GetAllBlocks(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(blocks) != 20 || s.Seq() != 20 {
		t.Fatalf("blocks=%d seq=%d want 20", len(blocks), s.Seq())
	}
}

func TestSession_SubscribeReceivesChanges(t *testing.T) {
	s := start(t, Config{ID: "S2"})
	ctx := context.Background()
	ch, w, cancel, err := s.Subscribe(ctx, 4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if w.SessionID != "S2" || w.Seq != 0 || w.EditingTarget != "Sprite1" || w.CatalogCount == 0 {
		t.Fatalf("welcome=%+v", w)
	}
	if _, err := s.CreateBlock(ctx, "looks_show", false, "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case c := <-ch:
		if c.Op != editor.OpCreateBlock || c.BlockID != "x" {
			t.Fatalf("change=%+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no change delivered")
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed")
	}
}

func TestSession_SlowSubscriberSeesLatest(t *testing.T) {
	s := start(t, Config{})
	ctx := context.Background()
	ch, _, cancel, err := s.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, err := s.CreateBlock(ctx, "looks_show", false, ""); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	c := <-ch
	if c.Seq != 3 {
		t.Fatalf("seq=%d want 3", c.Seq)
	}
	if d := s.Metrics().SubscriberDropsTotal; d != 2 {
		t.Fatalf("drops=%d want 2", d)
	}
}

func TestSession_IndexRecordsProjectIO(t *testing.T) {
	idx := &memIndex{}
	s := start(t, Config{}, func(s *Session) { s.SetIndex(idx) })
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.sb3")
	if err := s.SaveProject(ctx, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.LoadProject(ctx, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.LoadProject(ctx, filepath.Join(t.TempDir(), "missing.sb3")); !errors.Is(err, editor.ErrProjectIO) {
		t.Fatalf("err=%v want ErrProjectIO", err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.projects) != 2 || idx.projects[0] != "saveProject:"+path || idx.projects[1] != "loadProject:"+path {
		t.Fatalf("projects=%v", idx.projects)
	}
	if len(idx.changes) != 2 {
		t.Fatalf("changes=%d want 2", len(idx.changes))
	}
}

func TestSession_RequestSnapshot(t *testing.T) {
	ctx := context.Background()
	bare := start(t, Config{})
	if _, err := bare.RequestSnapshot(ctx); err == nil {
		t.Fatalf("expected error without sink")
	}

	sink := make(chan snapshot.SnapshotV1, 1)
	s := start(t, Config{ID: "S3"}, func(s *Session) { s.SetSnapshotSink(sink) })
	if _, err := s.CreateBlock(ctx, "looks_show", false, "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	seq, err := s.RequestSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq=%d want 1", seq)
	}
	snap := <-sink
	if snap.Header.SessionID != "S3" || snap.Header.Seq != 1 || snap.EditingTarget != "Sprite1" {
		t.Fatalf("snapshot header=%+v target=%s", snap.Header, snap.EditingTarget)
	}
	p, err := snap.Project()
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if p.Target("Sprite1").Blocks["a"] == nil {
		t.Fatalf("block a missing from snapshot")
	}
}

func TestSession_CallerContextAndStop(t *testing.T) {
	ed := editor.New(catalog.MustDefault())
	s := New(Config{}, ed, nil)

	// No loop running: the caller's deadline wins.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.CreateBlock(ctx, "looks_show", false, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline", err)
	}

	go func() { _ = s.Run(context.Background()) }()
	s.Stop()
	s.Stop()
	<-s.Done()
	if _, err := s.CreateBlock(context.Background(), "looks_show", false, ""); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

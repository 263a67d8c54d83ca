package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/config"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/persistence/archive"
	"viiru.dev/internal/persistence/snapshot"
	"viiru.dev/internal/session"
	"viiru.dev/internal/transport/ws"
)

type testServer struct {
	sess *session.Session
	http *httptest.Server
	cfg  config.Config
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Normalize()

	ed, err := newEditor(cfg, catalog.MustDefault(), editor.WithIDGenerator(editor.SequentialIDs("b")))
	if err != nil {
		t.Fatalf("editor: %v", err)
	}
	sess := session.New(session.Config{ID: "srv"}, ed, nil)

	idx, err := openRuntimeIndex(cfg, sess.ID())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	sess.SetIndex(idx)

	ctx, cancel := context.WithCancel(context.Background())
	snapCh := make(chan snapshot.SnapshotV1, 2)
	sess.SetSnapshotSink(snapCh)
	logger := log.New(io.Discard, "", 0)
	go writeSnapshots(ctx, cfg.DataDir, snapCh, idx, logger)
	go func() { _ = sess.Run(ctx) }()

	hs := httptest.NewServer(newMux(sess, ws.NewServer(sess, logger), idx, cfg, logger))
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-sess.Done()
		_ = idx.Close()
	})
	return &testServer{sess: sess, http: hs, cfg: cfg}
}

func TestMetrics_ExposeSessionCounters(t *testing.T) {
	ts := startTestServer(t)
	if _, err := ts.sess.CreateBlock(context.Background(), "looks_show", false, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`viiru_session_seq{session="srv"} 1`,
		`viiru_calls_total{session="srv"} 1`,
		"viiru_ws_connections 0",
		`viiru_index_dropped_total{kind="change"} 0`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAdminState(t *testing.T) {
	ts := startTestServer(t)
	resp, err := http.Get(ts.http.URL + "/admin/v1/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
	var out struct {
		State session.State `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State.SessionID != "srv" || out.State.EditingTarget != "Sprite1" {
		t.Fatalf("unexpected state: %+v", out.State)
	}
}

func TestAdminSnapshot_WritesFileAndRestores(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()
	if _, err := ts.sess.CreateBlock(ctx, "motion_movesteps", false, "mv"); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Get(ts.http.URL + "/admin/v1/snapshot")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d want 405", resp.StatusCode)
	}

	resp, err = http.Post(ts.http.URL+"/admin/v1/snapshot", "application/json", nil)
	if err != nil {
		t.Fatalf("post snapshot: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		OK   bool   `json:"ok"`
		Seq  uint64 `json:"seq"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.OK || out.Seq != 1 {
		t.Fatalf("unexpected response: %+v", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(out.Path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot %s not written", out.Path)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := latestSnapshot(ts.cfg.DataDir); got != out.Path {
		t.Fatalf("latest=%q want %q", got, out.Path)
	}

	ed := editor.New(catalog.MustDefault())
	seq, id, err := restore(ed, out.Path)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if seq != 1 || id != "srv" {
		t.Fatalf("seq=%d id=%q", seq, id)
	}
	if _, err := ed.GetBlock("mv"); err != nil {
		t.Fatalf("restored project lacks block: %v", err)
	}
}

func TestAdminEndpoints_CanBeDisabled(t *testing.T) {
	t.Setenv("VIIRU_ENABLE_ADMIN_HTTP", "false")
	ts := startTestServer(t)
	resp, err := http.Get(ts.http.URL + "/admin/v1/state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}
}

func TestNewEditor_ConfinesProjectsAndArchives(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()
	outside := filepath.Join(ts.cfg.DataDir, "outside.sb3")
	for _, path := range []string{outside, "../outside.sb3"} {
		if err := ts.sess.SaveProject(ctx, path); !errors.Is(err, editor.ErrBadRequest) {
			t.Fatalf("save %q: err=%v want ErrBadRequest", path, err)
		}
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Fatalf("file written outside the project dir")
	}

	for i := 0; i < 2; i++ {
		if err := ts.sess.SaveProject(ctx, "game.sb3"); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	saved := filepath.Join(ts.cfg.ProjectRoot(), "game.sb3")
	if _, err := os.Stat(saved); err != nil {
		t.Fatalf("saved file: %v", err)
	}
	copies, err := archive.New(filepath.Join(ts.cfg.DataDir, "archive"), 0).List(archive.Key(saved))
	if err != nil || len(copies) != 1 {
		t.Fatalf("copies=%v err=%v", copies, err)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:5000":     true,
		"10.0.0.2:5000":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

func TestLatestSnapshot_PicksHighestSeq(t *testing.T) {
	dir := t.TempDir()
	snaps := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"2.snap.zst", "10.snap.zst", "x.snap.zst", "3.txt"} {
		if err := os.WriteFile(filepath.Join(snaps, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got, want := latestSnapshot(dir), filepath.Join(snaps, "10.snap.zst"); got != want {
		t.Fatalf("latest=%q want %q", got, want)
	}
}

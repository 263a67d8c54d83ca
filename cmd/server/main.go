package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/config"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/persistence/archive"
	persistlog "viiru.dev/internal/persistence/log"
	"viiru.dev/internal/persistence/snapshot"
	"viiru.dev/internal/session"
	"viiru.dev/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to viiru.yaml (optional)")
		envFile    = flag.String("env", ".env", "dotenv file to load before reading the config")
		addr       = flag.String("addr", "", "http listen address (overrides server.addr)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		project    = flag.String("project", "", ".sb3 project under the project dir to load on start (optional)")
		disableDB  = flag.Bool("disable-db", false, "disable the sqlite index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to restore (optional)")
		loadLatest = flag.Bool("load-latest-snapshot", false, "restore the latest snapshot from the data dir (when --snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if err := config.LoadDotEnv(*envFile); err != nil {
		logger.Fatalf("load env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *disableDB {
		cfg.Index.Enabled = false
	}
	if *loadLatest {
		cfg.Session.Restore = true
	}
	_ = os.MkdirAll(cfg.DataDir, 0o755)

	cat, err := catalog.Load(cfg.CatalogDir)
	if err != nil {
		logger.Fatalf("load catalog: %v", err)
	}

	ed, err := newEditor(cfg, cat)
	if err != nil {
		logger.Fatalf("editor: %v", err)
	}

	// Restore from a snapshot, if asked to.
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && cfg.Session.Restore {
		snapshotToLoad = latestSnapshot(cfg.DataDir)
	}
	sessCfg := session.Config{ID: cfg.Session.ID, AutosaveEvery: cfg.Session.AutosaveEvery}
	if snapshotToLoad != "" {
		seq, id, err := restore(ed, snapshotToLoad)
		if err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		sessCfg.StartSeq = seq
		if sessCfg.ID == "" {
			sessCfg.ID = id
		}
		logger.Printf("resumed from snapshot=%s seq=%d", filepath.Base(snapshotToLoad), seq)
	}

	sess := session.New(sessCfg, ed, logger)

	idx, err := openRuntimeIndex(cfg, sess.ID())
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalog(cat); err != nil {
			logger.Printf("index backend: upsert catalog: %v", err)
		}
		sess.SetIndex(idx)
	}

	if cfg.Session.Journal {
		journal := persistlog.NewChangeLogger(cfg.DataDir)
		defer journal.Close()
		sess.SetJournal(journal)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	sess.SetSnapshotSink(snapCh)
	go writeSnapshots(ctx, cfg.DataDir, snapCh, idx, logger)

	go func() {
		if err := sess.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("session stopped: %v", err)
		}
	}()

	if *project != "" {
		if err := sess.LoadProject(ctx, *project); err != nil {
			logger.Fatalf("load project: %v", err)
		}
		logger.Printf("loaded %s", *project)
	}

	wsSrv := ws.NewServer(sess, logger, ws.WithAllowedOrigins(cfg.Server.AllowedOrigins...))
	mux := newMux(sess, wsSrv, idx, cfg, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s session=%s", cfg.Server.Addr, sess.ID())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-sess.Done()
}

// newEditor builds the session's editor: project files confined to the
// project dir, overwritten archives copied aside first.
func newEditor(cfg config.Config, cat *catalog.Catalog, extra ...editor.Option) (*editor.Editor, error) {
	root := cfg.ProjectRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("project dir: %w", err)
	}
	opts := []editor.Option{editor.WithProjectRoot(root)}
	if cfg.Archive.Enabled {
		arch := archive.New(filepath.Join(cfg.DataDir, "archive"), cfg.Archive.Keep)
		opts = append(opts, editor.WithBackup(arch.Backup))
	}
	return editor.New(cat, append(opts, extra...)...), nil
}

func restore(ed *editor.Editor, path string) (seq uint64, sessionID string, err error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return 0, "", err
	}
	if snap.CatalogDigest != "" && snap.CatalogDigest != ed.Catalog().Digest {
		return 0, "", fmt.Errorf("catalog digest mismatch: snapshot=%s catalog=%s", snap.CatalogDigest, ed.Catalog().Digest)
	}
	p, err := snap.Project()
	if err != nil {
		return 0, "", err
	}
	ed.SetProject(p)
	if snap.EditingTarget != "" {
		if err := ed.SetEditingTarget(snap.EditingTarget); err != nil {
			return 0, "", err
		}
	}
	if snap.Digest != "" && snap.Digest != ed.Digest() {
		return 0, "", fmt.Errorf("project digest mismatch: snapshot=%s restored=%s", snap.Digest, ed.Digest())
	}
	return snap.Header.Seq, snap.Header.SessionID, nil
}

func writeSnapshots(ctx context.Context, dataDir string, ch <-chan snapshot.SnapshotV1, idx runtimeIndex, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			path := snapshotPath(dataDir, snap.Header.Seq)
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Printf("snapshot write: %v", err)
				continue
			}
			if idx != nil {
				idx.RecordSnapshot(path, snap)
			}
		}
	}
}

func snapshotPath(dataDir string, seq uint64) string {
	return filepath.Join(dataDir, "snapshots", fmt.Sprintf("%d.snap.zst", seq))
}

func newMux(sess *session.Session, wsSrv *ws.Server, idx runtimeIndex, cfg config.Config, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, sess, wsSrv, idx)
	})

	enableAdminHTTP := envBool("VIIRU_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("VIIRU_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		allowed := func(r *http.Request) bool {
			return !cfg.Server.AdminLoopbackOnly || isLoopbackRemote(r.RemoteAddr)
		}
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !allowed(r) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			st, err := sess.State(ctx2)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			resp := struct {
				State   session.State   `json:"state"`
				Metrics session.Metrics `json:"metrics"`
			}{st, sess.Metrics()}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !allowed(r) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			seq, err := sess.RequestSnapshot(ctx2)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "seq": seq, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "seq": seq, "path": snapshotPath(cfg.DataDir, seq)})
		})
	} else {
		logger.Printf("admin endpoints disabled (VIIRU_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	return mux
}

func writeMetrics(rw http.ResponseWriter, sess *session.Session, wsSrv *ws.Server, idx runtimeIndex) {
	id := sess.ID()
	m := sess.Metrics()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP viiru_session_seq Sequence number of the last applied change.\n")
	fmt.Fprintf(rw, "# TYPE viiru_session_seq gauge\n")
	fmt.Fprintf(rw, "viiru_session_seq{session=%q} %d\n", id, m.Seq)

	fmt.Fprintf(rw, "# HELP viiru_calls_total Block API calls handled by the session.\n")
	fmt.Fprintf(rw, "# TYPE viiru_calls_total counter\n")
	fmt.Fprintf(rw, "viiru_calls_total{session=%q} %d\n", id, m.CallsTotal)

	fmt.Fprintf(rw, "# HELP viiru_call_errors_total Block API calls that returned an error.\n")
	fmt.Fprintf(rw, "# TYPE viiru_call_errors_total counter\n")
	fmt.Fprintf(rw, "viiru_call_errors_total{session=%q} %d\n", id, m.ErrorsTotal)

	fmt.Fprintf(rw, "# HELP viiru_subscribers Current number of change subscribers.\n")
	fmt.Fprintf(rw, "# TYPE viiru_subscribers gauge\n")
	fmt.Fprintf(rw, "viiru_subscribers{session=%q} %d\n", id, m.Subscribers)

	fmt.Fprintf(rw, "# HELP viiru_subscriber_drops_total Changes dropped for slow subscribers.\n")
	fmt.Fprintf(rw, "# TYPE viiru_subscriber_drops_total counter\n")
	fmt.Fprintf(rw, "viiru_subscriber_drops_total{session=%q} %d\n", id, m.SubscriberDropsTotal)

	fmt.Fprintf(rw, "# HELP viiru_autosave_drops_total Snapshots dropped because the writer was busy.\n")
	fmt.Fprintf(rw, "# TYPE viiru_autosave_drops_total counter\n")
	fmt.Fprintf(rw, "viiru_autosave_drops_total{session=%q} %d\n", id, m.AutosaveDropsTotal)

	wst := wsSrv.Stats()
	fmt.Fprintf(rw, "# HELP viiru_ws_connections Current websocket connections.\n")
	fmt.Fprintf(rw, "# TYPE viiru_ws_connections gauge\n")
	fmt.Fprintf(rw, "viiru_ws_connections %d\n", wst.Connections)

	fmt.Fprintf(rw, "# HELP viiru_ws_calls_total CALL frames received.\n")
	fmt.Fprintf(rw, "# TYPE viiru_ws_calls_total counter\n")
	fmt.Fprintf(rw, "viiru_ws_calls_total %d\n", wst.CallsTotal)

	fmt.Fprintf(rw, "# HELP viiru_ws_event_drops_total EVENT frames dropped for slow connections.\n")
	fmt.Fprintf(rw, "# TYPE viiru_ws_event_drops_total counter\n")
	fmt.Fprintf(rw, "viiru_ws_event_drops_total %d\n", wst.EventDropsTotal)

	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP viiru_index_queue_depth Index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE viiru_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "viiru_index_queue_depth %d\n", s.QueueDepth)
	fmt.Fprintf(rw, "# HELP viiru_index_dropped_total Index records dropped on a full queue.\n")
	fmt.Fprintf(rw, "# TYPE viiru_index_dropped_total counter\n")
	fmt.Fprintf(rw, "viiru_index_dropped_total{kind=%q} %d\n", "change", s.DropChangeTotal)
	fmt.Fprintf(rw, "viiru_index_dropped_total{kind=%q} %d\n", "project", s.DropProjectTotal)
	fmt.Fprintf(rw, "viiru_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(dataDir string) string {
	dir := filepath.Join(dataDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestSeq uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || seq > bestSeq {
			bestSeq = seq
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

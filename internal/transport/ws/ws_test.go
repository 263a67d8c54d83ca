package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/project"
	"viiru.dev/internal/protocol"
	"viiru.dev/internal/session"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	return startServerWith(t, nil)
}

func startServerWith(t *testing.T, edOpts []editor.Option, opts ...Option) (*Server, string) {
	t.Helper()
	edOpts = append([]editor.Option{editor.WithIDGenerator(editor.SequentialIDs("b"))}, edOpts...)
	ed := editor.New(catalog.MustDefault(), edOpts...)
	sess := session.New(session.Config{ID: "S1"}, ed, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sess.Run(ctx) }()

	srv := NewServer(sess, nil, opts...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-sess.Done()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, subscribe bool) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "test", subscribe)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_FlagIfScenario(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url, false)
	require.Equal(t, "S1", c.Welcome().SessionID)
	require.Equal(t, "Sprite1", c.Welcome().EditingTarget)
	require.Equal(t, catalog.MustDefault().Digest, c.Welcome().Catalog.Digest)

	ctx := context.Background()
	hat, err := c.CreateBlock(ctx, "event_whenflagclicked", false, "")
	require.NoError(t, err)
	require.Equal(t, "b1", hat)

	_, err = c.CreateBlock(ctx, "control_if", false, "if")
	require.NoError(t, err)
	require.NoError(t, c.AttachBlock(ctx, "if", hat, "", false))

	eq, err := c.CreateBlock(ctx, "operator_equals", false, "")
	require.NoError(t, err)
	require.NoError(t, c.AttachBlock(ctx, eq, "if", "CONDITION", false))

	blocks, err := c.GetAllBlocks(ctx)
	require.NoError(t, err)
	require.Equal(t, "if", blocks[hat].Next)
	require.Equal(t, eq, blocks["if"].Inputs["CONDITION"].Block)
	require.Equal(t, "if", blocks[eq].Parent)
	require.False(t, blocks[eq].TopLevel)
}

func TestClient_ErrorsKeepTheirKind(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url, false)
	ctx := context.Background()

	_, err := c.CreateBlock(ctx, "no_such_opcode", false, "")
	require.ErrorIs(t, err, editor.ErrUnknownOpcode)

	_, err = c.CreateBlock(ctx, "looks_show", false, "a")
	require.NoError(t, err)
	_, err = c.CreateBlock(ctx, "looks_show", false, "a")
	require.ErrorIs(t, err, editor.ErrConflict)

	require.ErrorIs(t, c.SlideBlock(ctx, "missing", 1, 2), editor.ErrNotFound)
	require.ErrorIs(t, c.LoadProject(ctx, "/nonexistent/x.sb3"), editor.ErrProjectIO)
	require.ErrorIs(t, c.ChangeMutation(ctx, "a", project.Mutation{TagName: "mutation"}), editor.ErrInvalidMutation)

	_, err = c.GetVariablesOfType(ctx, "bogus")
	require.ErrorIs(t, err, editor.ErrBadRequest)

	vars, err := c.GetVariablesOfType(ctx, project.VarList)
	require.NoError(t, err)
	require.Empty(t, vars)

	// Deleting twice is fine.
	require.NoError(t, c.DeleteBlock(ctx, "a"))
	require.NoError(t, c.DeleteBlock(ctx, "a"))
}

func TestClient_ReceivesEvents(t *testing.T) {
	_, url := startServer(t)
	watcher := dial(t, url, true)
	writer := dial(t, url, false)

	_, err := writer.CreateBlock(context.Background(), "looks_show", false, "x")
	require.NoError(t, err)

	select {
	case ch := <-watcher.Events():
		require.Equal(t, editor.OpCreateBlock, ch.Op)
		require.Equal(t, "x", ch.BlockID)
		require.Equal(t, uint64(1), ch.Seq)
	case <-time.After(5 * time.Second):
		t.Fatalf("no event")
	}
}

func TestServer_RejectsBadFrames(t *testing.T) {
	srv, url := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version}))
	var w protocol.WelcomeMsg
	require.NoError(t, conn.ReadJSON(&w))
	require.Equal(t, protocol.TypeWelcome, w.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CALL","protocol_version":"0.1","req_id":"7","method":"getAllBlocks"}`)))
	var r protocol.ResultMsg
	require.NoError(t, conn.ReadJSON(&r))
	require.False(t, r.OK)
	require.Equal(t, "7", r.ReqID)
	require.Equal(t, protocol.ErrProtoBadRequest, r.Code)

	call := protocol.CallMsg{Type: protocol.TypeCall, ProtocolVersion: protocol.Version, ReqID: "8", Method: "eval", Params: json.RawMessage(`{}`)}
	require.NoError(t, conn.WriteJSON(call))
	require.NoError(t, conn.ReadJSON(&r))
	require.Equal(t, "8", r.ReqID)
	require.Equal(t, protocol.ErrBadRequest, r.Code)

	require.Equal(t, int64(1), srv.Stats().Connections)
}

func TestServer_RequiresHello(t *testing.T) {
	_, url := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.CallMsg{Type: protocol.TypeCall, ProtocolVersion: protocol.Version}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestClient_CallAfterCloseFails(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url, false)
	require.NoError(t, c.Close())
	_, err := c.GetAllBlocks(context.Background())
	require.Error(t, err)
}

func TestServer_ProjectPathsStayUnderProjectDir(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "projects")
	require.NoError(t, os.MkdirAll(root, 0o755))
	victim := filepath.Join(dir, "authorized_keys")
	require.NoError(t, os.WriteFile(victim, []byte("ssh-ed25519 AAAA"), 0o600))

	_, url := startServerWith(t, []editor.Option{editor.WithProjectRoot(root)})
	c := dial(t, url, false)
	ctx := context.Background()

	for _, path := range []string{victim, "../authorized_keys", "sub/../../authorized_keys"} {
		err := c.SaveProject(ctx, path)
		require.ErrorIs(t, err, editor.ErrBadRequest, path)
		require.NotErrorIs(t, err, editor.ErrProjectIO, path)
		require.ErrorIs(t, c.LoadProject(ctx, path), editor.ErrBadRequest, path)
	}
	b, err := os.ReadFile(victim)
	require.NoError(t, err)
	require.Equal(t, "ssh-ed25519 AAAA", string(b))

	require.NoError(t, c.SaveProject(ctx, "game.sb3"))
	require.FileExists(t, filepath.Join(root, "game.sb3"))
	require.NoError(t, c.LoadProject(ctx, "game.sb3"))
}

func TestServer_ChecksOrigin(t *testing.T) {
	_, url := startServerWith(t, nil, WithAllowedOrigins("https://editor.example"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for origin, ok := range map[string]bool{
		"http://evil.example":     false,
		"null":                    false,
		"http://localhost:3000":   true,
		"http://127.0.0.1:9999":   true,
		"https://editor.example/": true,
	} {
		h := http.Header{"Origin": []string{origin}}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, h)
		if ok {
			require.NoError(t, err, origin)
			_ = conn.Close()
			continue
		}
		require.ErrorIs(t, err, websocket.ErrBadHandshake, origin)
		require.Equal(t, http.StatusForbidden, resp.StatusCode, origin)
	}

	// Same origin as the server itself.
	h := http.Header{"Origin": []string{"http" + strings.TrimPrefix(url, "ws")}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, h)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestServer_IdleSubscriberOutlivesReadTimeout(t *testing.T) {
	_, url := startServerWith(t, nil, WithKeepalive(50*time.Millisecond, 200*time.Millisecond))
	watcher := dial(t, url, true)

	// Stay silent for several read timeouts.
	time.Sleep(700 * time.Millisecond)
	select {
	case <-watcher.Done():
		t.Fatalf("idle subscriber dropped")
	default:
	}

	writer := dial(t, url, false)
	_, err := writer.CreateBlock(context.Background(), "looks_show", false, "late")
	require.NoError(t, err)
	select {
	case ch := <-watcher.Events():
		require.Equal(t, "late", ch.BlockID)
	case <-time.After(5 * time.Second):
		t.Fatalf("no event after idle period")
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/protocol"
)

func newAPI(t *testing.T) API {
	t.Helper()
	return Direct(editor.New(catalog.MustDefault(), editor.WithIDGenerator(editor.SequentialIDs("b"))))
}

func call(t *testing.T, api API, method string, params any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return Dispatch(context.Background(), api, method, raw)
}

func TestDispatch_FlagIfScenario(t *testing.T) {
	api := newAPI(t)
	res, err := call(t, api, protocol.MethodCreateBlock, protocol.CreateBlockParams{Opcode: "event_whenflagclicked"})
	require.NoError(t, err)
	require.Equal(t, protocol.CreateBlockResult{ID: "b1"}, res)

	_, err = call(t, api, protocol.MethodCreateBlock, protocol.CreateBlockParams{Opcode: "control_if", ID: "if"})
	require.NoError(t, err)
	_, err = call(t, api, protocol.MethodAttachBlock, protocol.AttachBlockParams{ID: "if", NewParent: "b1"})
	require.NoError(t, err)

	got, err := Dispatch(context.Background(), api, protocol.MethodGetAllBlocks, nil)
	require.NoError(t, err)
	blocks, err := api.GetAllBlocks(context.Background())
	require.NoError(t, err)
	require.Equal(t, blocks, got)
	require.Equal(t, "if", blocks["b1"].Next)
	require.Equal(t, "b1", blocks["if"].Parent)
}

func TestDispatch_BadRequests(t *testing.T) {
	api := newAPI(t)
	_, err := Dispatch(context.Background(), api, "runScript", nil)
	require.ErrorIs(t, err, editor.ErrBadRequest)
	require.Equal(t, protocol.ErrBadRequest, CodeFor(err))

	_, err = Dispatch(context.Background(), api, protocol.MethodSlideBlock, json.RawMessage(`{"id":"x","z":1}`))
	require.ErrorIs(t, err, editor.ErrBadRequest)

	_, err = Dispatch(context.Background(), api, protocol.MethodSlideBlock, json.RawMessage(`[1,2]`))
	require.ErrorIs(t, err, editor.ErrBadRequest)
}

func TestDispatch_VariablesAndTarget(t *testing.T) {
	api := newAPI(t)
	res, err := call(t, api, protocol.MethodGetVariablesOfType, protocol.VariablesParams{Type: "list"})
	require.NoError(t, err)
	require.Empty(t, res)

	_, err = call(t, api, protocol.MethodSetEditingTarget, protocol.TargetParams{Name: "Stage"})
	require.NoError(t, err)
	_, err = call(t, api, protocol.MethodSetEditingTarget, protocol.TargetParams{Name: "Nope"})
	require.Equal(t, protocol.ErrNotFound, CodeFor(err))
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{editor.ErrNoTarget, protocol.ErrNoTarget},
		{fmt.Errorf("x: %w", editor.ErrSlotOccupied), protocol.ErrSlotOccupied},
		{fmt.Errorf("%w: load: %w", editor.ErrProjectIO, context.Canceled), protocol.ErrProjectIO},
		{errors.New("boom"), protocol.ErrInternal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CodeFor(tc.err), "err=%v", tc.err)
	}
}

func TestErrorFor_UnwrapsToSentinel(t *testing.T) {
	err := ErrorFor(protocol.ErrConflict, "block \"a\" exists")
	require.ErrorIs(t, err, editor.ErrConflict)
	require.Equal(t, protocol.ErrConflict, CodeFor(err))
	require.NoError(t, ErrorFor("", ""))

	unknown := ErrorFor("E_SOMETHING_NEW", "x")
	require.False(t, errors.Is(unknown, editor.ErrNotFound))
	require.Equal(t, protocol.ErrInternal, CodeFor(unknown))
}

func TestDirect_HonoursCancelledContext(t *testing.T) {
	api := newAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := api.CreateBlock(ctx, "looks_show", false, "")
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, Cancelled(err))
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"viiru.dev/internal/bridge"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/project"
	"viiru.dev/internal/protocol"
)

// ErrClosed is returned for calls pending or made after the connection
// ended.
var ErrClosed = errors.New("ws: connection closed")

// Client drives a remote session. It is safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	welcome protocol.WelcomeMsg

	writeMu sync.Mutex
	nextReq atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan protocol.ResultMsg
	err     error

	events chan editor.Change
	done   chan struct{}
}

var _ bridge.API = (*Client)(nil)

// Dial connects and completes the HELLO/WELCOME handshake. Changes arrive on
// Events when subscribe is set.
func Dial(ctx context.Context, url, name string, subscribe bool) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      name,
		Subscribe:       subscribe,
		MaxQueue:        32,
	}
	if err := writeJSON(conn, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	var w protocol.WelcomeMsg
	_, msg, err := conn.ReadMessage()
	if err == nil {
		err = json.Unmarshal(msg, &w)
	}
	if err == nil && w.Type != protocol.TypeWelcome {
		err = fmt.Errorf("expected WELCOME, got %q", w.Type)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		welcome: w,
		pending: map[string]chan protocol.ResultMsg{},
		events:  make(chan editor.Change, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// Events yields the changes the server pushes. It is closed with the
// connection. Events are dropped when the reader falls behind.
func (c *Client) Events() <-chan editor.Change { return c.events }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeResult:
			var r protocol.ResultMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[r.ReqID]
			delete(c.pending, r.ReqID)
			c.mu.Unlock()
			if ch != nil {
				ch <- r
			}
		case protocol.TypeEvent:
			var ev protocol.EventMsg
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			var ch editor.Change
			if err := json.Unmarshal(ev.Change, &ch); err != nil {
				continue
			}
			select {
			case c.events <- ch:
			default:
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call sends one CALL and decodes the RESULT into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := strconv.FormatUint(c.nextReq.Add(1), 10)
	ch := make(chan protocol.ResultMsg, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := protocol.CallMsg{
		Type:            protocol.TypeCall,
		ProtocolVersion: protocol.Version,
		ReqID:           id,
		Method:          method,
		Params:          raw,
	}
	c.writeMu.Lock()
	err = writeJSON(c.conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.err
		}
		if !r.OK {
			return bridge.ErrorFor(r.Code, r.Message)
		}
		if out != nil && len(r.Result) > 0 {
			if err := json.Unmarshal(r.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) LoadProject(ctx context.Context, path string) error {
	return c.call(ctx, protocol.MethodLoadProject, protocol.PathParams{Path: path}, nil)
}

func (c *Client) SaveProject(ctx context.Context, path string) error {
	return c.call(ctx, protocol.MethodSaveProject, protocol.PathParams{Path: path}, nil)
}

func (c *Client) CreateBlock(ctx context.Context, opcode string, isShadow bool, id string) (string, error) {
	var res protocol.CreateBlockResult
	err := c.call(ctx, protocol.MethodCreateBlock, protocol.CreateBlockParams{Opcode: opcode, IsShadow: isShadow, ID: id}, &res)
	return res.ID, err
}

func (c *Client) DeleteBlock(ctx context.Context, id string) error {
	return c.call(ctx, protocol.MethodDeleteBlock, protocol.BlockParams{ID: id}, nil)
}

func (c *Client) SlideBlock(ctx context.Context, id string, x, y float64) error {
	return c.call(ctx, protocol.MethodSlideBlock, protocol.SlideBlockParams{ID: id, X: x, Y: y}, nil)
}

func (c *Client) AttachBlock(ctx context.Context, id, newParent, newInput string, isShadow bool) error {
	return c.call(ctx, protocol.MethodAttachBlock, protocol.AttachBlockParams{ID: id, NewParent: newParent, NewInput: newInput, IsShadow: isShadow}, nil)
}

func (c *Client) DetachBlock(ctx context.Context, id string) error {
	return c.call(ctx, protocol.MethodDetachBlock, protocol.BlockParams{ID: id}, nil)
}

func (c *Client) ChangeField(ctx context.Context, id, name, value, dataID string) error {
	return c.call(ctx, protocol.MethodChangeField, protocol.ChangeFieldParams{ID: id, Name: name, Value: value, DataID: dataID}, nil)
}

func (c *Client) ChangeMutation(ctx context.Context, id string, m project.Mutation) error {
	return c.call(ctx, protocol.MethodChangeMutation, protocol.ChangeMutationParams{ID: id, Mutation: m}, nil)
}

func (c *Client) GetAllBlocks(ctx context.Context) (map[string]*project.Block, error) {
	out := map[string]*project.Block{}
	if err := c.call(ctx, protocol.MethodGetAllBlocks, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetVariablesOfType(ctx context.Context, t project.VarType) (map[string]string, error) {
	out := map[string]string{}
	if err := c.call(ctx, protocol.MethodGetVariablesOfType, protocol.VariablesParams{Type: t}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetEditingTarget(ctx context.Context, name string) error {
	return c.call(ctx, protocol.MethodSetEditingTarget, protocol.TargetParams{Name: name}, nil)
}

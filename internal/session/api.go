package session

import (
	"context"

	"viiru.dev/internal/bridge"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/project"
)

var _ bridge.API = (*Session)(nil)

func (s *Session) NewProject(ctx context.Context) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpNewProject})
	return err
}

func (s *Session) LoadProject(ctx context.Context, path string) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpLoadProject, Path: path})
	return err
}

func (s *Session) SaveProject(ctx context.Context, path string) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpSaveProject, Path: path})
	return err
}

func (s *Session) SetEditingTarget(ctx context.Context, name string) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpSetEditingTarget, Target: name})
	return err
}

func (s *Session) CreateBlock(ctx context.Context, opcode string, isShadow bool, id string) (string, error) {
	c, err := s.do(ctx, &editor.Change{Op: editor.OpCreateBlock, Opcode: opcode, Shadow: isShadow, BlockID: id})
	return c.BlockID, err
}

func (s *Session) DeleteBlock(ctx context.Context, id string) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpDeleteBlock, BlockID: id})
	return err
}

func (s *Session) SlideBlock(ctx context.Context, id string, x, y float64) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpSlideBlock, BlockID: id, X: x, Y: y})
	return err
}

func (s *Session) AttachBlock(ctx context.Context, id, newParent, newInput string, isShadow bool) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpAttachBlock, BlockID: id, Parent: newParent, Input: newInput, Shadow: isShadow})
	return err
}

func (s *Session) DetachBlock(ctx context.Context, id string) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpDetachBlock, BlockID: id})
	return err
}

func (s *Session) ChangeField(ctx context.Context, id, name, value, dataID string) error {
	_, err := s.do(ctx, &editor.Change{Op: editor.OpChangeField, BlockID: id, Field: name, Value: value, DataID: dataID})
	return err
}

func (s *Session) ChangeMutation(ctx context.Context, id string, m project.Mutation) error {
	m = m.Clone()
	_, err := s.do(ctx, &editor.Change{Op: editor.OpChangeMutation, BlockID: id, Mutation: &m})
	return err
}

func (s *Session) GetAllBlocks(ctx context.Context) (map[string]*project.Block, error) {
	v, err := s.query(ctx, func(e *editor.Editor) (any, error) { return e.GetAllBlocks(), nil })
	if err != nil {
		return nil, err
	}
	return v.(map[string]*project.Block), nil
}

func (s *Session) GetVariablesOfType(ctx context.Context, t project.VarType) (map[string]string, error) {
	v, err := s.query(ctx, func(e *editor.Editor) (any, error) { return e.GetVariablesOfType(t) })
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (s *Session) GetBlock(ctx context.Context, id string) (*project.Block, error) {
	v, err := s.query(ctx, func(e *editor.Editor) (any, error) { return e.GetBlock(id) })
	if err != nil {
		return nil, err
	}
	return v.(*project.Block), nil
}

// View is a consistent copy of the session's project.
type View struct {
	Project       *project.Project
	EditingTarget string
	Seq           uint64
	Digest        string
}

// Export copies the project for readers outside the loop (renderers, the
// TUI, admin endpoints).
func (s *Session) Export(ctx context.Context) (View, error) {
	v, err := s.query(ctx, func(e *editor.Editor) (any, error) {
		return View{
			Project:       e.Export(),
			EditingTarget: e.EditingTarget(),
			Seq:           s.seq.Load(),
			Digest:        e.Digest(),
		}, nil
	})
	if err != nil {
		return View{}, err
	}
	return v.(View), nil
}

type State struct {
	SessionID     string   `json:"session_id"`
	Seq           uint64   `json:"seq"`
	EditingTarget string   `json:"editing_target"`
	Targets       []string `json:"targets"`
	Blocks        int      `json:"blocks"`
	Scripts       int      `json:"scripts"`
	Digest        string   `json:"digest"`
	CatalogDigest string   `json:"catalog_digest"`
	Subscribers   int      `json:"subscribers"`
}

func (s *Session) State(ctx context.Context) (State, error) {
	v, err := s.query(ctx, func(e *editor.Editor) (any, error) {
		st := State{
			SessionID:     s.cfg.ID,
			Seq:           s.seq.Load(),
			EditingTarget: e.EditingTarget(),
			Targets:       e.Targets(),
			Digest:        e.Digest(),
			CatalogDigest: e.Catalog().Digest,
			Subscribers:   int(s.subscribers.Load()),
		}
		if t := e.Project().Target(st.EditingTarget); t != nil {
			st.Blocks = len(t.Blocks)
		}
		st.Scripts = len(e.TopLevelBlocks())
		return st, nil
	})
	if err != nil {
		return State{}, err
	}
	return v.(State), nil
}

type Metrics struct {
	Seq                  uint64
	CallsTotal           uint64
	ErrorsTotal          uint64
	Subscribers          int64
	SubscriberDropsTotal uint64
	AutosaveDropsTotal   uint64
}

// Metrics reads counters without going through the loop.
func (s *Session) Metrics() Metrics {
	return Metrics{
		Seq:                  s.seq.Load(),
		CallsTotal:           s.callsTotal.Load(),
		ErrorsTotal:          s.errorsTotal.Load(),
		Subscribers:          s.subscribers.Load(),
		SubscriberDropsTotal: s.subDropsTotal.Load(),
		AutosaveDropsTotal:   s.autosaveDrops.Load(),
	}
}

type subRequest struct {
	buf  int
	resp chan subscription
}

type subscription struct {
	id      uint64
	ch      chan editor.Change
	welcome Welcome
}

// Welcome describes the session at the moment a subscription starts; the
// subscriber sees every change after Seq.
type Welcome struct {
	SessionID     string
	Seq           uint64
	EditingTarget string
	CatalogDigest string
	CatalogCount  int
}

func (s *Session) welcome() Welcome {
	return Welcome{
		SessionID:     s.cfg.ID,
		Seq:           s.seq.Load(),
		EditingTarget: s.ed.EditingTarget(),
		CatalogDigest: s.ed.Catalog().Digest,
		CatalogCount:  len(s.ed.Catalog().Defs),
	}
}

// Subscribe streams applied changes. When the buffer is full the oldest
// pending change is dropped. The channel closes after cancel or when the
// session stops.
func (s *Session) Subscribe(ctx context.Context, buf int) (<-chan editor.Change, Welcome, func(), error) {
	if buf <= 0 {
		buf = 1
	}
	r := subRequest{buf: buf, resp: make(chan subscription, 1)}
	select {
	case s.subReq <- r:
	case <-s.done:
		return nil, Welcome{}, nil, ErrStopped
	case <-ctx.Done():
		return nil, Welcome{}, nil, ctx.Err()
	}
	sub := <-r.resp
	cancel := func() {
		select {
		case s.unsub <- sub.id:
		case <-s.done:
		}
	}
	return sub.ch, sub.welcome, cancel, nil
}

// Welcome describes the session without subscribing.
func (s *Session) Welcome(ctx context.Context) (Welcome, error) {
	v, err := s.query(ctx, func(*editor.Editor) (any, error) { return s.welcome(), nil })
	if err != nil {
		return Welcome{}, err
	}
	return v.(Welcome), nil
}

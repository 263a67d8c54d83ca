// Package session runs one editor behind a request loop so any number of
// goroutines can drive it.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"viiru.dev/internal/editor"
	"viiru.dev/internal/persistence/snapshot"
)

type Config struct {
	ID string
	// AutosaveEvery exports a snapshot to the sink when the session changed
	// since the last one. 0 disables autosave.
	AutosaveEvery time.Duration
	// StartSeq continues numbering after a restored snapshot.
	StartSeq uint64
}

// Journal receives every applied change, in order.
type Journal interface {
	WriteChange(c editor.Change) error
}

// Index receives changes and project loads/saves. It may drop records.
type Index interface {
	WriteChange(c editor.Change) error
	RecordProject(op editor.Op, path, digest string, timeMS int64)
}

// Session owns an editor. All editor access happens on the Run goroutine.
type Session struct {
	cfg    Config
	ed     *editor.Editor
	logger *log.Logger
	now    func() time.Time

	journal      Journal
	index        Index
	snapshotSink chan<- snapshot.SnapshotV1

	reqs   chan request
	subReq chan subRequest
	unsub  chan uint64
	stop   chan struct{}
	done   chan struct{}

	seq           atomic.Uint64
	callsTotal    atomic.Uint64
	errorsTotal   atomic.Uint64
	subscribers   atomic.Int64
	subDropsTotal atomic.Uint64
	autosaveDrops atomic.Uint64
}

type request struct {
	ctx    context.Context
	change *editor.Change
	query  func(*editor.Editor) (any, error)
	resp   chan response
}

type response struct {
	val    any
	change editor.Change
	err    error
}

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("session stopped")

func New(cfg Config, ed *editor.Editor, logger *log.Logger) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Session{
		cfg:    cfg,
		ed:     ed,
		logger: logger,
		now:    time.Now,
		reqs:   make(chan request, 64),
		subReq: make(chan subRequest),
		unsub:  make(chan uint64, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.seq.Store(cfg.StartSeq)
	return s
}

func (s *Session) ID() string { return s.cfg.ID }

// Seq is the number of the last applied change.
func (s *Session) Seq() uint64 { return s.seq.Load() }

func (s *Session) SetJournal(j Journal) { s.journal = j }
func (s *Session) SetIndex(i Index) { s.index = i }
func (s *Session) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { s.snapshotSink = ch }

// Run serves requests until ctx is done or Stop is called.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	var tick <-chan time.Time
	if s.cfg.AutosaveEvery > 0 {
		t := time.NewTicker(s.cfg.AutosaveEvery)
		defer t.Stop()
		tick = t.C
	}

	subs := map[uint64]chan editor.Change{}
	defer func() {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		s.subscribers.Store(0)
	}()
	var nextSub uint64
	lastSaved := s.seq.Load()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case req := <-s.reqs:
			s.handle(req, subs)
		case r := <-s.subReq:
			nextSub++
			ch := make(chan editor.Change, r.buf)
			subs[nextSub] = ch
			s.subscribers.Store(int64(len(subs)))
			r.resp <- subscription{id: nextSub, ch: ch, welcome: s.welcome()}
		case id := <-s.unsub:
			if ch, ok := subs[id]; ok {
				close(ch)
				delete(subs, id)
				s.subscribers.Store(int64(len(subs)))
			}
		case <-tick:
			if cur := s.seq.Load(); cur != lastSaved {
				if err := s.autosave(); err != nil {
					s.logger.Printf("autosave: %v", err)
					continue
				}
				lastSaved = cur
			}
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (s *Session) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) handle(req request, subs map[uint64]chan editor.Change) {
	s.callsTotal.Add(1)
	var resp response
	if req.change != nil {
		resp = s.apply(req.ctx, req.change, subs)
	} else {
		resp.val, resp.err = req.query(s.ed)
	}
	if resp.err != nil {
		s.errorsTotal.Add(1)
	}
	// resp is buffered; a caller that gave up never blocks the loop.
	req.resp <- resp
}

func (s *Session) apply(ctx context.Context, c *editor.Change, subs map[uint64]chan editor.Change) response {
	if err := ctx.Err(); err != nil {
		return response{err: err}
	}
	if err := s.ed.Apply(ctx, c); err != nil {
		return response{err: err}
	}
	c.Seq = s.seq.Add(1)
	c.TimeMS = s.now().UnixMilli()
	c.Digest = s.ed.Digest()
	s.publish(*c, subs)
	return response{change: *c}
}

func (s *Session) publish(c editor.Change, subs map[uint64]chan editor.Change) {
	if s.journal != nil {
		if err := s.journal.WriteChange(c); err != nil {
			s.logger.Printf("journal seq=%d: %v", c.Seq, err)
		}
	}
	if s.index != nil {
		_ = s.index.WriteChange(c)
		if c.Op == editor.OpLoadProject || c.Op == editor.OpSaveProject {
			s.index.RecordProject(c.Op, c.Path, c.Digest, c.TimeMS)
		}
	}
	for _, ch := range subs {
		select {
		case ch <- c:
			continue
		default:
		}
		// Full: drop the oldest so a slow subscriber sees the newest change.
		select {
		case <-ch:
			s.subDropsTotal.Add(1)
		default:
		}
		select {
		case ch <- c:
		default:
			s.subDropsTotal.Add(1)
		}
	}
}

func (s *Session) snapshot() (snapshot.SnapshotV1, error) {
	snap, err := snapshot.New(snapshot.Header{
		SessionID: s.cfg.ID,
		Seq:       s.seq.Load(),
		CreatedMS: s.now().UnixMilli(),
	}, s.ed.Project(), s.ed.EditingTarget())
	if err != nil {
		return snap, err
	}
	snap.CatalogDigest = s.ed.Catalog().Digest
	snap.Digest = s.ed.Digest()
	return snap, nil
}

func (s *Session) autosave() error {
	if s.snapshotSink == nil {
		return errors.New("snapshot sink not configured")
	}
	snap, err := s.snapshot()
	if err != nil {
		return err
	}
	select {
	case s.snapshotSink <- snap:
		return nil
	default:
		s.autosaveDrops.Add(1)
		return errors.New("snapshot sink backpressure")
	}
}

// RequestSnapshot exports a snapshot to the sink now and returns its seq.
func (s *Session) RequestSnapshot(ctx context.Context) (uint64, error) {
	v, err := s.query(ctx, func(*editor.Editor) (any, error) {
		return s.seq.Load(), s.autosave()
	})
	seq, _ := v.(uint64)
	return seq, err
}

func (s *Session) do(ctx context.Context, c *editor.Change) (editor.Change, error) {
	r, err := s.roundTrip(ctx, request{ctx: ctx, change: c})
	return r.change, err
}

func (s *Session) query(ctx context.Context, f func(*editor.Editor) (any, error)) (any, error) {
	r, err := s.roundTrip(ctx, request{ctx: ctx, query: f})
	return r.val, err
}

func (s *Session) roundTrip(ctx context.Context, req request) (response, error) {
	req.resp = make(chan response, 1)
	select {
	case s.reqs <- req:
	case <-s.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r, r.err
	case <-s.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

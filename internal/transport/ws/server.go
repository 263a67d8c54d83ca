package ws

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"viiru.dev/internal/bridge"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/protocol"
	"viiru.dev/internal/session"
)

type Server struct {
	sess *session.Session
	log  *log.Logger

	upgrader websocket.Upgrader
	origins  map[string]bool

	pingEvery   time.Duration
	readTimeout time.Duration

	conns       atomic.Int64
	callsTotal  atomic.Uint64
	eventsDrops atomic.Uint64
}

type Option func(*Server)

// WithAllowedOrigins admits browser origins (scheme://host[:port]) beyond
// same-origin and loopback pages.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			s.origins[strings.ToLower(strings.TrimRight(o, "/"))] = true
		}
	}
}

// WithKeepalive sets the ping interval and how long a connection may stay
// silent (no message or pong) before it is dropped.
func WithKeepalive(ping, timeout time.Duration) Option {
	return func(s *Server) {
		if ping > 0 {
			s.pingEvery = ping
		}
		if timeout > 0 {
			s.readTimeout = timeout
		}
	}
}

func NewServer(sess *session.Session, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		sess:        sess,
		log:         logger,
		origins:     map[string]bool{},
		pingEvery:   20 * time.Second,
		readTimeout: 60 * time.Second,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	for _, o := range opts {
		o(s)
	}
	if s.pingEvery >= s.readTimeout {
		s.pingEvery = s.readTimeout / 2
	}
	return s
}

// checkOrigin admits non-browser clients (no Origin header), same-origin
// pages, loopback pages and the configured allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins[strings.ToLower(strings.TrimRight(origin, "/"))] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type Stats struct {
	Connections     int64
	CallsTotal      uint64
	EventDropsTotal uint64
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections:     s.conns.Load(),
		CallsTotal:      s.callsTotal.Load(),
		EventDropsTotal: s.eventsDrops.Load(),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		hello, ok := s.readHello(conn)
		if !ok {
			return
		}
		s.conns.Add(1)
		defer s.conns.Add(-1)

		maxQ := hello.MaxQueue
		if maxQ <= 0 {
			maxQ = 8
		}
		if maxQ > 64 {
			maxQ = 64
		}
		out := make(chan []byte, maxQ)

		var (
			welcome session.Welcome
			changes <-chan editor.Change
			unsub   = func() {}
		)
		if hello.Subscribe {
			ch, w, c, err := s.sess.Subscribe(ctx, maxQ)
			if err != nil {
				return
			}
			welcome, changes, unsub = w, ch, c
		} else {
			welcome, err = s.sess.Welcome(ctx)
			if err != nil {
				return
			}
		}
		defer unsub()

		if err := writeJSON(conn, protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       welcome.SessionID,
			Catalog:         protocol.DigestRef{Digest: welcome.CatalogDigest, Count: welcome.CatalogCount},
			EditingTarget:   welcome.EditingTarget,
			Seq:             welcome.Seq,
		}); err != nil {
			return
		}
		if s.log != nil {
			s.log.Printf("client connected name=%q subscribe=%v", hello.ClientName, hello.Subscribe)
		}

		// Idle connections stay open as long as pongs come back.
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		})

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(s.pingEvery)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						cancel()
						return
					}
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Event forwarder. Events never block results: a full queue drops
		// the event.
		if changes != nil {
			go func() {
				for c := range changes {
					raw, _ := json.Marshal(c)
					b, _ := json.Marshal(protocol.EventMsg{
						Type:            protocol.TypeEvent,
						ProtocolVersion: protocol.Version,
						Seq:             c.Seq,
						Change:          raw,
					})
					select {
					case out <- b:
					case <-ctx.Done():
						return
					default:
						s.eventsDrops.Add(1)
					}
				}
			}()
		}

		// Reader loop. Calls run in arrival order.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			res := s.call(ctx, msg)
			b, _ := json.Marshal(res)
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}
	}
}

func (s *Server) call(ctx context.Context, msg []byte) protocol.ResultMsg {
	res := protocol.ResultMsg{Type: protocol.TypeResult, ProtocolVersion: protocol.Version}
	var c protocol.CallMsg
	if err := json.Unmarshal(msg, &c); err != nil {
		res.Code, res.Message = protocol.ErrProtoBadRequest, "bad json"
		return res
	}
	res.ReqID = c.ReqID
	if c.Type != protocol.TypeCall || c.ProtocolVersion != protocol.Version {
		res.Code, res.Message = protocol.ErrProtoBadRequest, "expected CALL with protocol_version "+protocol.Version
		return res
	}
	s.callsTotal.Add(1)
	v, err := bridge.Dispatch(ctx, s.sess, c.Method, c.Params)
	if err != nil {
		res.Code, res.Message = bridge.CodeFor(err), err.Error()
		return res
	}
	res.OK = true
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			res.OK = false
			res.Code, res.Message = protocol.ErrInternal, err.Error()
			return res
		}
		res.Result = b
	}
	return res
}

func (s *Server) readHello(conn *websocket.Conn) (protocol.HelloMsg, bool) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return hello, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return hello, false
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return hello, false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return hello, false
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}
	return hello, true
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

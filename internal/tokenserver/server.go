package tokenserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"tokensync/internal/packetlog"
	"tokensync/internal/state"
	"tokensync/internal/wire"
)

const writeWait = 5 * time.Second

type Config struct {
	Path     string
	Protocol string
	// SendQueue bounds the frames buffered per connection.
	SendQueue int
	GMUsers   []int64
	Version   string
}

type Server struct {
	cfg     Config
	engine  *Engine
	pl      *packetlog.Logger
	runID   string
	up      websocket.Upgrader
	tmpl    *template.Template
	started time.Time

	mu    sync.Mutex
	conns map[string]*conn

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type conn struct {
	id    string
	actor int64
	ws    *websocket.Conn
	send  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func New(cfg Config, store *state.Store, pl *packetlog.Logger, runID string) (*Server, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("tokenserver path is empty")
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	tmpl, err := loadTemplate()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		engine:  NewEngine(EngineConfig{GMUsers: cfg.GMUsers}, store, state.NewSubscriptions()),
		pl:      pl,
		runID:   runID,
		tmpl:    tmpl,
		started: time.Now(),
		conns:   map[string]*conn{},
	}
	s.up = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if cfg.Protocol != "" {
		s.up.Subprotocols = []string{cfg.Protocol}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("/", s.serveStatus)
	return mux
}

// Start listens on addr and serves until ctx ends. It returns the bound address.
func (s *Server) Start(ctx context.Context, addr string) (net.Addr, error) {
	if addr == "" {
		return nil, fmt.Errorf("tokenserver addr is empty")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
		s.closeAll()
	}()

	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("tokenserver serve failed", "err", err)
		}
	}()
	s.pl.Log(packetlog.Record{
		RunID:     s.runID,
		Timestamp: wire.NowTS(),
		Type:      "startup",
		Message:   fmt.Sprintf("listening addr=%s path=%s", ln.Addr(), s.cfg.Path),
	})
	slog.Info("tokenserver listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return ln.Addr(), nil
}

func (s *Server) Stats() Stats {
	st := s.engine.Stats()
	st.Sent = s.sent.Load()
	st.Dropped = s.dropped.Load()
	return st
}

func (s *Server) AddToken(seed state.Seed) error {
	out, err := s.engine.AddToken(seed)
	if err != nil {
		return err
	}
	s.deliver(out)
	return nil
}

func (s *Server) RemoveToken(id int64) error {
	out, err := s.engine.RemoveToken(id)
	if err != nil {
		return err
	}
	s.deliver(out)
	return nil
}

func (s *Server) UpdateField(id int64, field string, v any) error {
	out, err := s.engine.UpdateField(id, field, v)
	if err != nil {
		return err
	}
	s.deliver(out)
	return nil
}

func (s *Server) UpdateAttr(id int64, name string, v any) error {
	out, err := s.engine.UpdateAttr(id, name, v)
	if err != nil {
		return err
	}
	s.deliver(out)
	return nil
}

func (s *Server) SetMenu(id int64, menu []state.MenuItem) error {
	out, err := s.engine.SetMenu(id, menu)
	if err != nil {
		return err
	}
	s.deliver(out)
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	var actor int64
	if a := r.URL.Query().Get("actor"); a != "" {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			http.Error(w, "bad actor", http.StatusBadRequest)
			return
		}
		actor = n
	}
	ws, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &conn{
		id:    ulid.Make().String(),
		actor: actor,
		ws:    ws,
		send:  make(chan []byte, s.cfg.SendQueue),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.engine.Connect(c.id, actor)
	slog.Info("client connected", "conn", c.id, "actor", actor, "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.engine.Disconnect(c.id)
	c.close()
	slog.Info("client disconnected", "conn", c.id)
}

func (s *Server) readLoop(c *conn) {
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(b)
		if err != nil {
			slog.Warn("bad client frame", "conn", c.id, "err", err)
			continue
		}
		s.pl.Frame(s.runID, packetlog.DirIn, c.id, req.Opcode, len(b))
		s.deliver(s.engine.Handle(c.id, req))
	}
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				slog.Warn("client write failed", "conn", c.id, "err", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) deliver(out []Outbound) {
	for _, o := range out {
		var (
			b   []byte
			err error
		)
		opcode := o.Opcode
		if o.Reply {
			b, err = wire.EncodeReply(o.Opcode, o.Data)
			opcode = wire.ReplyOpcode(o.Opcode)
		} else {
			b, err = wire.EncodePush(o.Opcode, o.Data)
		}
		if err != nil {
			slog.Error("encode outbound failed", "opcode", opcode, "err", err)
			continue
		}
		for _, id := range o.Conns {
			s.enqueue(id, opcode, b)
		}
	}
}

// enqueue never blocks: a client that cannot keep up loses frames.
func (s *Server) enqueue(connID, opcode string, b []byte) {
	s.mu.Lock()
	c := s.conns[connID]
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.send <- b:
		s.sent.Add(1)
		s.pl.Frame(s.runID, packetlog.DirOut, c.id, opcode, len(b))
	case <-c.done:
	default:
		s.dropped.Add(1)
		slog.Warn("client send queue full, frame dropped", "conn", c.id, "opcode", opcode)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

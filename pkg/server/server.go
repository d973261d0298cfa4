// Package server runs the snapshot server's event loop.
//
// Connection goroutines only decode frames and enqueue them; a single
// dispatch goroutine owns the engine and handles exactly one request to
// completion at a time, which is what lets the engine carry no locks.
// Replies — immediate and parked — are always written from the dispatch
// goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/protocol"
	"github.com/dittolab/snapstore/pkg/snap"
)

// Config configures the listener and the agent channel.
type Config struct {
	// Socket is the unix socket path clients connect to.
	Socket string

	// AgentSocket, when non-empty, is dialed at startup; the server
	// announces itself there with SERVER_READY and accepts agent
	// requests on the same connection.
	AgentSocket string

	// MaxClients bounds concurrent client connections.
	MaxClients int
}

// event is one unit of work for the dispatch goroutine.
type event struct {
	conn *conn
	msg  protocol.Message
	gone bool // connection closed
}

// conn is one client (or agent) connection.
type conn struct {
	net.Conn
	client *snap.Client
}

// Reply writes one framed message. Only the dispatch goroutine calls this.
func (c *conn) Reply(m protocol.Message) error {
	return protocol.WriteMessage(c, m)
}

// Server multiplexes client connections over a single-owner engine.
type Server struct {
	cfg    Config
	eng    *snap.Engine
	events chan event
	sem    chan struct{}
}

// New creates a server over a loaded engine.
func New(cfg Config, eng *snap.Engine) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 100
	}
	return &Server{
		cfg:    cfg,
		eng:    eng,
		events: make(chan event, 64),
		sem:    make(chan struct{}, cfg.MaxClients),
	}
}

// Run listens and dispatches until ctx is canceled (signal-driven
// shutdown) or a client asks the server to shut down. The engine is shut
// down cleanly on the way out.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.cfg.Socket)
	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.cfg.Socket, err)
	}
	defer ln.Close()
	defer os.Remove(s.cfg.Socket)
	logger.Info("server listening", "socket", s.cfg.Socket)

	if s.cfg.AgentSocket != "" {
		if err := s.connectAgent(); err != nil {
			return err
		}
	}

	acceptDone := make(chan struct{})
	go s.acceptLoop(ln, acceptDone)

	err = s.dispatchLoop(ctx)

	ln.Close()
	<-acceptDone
	if shutdownErr := s.eng.Shutdown(); shutdownErr != nil {
		logger.Error("engine shutdown failed", "error", shutdownErr)
		if err == nil {
			err = shutdownErr
		}
	}
	return err
}

// connectAgent dials the agent control socket and announces the server.
func (s *Server) connectAgent() error {
	c, err := net.Dial("unix", s.cfg.AgentSocket)
	if err != nil {
		return fmt.Errorf("connect agent socket %q: %w", s.cfg.AgentSocket, err)
	}
	agent := &conn{Conn: c, client: &snap.Client{Snaptag: protocol.TagAgent}}
	agent.client.ID = ^uint64(1) // agent id -2
	agent.client.Conn = agent
	if err := agent.Reply(&protocol.ServerReady{SocketPath: s.cfg.Socket}); err != nil {
		c.Close()
		return fmt.Errorf("announce to agent: %w", err)
	}
	logger.Info("agent control connection established", "socket", s.cfg.AgentSocket)
	go s.readLoop(agent)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, done chan<- struct{}) {
	defer close(done)
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warn("accept failed", "error", err)
			}
			return
		}
		select {
		case s.sem <- struct{}{}:
		default:
			logger.Warn("too many clients, refusing connection")
			c.Close()
			continue
		}
		// Clients replace the placeholder id at IDENTIFY time.
		cc := &conn{Conn: c, client: &snap.Client{
			ID:      uint64(uuid.New().ID()),
			Snaptag: protocol.TagOrigin,
		}}
		cc.client.Conn = cc
		logger.Info("client connected", "id", cc.client.ID)
		go func() {
			s.readLoop(cc)
			<-s.sem
		}()
	}
}

// readLoop decodes frames off one connection into the event channel.
func (s *Server) readLoop(c *conn) {
	for {
		msg, err := protocol.ReadMessage(c)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Warn("client read failed", "id", c.client.ID, "error", err)
			}
			s.events <- event{conn: c, gone: true}
			return
		}
		s.events <- event{conn: c, msg: msg}
	}
}

// dispatchLoop is the single-owner loop over the engine.
func (s *Server) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down on signal")
			return nil
		case ev := <-s.events:
			if ev.gone {
				s.eng.ClientGone(ev.conn.client)
				ev.conn.Close()
				continue
			}
			if s.eng.Dispatch(ev.conn.client, ev.msg) {
				logger.Info("shutting down on client request")
				return nil
			}
		}
	}
}

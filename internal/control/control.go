// Package control exposes a running measurement over a websocket: events
// stream out as JSON and pause/resume/cancel commands come back in.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NodePath81/edgeprobe/internal/model"
	"github.com/NodePath81/edgeprobe/internal/util"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second

	// clientBuffer bounds each subscriber's send queue. A consumer that
	// falls behind loses events rather than stalling the broadcast.
	clientBuffer = 64
)

type client struct {
	send chan []byte
}

// Server bridges the engine's event stream and control channel to websocket
// subscribers.
type Server struct {
	addr    string
	control chan<- model.EngineControl
	logger  util.Logger

	server *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewServer(addr string, control chan<- model.EngineControl, logger util.Logger) *Server {
	return &Server{
		addr:    addr,
		control: control,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Start serves /events until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.HandleEvents)

	s.server = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server error", "error", err)
		}
	}()
	s.logger.Info("control server started", "addr", s.addr)
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Broadcast fans ev out to every subscriber without blocking.
func (s *Server) Broadcast(ev model.TestEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

type opMessage struct {
	Op string `json:"op"`
}

// HandleEvents upgrades the connection, streams broadcast events to it and
// applies any pause, resume or cancel ops it sends.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	c := &client{send: make(chan []byte, clientBuffer)}
	s.register(c)

	done := make(chan struct{})
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			close(done)
			s.unregister(c)
			_ = conn.Close()
		})
	}

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req opMessage
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			s.apply(req.Op)
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data := <-c.send:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) apply(op string) {
	var msg model.EngineControl
	switch op {
	case "pause":
		msg = model.EngineControl{Kind: model.ControlPause, Paused: true}
	case "resume":
		msg = model.EngineControl{Kind: model.ControlPause, Paused: false}
	case "cancel":
		msg = model.EngineControl{Kind: model.ControlCancel}
	default:
		s.logger.Warn("unknown control op", "op", op)
		return
	}
	select {
	case s.control <- msg:
	default:
		s.logger.Warn("control channel full, op dropped", "op", op)
	}
}

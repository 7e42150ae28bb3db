package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// errSendQueueFull reports a frame dropped because the client's outbound
// queue was full.
var errSendQueueFull = errors.New("send queue full")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
)

// WSServer accepts local websocket clients and feeds their frames to the
// router. It only admits connections from local origins: the channel is a
// loopback surface, not a network one.
type WSServer struct {
	hub      *Hub
	router   *Router
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSServer builds the websocket endpoint handler.
func NewWSServer(hub *Hub, router *Router, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WSServer{
		hub:    hub,
		router: router,
		logger: logger.With("component", "ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     localOrigin,
	}
	return s
}

// localOrigin admits loopback web origins, file origins, and non-browser
// clients that send no Origin header at all.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		return true
	case origin == "file://", origin == "null":
		return true
	case strings.HasPrefix(origin, "http://localhost"),
		strings.HasPrefix(origin, "http://127.0.0.1"),
		strings.HasPrefix(origin, "ws://localhost"),
		strings.HasPrefix(origin, "ws://127.0.0.1"):
		return true
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := &wsConn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	s.hub.Register(conn)
	defer func() {
		s.hub.Unregister(conn)
		conn.close()
	}()

	go conn.writeLoop(s.logger)
	s.readLoop(r.Context(), conn)
}

func (s *WSServer) readLoop(ctx context.Context, conn *wsConn) {
	conn.ws.SetReadLimit(maxFrameBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := s.router.NewLimiter()
	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		s.router.Dispatch(ctx, limiter, frame)
	}
}

// wsConn wraps a websocket connection with a buffered outbound queue so a
// slow client stalls only its own delivery, never the broadcast path.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Send queues a frame. A full queue drops the frame rather than blocking
// the hub.
func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	case c.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsConn) writeLoop(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

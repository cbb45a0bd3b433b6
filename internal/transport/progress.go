package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/expensync/internal/events"
)

// ProgressServer pushes sync events to WebSocket subscribers as JSON text
// frames. It only writes; anything a client sends is discarded.
type ProgressServer struct {
	upgrader websocket.Upgrader
	logger   *events.Logger

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	server  *http.Server
	closed  bool

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewProgressServer creates a server with no subscribers.
func NewProgressServer(logger *events.Logger) *ProgressServer {
	return &ProgressServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local tool: dashboards on any origin may subscribe.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:       logger.WithField("component", "progress_server"),
		clients:      make(map[*subscriber]struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
		writeTimeout: 5 * time.Second,
	}
}

// SetPingInterval changes the keepalive period for new subscribers.
func (s *ProgressServer) SetPingInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = d
}

// Listen serves subscribers on addr until ctx is done or Close is called.
// It returns the bound address, which differs from addr when the port is 0.
func (s *ProgressServer) Listen(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/progress", s)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Progress server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.logger.WithField("addr", ln.Addr().String()).Info("Serving sync progress")
	return ln.Addr().String(), nil
}

// ServeHTTP upgrades the request and registers the subscriber.
func (s *ProgressServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[sub] = struct{}{}
	ping := s.pingInterval
	s.mu.Unlock()

	s.logger.WithField("remote", r.RemoteAddr).Debug("Subscriber connected")

	go s.writeLoop(sub, ping)
	go s.readLoop(sub, ping)
}

// Broadcast sends v to every subscriber. Subscribers that cannot keep up
// are disconnected.
func (s *ProgressServer) Broadcast(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	s.mu.Lock()
	var slow []*subscriber
	for sub := range s.clients {
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range slow {
		s.logger.Warn("Dropping slow subscriber")
		s.remove(sub)
	}
	return nil
}

// Clients returns the number of connected subscribers.
func (s *ProgressServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every subscriber and stops the listener.
func (s *ProgressServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.clients))
	for sub := range s.clients {
		subs = append(subs, sub)
	}
	srv := s.server
	s.mu.Unlock()

	for _, sub := range subs {
		s.remove(sub)
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *ProgressServer) remove(sub *subscriber) {
	s.mu.Lock()
	delete(s.clients, sub)
	s.mu.Unlock()

	sub.once.Do(func() {
		close(sub.done)
		_ = sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.writeTimeout))
		_ = sub.conn.Close()
	})
}

// writeLoop is the only data writer on the connection.
func (s *ProgressServer) writeLoop(sub *subscriber, ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case data := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.WithError(err).Debug("Write to subscriber failed")
				s.remove(sub)
				return
			}

		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.WithError(err).Debug("Ping failed")
				s.remove(sub)
				return
			}

		case <-sub.done:
			return
		}
	}
}

// readLoop drains client frames so pongs and close frames are processed.
func (s *ProgressServer) readLoop(sub *subscriber, ping time.Duration) {
	defer s.remove(sub)

	deadline := ping + s.pongTimeout
	_ = sub.conn.SetReadDeadline(time.Now().Add(deadline))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Debug("Subscriber read error")
			}
			return
		}
	}
}

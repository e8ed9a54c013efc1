// Package livereload implements the LiveReload websocket protocol so browsers
// reload after the application was refreshed.
package livereload

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livecode/internal/logging"
	"livecode/internal/metrics"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsReadLimit       = 64 * 1024
)

//go:embed assets/livereload.js
var clientScript []byte

type Options struct {
	Host    string
	Port    int
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(payload)
}

type Server struct {
	host     string
	port     int
	logger   *logging.Logger
	metrics  *metrics.Registry
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*client
	listener net.Listener
	http     *http.Server
}

func NewServer(options Options) *Server {
	port := options.Port
	if port == 0 {
		port = DefaultPort
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		host:    options.Host,
		port:    port,
		logger:  logger.With(map[string]string{"component": "livereload"}),
		metrics: options.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			// Pages under development are served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler serves /livereload, /livereload.js and /metrics.
func (server *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livereload", server.handleWebSocket)
	mux.HandleFunc("/livereload.js", handleScript)
	mux.Handle("/metrics", server.metrics.Handler())
	return mux
}

// Start binds the listener and serves in the background. Port -1 picks a free port.
func (server *Server) Start() error {
	port := server.port
	if port < 0 {
		port = 0
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(server.host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.mu.Lock()
	server.listener = listener
	server.http = httpServer
	server.mu.Unlock()

	server.logger.Info("livereload listening", map[string]string{"addr": listener.Addr().String()})
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.logger.Error("livereload server stopped", map[string]string{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (server *Server) Addr() string {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.listener == nil {
		return ""
	}
	return server.listener.Addr().String()
}

// Shutdown stops accepting connections and closes every client.
func (server *Server) Shutdown(ctx context.Context) error {
	server.mu.Lock()
	httpServer := server.http
	clients := server.clients
	server.clients = make(map[string]*client)
	server.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
	server.metrics.SetReloadClients(0)
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// NotifyChange tells every client that path changed. Clients that fail the send are
// dropped. It returns how many clients received the message.
func (server *Server) NotifyChange(path string) int {
	server.metrics.IncReloadMessage(commandReload)
	return server.broadcast(ReloadMessage{Command: commandReload, Path: path, LiveCSS: true})
}

// Alert shows message in every connected browser.
func (server *Server) Alert(message string) int {
	server.metrics.IncReloadMessage(commandAlert)
	return server.broadcast(AlertMessage{Command: commandAlert, Message: message})
}

func (server *Server) ClientCount() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return len(server.clients)
}

// ClientIDs lists connected client ids, sorted.
func (server *Server) ClientIDs() []string {
	server.mu.Lock()
	ids := make([]string, 0, len(server.clients))
	for id := range server.clients {
		ids = append(ids, id)
	}
	server.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (server *Server) broadcast(payload any) int {
	server.mu.Lock()
	clients := make([]*client, 0, len(server.clients))
	for _, c := range server.clients {
		clients = append(clients, c)
	}
	server.mu.Unlock()

	delivered := 0
	for _, c := range clients {
		if err := c.send(payload); err != nil {
			server.logger.Warn("livereload send failed, dropping client", map[string]string{
				"client": c.id,
				"error":  err.Error(),
			})
			server.drop(c)
			continue
		}
		delivered++
	}
	return delivered
}

func (server *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.logger.Warn("livereload upgrade failed", map[string]string{"error": err.Error()})
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	conn.SetReadLimit(wsReadLimit)

	server.mu.Lock()
	server.clients[c.id] = c
	count := len(server.clients)
	server.mu.Unlock()
	server.metrics.SetReloadClients(count)
	server.logger.Debug("livereload client connected", map[string]string{
		"client": c.id,
		"remote": r.RemoteAddr,
	})

	go server.readLoop(c)
}

func (server *Server) readLoop(c *client) {
	defer server.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var message clientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			server.logger.Debug("livereload message ignored", map[string]string{"client": c.id, "error": err.Error()})
			continue
		}
		switch message.Command {
		case commandHello:
			if err := c.send(helloMessage()); err != nil {
				return
			}
		case commandInfo:
			if message.URL != "" {
				server.logger.Debug("livereload client page", map[string]string{"client": c.id, "url": message.URL})
			}
		}
	}
}

func (server *Server) drop(c *client) {
	server.mu.Lock()
	_, ok := server.clients[c.id]
	delete(server.clients, c.id)
	count := len(server.clients)
	server.mu.Unlock()
	if !ok {
		return
	}
	_ = c.conn.Close()
	server.metrics.SetReloadClients(count)
	server.logger.Debug("livereload client disconnected", map[string]string{"client": c.id})
}

func handleScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(clientScript)
}

package livereload

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecode/internal/metrics"
)

func dial(t *testing.T, httpServer *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/livereload"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var message map[string]any
	require.NoError(t, json.Unmarshal(data, &message))
	return message
}

func waitForClients(t *testing.T, server *Server, count int) {
	t.Helper()
	require.Eventually(t, func() bool { return server.ClientCount() == count }, 2*time.Second, 10*time.Millisecond)
}

func TestHelloHandshake(t *testing.T) {
	server := NewServer(Options{})
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	conn := dial(t, httpServer)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"command":   "hello",
		"protocols": []string{ProtocolOfficial7},
	}))

	reply := readJSON(t, conn)
	assert.Equal(t, "hello", reply["command"])
	assert.Equal(t, "livecode", reply["serverName"])
	assert.Equal(t, []any{ProtocolOfficial7}, reply["protocols"])
}

func TestNotifyChangeBroadcasts(t *testing.T) {
	server := NewServer(Options{})
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	first := dial(t, httpServer)
	second := dial(t, httpServer)
	waitForClients(t, server, 2)

	assert.Equal(t, 2, server.NotifyChange("/"))
	for _, conn := range []*websocket.Conn{first, second} {
		message := readJSON(t, conn)
		assert.Equal(t, "reload", message["command"])
		assert.Equal(t, "/", message["path"])
		assert.Equal(t, true, message["liveCSS"])
	}
}

func TestAlertBroadcasts(t *testing.T) {
	server := NewServer(Options{})
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	conn := dial(t, httpServer)
	waitForClients(t, server, 1)

	assert.Equal(t, 1, server.Alert("compilation failed"))
	message := readJSON(t, conn)
	assert.Equal(t, "alert", message["command"])
	assert.Equal(t, "compilation failed", message["message"])
}

func TestClosedClientIsDropped(t *testing.T) {
	server := NewServer(Options{})
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	conn := dial(t, httpServer)
	waitForClients(t, server, 1)
	require.Len(t, server.ClientIDs(), 1)

	require.NoError(t, conn.Close())
	waitForClients(t, server, 0)
	assert.Equal(t, 0, server.NotifyChange("/"))
}

func TestNotifyWithoutClients(t *testing.T) {
	server := NewServer(Options{})
	assert.Equal(t, 0, server.NotifyChange("/"))
	assert.Equal(t, 0, server.Alert("nobody listens"))
}

func TestServesClientScript(t *testing.T) {
	server := NewServer(Options{})
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	response, err := http.Get(httpServer.URL + "/livereload.js")
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Contains(t, response.Header.Get("Content-Type"), "javascript")
	assert.Contains(t, string(body), "/livereload")

	post, err := http.Post(httpServer.URL+"/livereload.js", "text/plain", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestServesMetrics(t *testing.T) {
	registry := metrics.NewRegistry()
	server := NewServer(Options{Metrics: registry})
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	server.NotifyChange("/")

	response, err := http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Contains(t, string(body), "livecode_")
}

func TestStartAndShutdown(t *testing.T) {
	server := NewServer(Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, server.Start())
	addr := server.Addr()
	require.NotEmpty(t, addr)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/livereload", nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForClients(t, server, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.Equal(t, 0, server.ClientCount())
}

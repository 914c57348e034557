package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/hive/pkg/auth"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(Options{
		Authenticator: auth.NewTokenAuthenticator(map[string]auth.Principal{
			"admin":  {ID: "admin", Capabilities: []string{"manage_options"}},
			"jobs":   {ID: "jobs", Capabilities: []string{"manage_jobs"}},
			"viewer": {ID: "viewer"},
		}),
	})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestPublishFiltersByCapability(t *testing.T) {
	hub, srv := newTestHub(t)
	admin := dial(t, srv, "admin")
	jobs := dial(t, srv, "jobs")
	viewer := dial(t, srv, "viewer")
	waitClients(t, hub, 3)

	n := hub.Publish([]byte(`{"type":"job"}`), []string{"manage_options", "manage_jobs"})
	assert.Equal(t, 2, n)

	for _, conn := range []*websocket.Conn{admin, jobs} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"job"}`, string(msg))
	}

	viewer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := viewer.ReadMessage()
	assert.Error(t, err, "viewer lacks both capabilities")
}

func TestRejectsUnauthenticated(t *testing.T) {
	_, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDisconnectRemovesClient(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "admin")
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
	assert.Zero(t, hub.Publish([]byte("x"), nil))
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "admin")
	waitClients(t, hub, 1)

	hub.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, hub.ClientCount())
}

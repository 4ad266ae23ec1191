package ws

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialLoopback(t *testing.T, srv *httptest.Server) net.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	return raw
}

func TestDialAndBinaryRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	defer srv.Close()

	raw := dialLoopback(t, srv)
	conn, err := Dial(raw, Config{Host: "example.com", Path: "/"})
	require.NoError(t, err)
	defer conn.Close()

	serverConn := <-connCh
	defer serverConn.Close()

	require.NoError(t, serverConn.WriteMessage(websocket.BinaryMessage, []byte("hello")))

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestWriteSendsBinaryFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	defer srv.Close()

	raw := dialLoopback(t, srv)
	conn, err := Dial(raw, Config{Host: "example.com", Path: "/"})
	require.NoError(t, err)
	defer conn.Close()

	serverConn := <-connCh
	defer serverConn.Close()

	_, err = conn.Write([]byte("outbound"))
	require.NoError(t, err)

	typ, data, err := serverConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	require.Equal(t, "outbound", string(data))
}

// Scenario (iv) from spec §8: a ping frame interleaved between two binary
// frames is answered with a pong carrying the same payload, and never
// surfaces to the reader.
func TestPingIsAutoAnsweredAndHiddenFromReader(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	defer srv.Close()

	raw := dialLoopback(t, srv)
	conn, err := Dial(raw, Config{Host: "example.com", Path: "/"})
	require.NoError(t, err)
	defer conn.Close()

	serverConn := <-connCh
	defer serverConn.Close()

	pongCh := make(chan string, 1)
	serverConn.SetPongHandler(func(data string) error {
		pongCh <- data
		return nil
	})
	go func() {
		for {
			if _, _, err := serverConn.NextReader(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, serverConn.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	require.NoError(t, serverConn.WriteMessage(websocket.PingMessage, []byte("abcd")))
	require.NoError(t, serverConn.WriteMessage(websocket.BinaryMessage, []byte("!!!")))

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "!!!", string(buf[:n]))

	select {
	case p := <-pongCh:
		require.Equal(t, "abcd", p)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auto-answered pong")
	}
}

func TestDialRejectsNonUpgradeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	raw := dialLoopback(t, srv)
	_, err := Dial(raw, Config{Host: "example.com", Path: "/"})
	require.Error(t, err)
}

func TestEarlyDataHeaderCarriesBase64Payload(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Sec-WebSocket-Protocol")
		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c.Close()
	}))
	defer srv.Close()

	raw := dialLoopback(t, srv)
	cfg := Config{
		Host:              "example.com",
		Path:              "/",
		EarlyData:         []byte("hi"),
		MaxEarlyDataBytes: 2048,
		EarlyDataHeader:   "Sec-WebSocket-Protocol",
	}
	conn, err := Dial(raw, cfg)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "aGk", got) // base64.RawURLEncoding("hi")
}

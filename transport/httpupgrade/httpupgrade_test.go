package httpupgrade

import (
	"bufio"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func readRequestLine(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			return lines
		}
		lines = append(lines, line)
	}
}

// Dial sends the upgrade request, then treats any bytes that follow the
// header terminator in the same read as buffered body data (spec: "bytes
// received in the same read as the header terminator are buffered for the
// first receive").
func TestDialBuffersBodyAfterHeaderTerminator(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(server)
		readRequestLine(t, br)
		_, err := server.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\nBODY"))
		done <- err
	}()

	conn, err := Dial(client, Config{Host: "example.com", Path: "/up"})
	require.NoError(t, err)
	require.NoError(t, <-done)

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "BODY", string(buf[:n]))
}

func TestDialSendsHostPathAndCustomHeaders(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reqCh := make(chan []string, 1)
	go func() {
		br := bufio.NewReader(server)
		reqCh <- readRequestLine(t, br)
		server.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
	}()

	headers := http.Header{}
	headers.Set("X-Custom", "value1")
	_, err := Dial(client, Config{Host: "example.com", Path: "/up", Headers: headers})
	require.NoError(t, err)

	select {
	case lines := <-reqCh:
		require.Contains(t, lines[0], "GET /up HTTP/1.1")
		joined := ""
		for _, l := range lines {
			joined += l
		}
		require.Contains(t, joined, "Host: example.com")
		require.Contains(t, joined, "Upgrade: websocket")
		require.Contains(t, joined, "X-Custom: value1")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestDialRejectsNon101Status(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		readRequestLine(t, br)
		server.Write([]byte("HTTP/1.1 404 Not Found\r\nConnection: close\r\n\r\n"))
	}()

	_, err := Dial(client, Config{Host: "example.com", Path: "/up"})
	require.Error(t, err)
}

func TestDialRejectsMissingUpgradeHeader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		readRequestLine(t, br)
		server.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\n\r\n"))
	}()

	_, err := Dial(client, Config{Host: "example.com", Path: "/up"})
	require.Error(t, err)
}

func TestDialRejectsMissingConnectionUpgrade(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		readRequestLine(t, br)
		server.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"))
	}()

	_, err := Dial(client, Config{Host: "example.com", Path: "/up"})
	require.Error(t, err)
}

func TestConnReadFallsThroughAfterBufferDrained(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		readRequestLine(t, br)
		server.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
		server.Write([]byte("more-data"))
	}()

	conn, err := Dial(client, Config{Host: "example.com", Path: "/up"})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "more-data", string(buf[:n]))
}

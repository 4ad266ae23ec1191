package xhttp

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func consumeRequestHeaders(t *testing.T, br *bufio.Reader) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			return
		}
	}
}

func TestDialStreamOneWriteEncodesChunk(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		consumeRequestHeaders(t, br)
		server.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	}()

	s, err := DialStreamOne(client, Config{Host: "example.com", Path: "/up"})
	require.NoError(t, err)

	recvCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		recvCh <- buf[:n]
	}()

	_, err = s.Write([]byte("payload"))
	require.NoError(t, err)

	got := <-recvCh
	require.Equal(t, EncodeChunk([]byte("payload")), got)
}

// Read must carry over any tail of a decoded chunk that doesn't fit in the
// caller's buffer, rather than discarding it.
func TestStreamOneReadCarriesOverOversizedChunk(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		consumeRequestHeaders(t, br)
		server.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
		server.Write(EncodeChunk([]byte("0123456789")))
	}()

	s, err := DialStreamOne(client, Config{Host: "example.com", Path: "/up"})
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "0123", string(buf[:n]))

	n, err = s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "4567", string(buf[:n]))

	n, err = s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "89", string(buf[:n]))
}

func TestDialStreamOneRejectsNon200(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		consumeRequestHeaders(t, br)
		server.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
	}()

	_, err := DialStreamOne(client, Config{Host: "example.com", Path: "/up"})
	require.Error(t, err)
}

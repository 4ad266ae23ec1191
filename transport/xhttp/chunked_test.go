package xhttp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Round-trip law (spec §8.10): chunked encode then decode yields identical
// payloads; partial feeds cannot emit an incomplete chunk.
func TestChunkEncodeDecodeRoundTrip(t *testing.T) {
	d := NewChunkDecoder()
	payloads := [][]byte{[]byte("hello"), []byte("a longer payload here"), []byte("")}
	for _, p := range payloads {
		d.Feed(EncodeChunk(p))
	}
	for _, want := range payloads {
		chunk, ok, eof := d.Next()
		if len(want) == 0 {
			// a zero-length chunk is the terminator on the wire, so it
			// decodes as end of stream rather than as an empty payload.
			require.True(t, eof)
			require.False(t, ok)
			continue
		}
		require.False(t, eof)
		require.True(t, ok)
		require.Equal(t, want, chunk)
	}
}

func TestChunkDecoderPartialFeedYieldsNothing(t *testing.T) {
	d := NewChunkDecoder()
	full := EncodeChunk([]byte("payload"))
	d.Feed(full[:len(full)-2]) // withhold the trailing CRLF
	chunk, ok, eof := d.Next()
	require.False(t, ok)
	require.False(t, eof)
	require.Nil(t, chunk)

	d.Feed(full[len(full)-2:])
	chunk, ok, eof = d.Next()
	require.True(t, ok)
	require.False(t, eof)
	require.Equal(t, []byte("payload"), chunk)
}

func TestChunkDecoderTerminator(t *testing.T) {
	d := NewChunkDecoder()
	d.Feed([]byte("0\r\n\r\n"))
	chunk, ok, eof := d.Next()
	require.False(t, ok)
	require.True(t, eof)
	require.Nil(t, chunk)
}

func TestChunkDecoderIgnoresExtensions(t *testing.T) {
	d := NewChunkDecoder()
	d.Feed([]byte("5;foo=bar\r\nhello\r\n"))
	chunk, ok, eof := d.Next()
	require.True(t, ok)
	require.False(t, eof)
	require.Equal(t, []byte("hello"), chunk)
}

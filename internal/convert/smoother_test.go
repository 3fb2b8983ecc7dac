package convert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSmootherSplitsOpenAIDelta(t *testing.T) {
	s := NewSmoother(3, 0)
	event := "data: " + `{"choices":[{"delta":{"role":"assistant","content":"hello world"}}]}` + "\n\n"

	pieces, err := s.Feed([]byte(event))
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)

	var rebuilt strings.Builder
	for _, p := range pieces {
		rebuilt.Write(p.Data)
	}
	require.Contains(t, rebuilt.String(), `"content":"hel"`)
}

func TestSmootherPassesThroughDoneMarker(t *testing.T) {
	s := NewSmoother(5, 0)
	pieces, err := s.Feed([]byte("data: [DONE]\n\n"))
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	require.Equal(t, "data: [DONE]\n\n", string(pieces[0].Data))
}

func TestSmootherPassesThroughShortContent(t *testing.T) {
	s := NewSmoother(100, 0)
	event := "data: " + `{"choices":[{"delta":{"content":"hi"}}]}` + "\n\n"
	pieces, err := s.Feed([]byte(event))
	require.NoError(t, err)
	require.Len(t, pieces, 1)
}

func TestSmootherSplitsClaudeTextDelta(t *testing.T) {
	s := NewSmoother(2, 0)
	event := "event: content_block_delta\ndata: " +
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"abcd"}}` + "\n\n"

	pieces, err := s.Feed([]byte(event))
	require.NoError(t, err)
	require.Len(t, pieces, 2)
	require.Contains(t, string(pieces[0].Data), "event: content_block_delta")
	require.Contains(t, string(pieces[0].Data), `"text":"ab"`)
}

func TestSmootherHandlesMultiByteRunes(t *testing.T) {
	s := NewSmoother(2, 0)
	event := "data: " + `{"choices":[{"delta":{"content":"你好世界文"}}]}` + "\n\n"
	pieces, err := s.Feed([]byte(event))
	require.NoError(t, err)
	require.Equal(t, 3, len(pieces))
}

func TestFlushReturnsBufferedRemainder(t *testing.T) {
	s := NewSmoother(5, 0)
	_, err := s.Feed([]byte("data: {\"incomplete"))
	require.NoError(t, err)
	rest := s.Flush()
	require.Len(t, rest, 1)
}

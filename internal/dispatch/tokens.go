package dispatch

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tiktokenEncoder is shared process-wide; GetEncoding loads the BPE ranks
// once and the result is safe for concurrent Encode calls.
var (
	tiktokenOnce sync.Once
	tiktokenEnc  *tiktoken.Tiktoken
)

func tiktokenEncoder() *tiktoken.Tiktoken {
	tiktokenOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tiktokenEnc = enc
		}
	})
	return tiktokenEnc
}

// estimateOutputTokens replaces the teacher's sb.Len()/4 heuristic
// (internal/proxy/gateway.go writeSSE) with an actual BPE token count for
// OpenAI-family upstreams — used only as a fallback when the upstream
// response body carried no usage block at all (e.g. a provider that omits
// usage except on the true final chunk, which got lost to a mid-stream
// disconnect). Non-OpenAI families keep the chars/4 approximation since
// cl100k_base doesn't model Claude/Gemini tokenization.
func estimateOutputTokens(family, text string) int64 {
	if text == "" {
		return 0
	}
	if family != "openai" {
		n := int64(len(text) / 4)
		if n == 0 {
			n = 1
		}
		return n
	}
	enc := tiktokenEncoder()
	if enc == nil {
		return int64(len(text))/4 + 1
	}
	return int64(len(enc.Encode(text, nil, nil)))
}

package convert

import (
	"bytes"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Smoother splits large SSE content deltas into smaller pieces and paces
// them with a short delay, so a client sees a steadier stream instead of a
// handful of huge chunks. It understands the OpenAI, Claude, and Gemini SSE
// delta shapes; anything else passes through untouched.
type Smoother struct {
	ChunkSize int // rune count per emitted piece
	Delay     time.Duration

	buf            bytes.Buffer
	firstContent   bool
	firstContentOK bool
}

func NewSmoother(chunkSize int, delay time.Duration) *Smoother {
	if chunkSize <= 0 {
		chunkSize = 5
	}
	return &Smoother{ChunkSize: chunkSize, Delay: delay, firstContent: true}
}

// Feed appends newly-received bytes and returns zero or more SSE event
// blocks (each including the trailing "\n\n") ready to forward, split and
// paced according to the smoothing rules. Call Flush once the upstream
// stream ends to emit any unterminated remainder.
func (s *Smoother) Feed(chunk []byte) ([]Piece, error) {
	s.buf.Write(chunk)
	var out []Piece
	for {
		data := s.buf.Bytes()
		idx := bytes.Index(data, []byte("\n\n"))
		if idx < 0 {
			break
		}
		eventBlock := append([]byte(nil), data[:idx]...)
		rest := append([]byte(nil), data[idx+2:]...)
		s.buf.Reset()
		s.buf.Write(rest)

		pieces, err := s.splitEvent(eventBlock)
		if err != nil {
			return out, err
		}
		out = append(out, pieces...)
	}
	return out, nil
}

// Flush returns any buffered, unterminated remainder as a final raw piece.
func (s *Smoother) Flush() []Piece {
	if s.buf.Len() == 0 {
		return nil
	}
	p := []Piece{{Data: append([]byte(nil), s.buf.Bytes()...)}}
	s.buf.Reset()
	return p
}

// Piece is one unit of output: raw bytes to write, optionally followed by a
// pacing delay.
type Piece struct {
	Data       []byte
	DelayAfter time.Duration
}

func (s *Smoother) splitEvent(eventBlock []byte) ([]Piece, error) {
	eventStr := string(eventBlock)
	var dataLine string
	hasData := false
	eventType := ""
	for _, line := range strings.Split(strings.TrimRight(eventStr, "\r\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
			hasData = true
		}
	}

	passthrough := func() []Piece {
		return []Piece{{Data: append(eventBlock, '\n', '\n')}}
	}

	if !hasData || strings.TrimSpace(dataLine) == "[DONE]" {
		return passthrough(), nil
	}
	if !gjson.Valid(dataLine) {
		return passthrough(), nil
	}

	content, format := extractContent(dataLine)
	if content == "" || len([]rune(content)) <= s.ChunkSize {
		if content != "" {
			s.firstContent = false
		}
		return passthrough(), nil
	}

	chunks := splitRunes(content, s.ChunkSize)
	pieces := make([]Piece, 0, len(chunks))
	for i, sub := range chunks {
		isFirst := s.firstContent && i == 0
		rebuilt, err := rebuildChunk(dataLine, sub, format, eventType, isFirst)
		if err != nil {
			return passthrough(), nil
		}
		p := Piece{Data: rebuilt}
		if i < len(chunks)-1 {
			p.DelayAfter = s.Delay
		}
		pieces = append(pieces, p)
	}
	s.firstContent = false
	return pieces, nil
}

func splitRunes(s string, n int) []string {
	runes := []rune(s)
	if len(runes) <= n {
		return []string{s}
	}
	var out []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// extractContent recognizes the three SSE delta shapes worth splitting:
// OpenAI choices[0].delta.content (delta must be role/content only, so we
// never fragment tool_calls), Claude content_block_delta/text_delta, and
// Gemini candidates[0].content.parts[0].text (only when that's the part's
// sole field).
func extractContent(data string) (content string, format string) {
	root := gjson.Parse(data)

	if choices := root.Get("choices"); choices.IsArray() && len(choices.Array()) == 1 {
		delta := choices.Array()[0].Get("delta")
		if delta.Exists() && delta.IsObject() {
			c := delta.Get("content")
			if c.Exists() && c.Type == gjson.String {
				onlyRoleContent := true
				delta.ForEach(func(key, _ gjson.Result) bool {
					k := key.String()
					if k != "role" && k != "content" {
						onlyRoleContent = false
						return false
					}
					return true
				})
				if onlyRoleContent {
					return c.String(), "openai"
				}
			}
		}
	}

	if root.Get("type").String() == "content_block_delta" {
		delta := root.Get("delta")
		if delta.Get("type").String() == "text_delta" {
			text := delta.Get("text")
			if text.Type == gjson.String {
				return text.String(), "claude"
			}
		}
	}

	if candidates := root.Get("candidates"); candidates.IsArray() && len(candidates.Array()) == 1 {
		c := candidates.Array()[0].Get("content")
		if parts := c.Get("parts"); parts.IsArray() && len(parts.Array()) == 1 {
			part := parts.Array()[0]
			text := part.Get("text")
			if text.Type == gjson.String && countFields(part) == 1 {
				return text.String(), "gemini"
			}
		}
	}

	return "", "unknown"
}

func countFields(r gjson.Result) int {
	n := 0
	r.ForEach(func(_, _ gjson.Result) bool { n++; return true })
	return n
}

func rebuildChunk(dataLine, content, format, eventType string, isFirst bool) ([]byte, error) {
	switch format {
	case "openai":
		return rebuildOpenAIChunk(dataLine, content, isFirst)
	case "claude":
		return rebuildClaudeChunk(dataLine, content, eventType)
	case "gemini":
		return rebuildGeminiChunk(dataLine, content)
	default:
		return nil, errUnknownFormat
	}
}

func rebuildOpenAIChunk(dataLine, content string, isFirst bool) ([]byte, error) {
	role := gjson.Get(dataLine, "choices.0.delta.role")
	newDelta := map[string]any{"content": content}
	if isFirst && role.Exists() {
		newDelta["role"] = role.String()
	}
	out, err := sjson.Set(dataLine, "choices.0.delta", newDelta)
	if err != nil {
		return nil, err
	}
	return []byte("data: " + out + "\n\n"), nil
}

func rebuildClaudeChunk(dataLine, content, eventType string) ([]byte, error) {
	out, err := sjson.Set(dataLine, "delta.text", content)
	if err != nil {
		return nil, err
	}
	if eventType == "" {
		eventType = "content_block_delta"
	}
	return []byte("event: " + eventType + "\ndata: " + out + "\n\n"), nil
}

func rebuildGeminiChunk(dataLine, content string) ([]byte, error) {
	out, err := sjson.Set(dataLine, "candidates.0.content.parts.0.text", content)
	if err != nil {
		return nil, err
	}
	return []byte("data: " + out + "\n\n"), nil
}

var errUnknownFormat = &unknownFormatError{}

type unknownFormatError struct{}

func (*unknownFormatError) Error() string { return "convert: unknown SSE content format" }

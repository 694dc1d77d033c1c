package appliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// boundaryMarker delimits event blocks in the push-event feed. The feed is
// multipart-like but not line-oriented: frames arrive in arbitrary chunks
// and must be reassembled before a block can be extracted.
const boundaryMarker = "--myboundary"

// EventBlock is one complete event extracted from the push stream: the
// preamble metadata plus the decoded JSON payload. Preamble pairs are merged
// into Data under capitalized keys.
type EventBlock struct {
	Code   string
	Action string
	Index  int
	Data   map[string]any
}

// FrameScanner accumulates raw stream bytes and yields one complete block
// at a time, where a block is the bytes between two boundary markers.
type FrameScanner struct {
	buf []byte
}

func NewFrameScanner() *FrameScanner {
	return &FrameScanner{}
}

// Append adds raw bytes received from the stream connection.
func (s *FrameScanner) Append(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next extracts the next complete block, if one is buffered. The returned
// block excludes both boundary markers; consumed bytes are discarded.
func (s *FrameScanner) Next() ([]byte, bool) {
	start := bytes.Index(s.buf, []byte(boundaryMarker))
	if start < 0 {
		return nil, false
	}
	rest := s.buf[start+len(boundaryMarker):]
	end := bytes.Index(rest, []byte(boundaryMarker))
	if end < 0 {
		// Drop garbage before the first boundary but keep the open block.
		s.buf = s.buf[start:]
		return nil, false
	}

	block := make([]byte, end)
	copy(block, rest[:end])
	s.buf = s.buf[start+len(boundaryMarker)+end:]
	return block, true
}

// ParseEventBlock parses a raw block into an EventBlock. Blocks without an
// event preamble (keep-alive "OK" frames, part headers only) yield nil with
// no error and must simply be skipped. A malformed payload yields an error;
// the caller logs it and continues scanning — one bad frame must not
// terminate the stream.
func ParseEventBlock(block []byte) (*EventBlock, error) {
	text := string(block)

	codeAt := strings.Index(text, "Code=")
	if codeAt < 0 {
		return nil, nil
	}
	rest := text[codeAt:]

	ev := &EventBlock{Data: map[string]any{}}
	meta := map[string]string{}

	dataAt := strings.Index(rest, "data=")
	head := rest
	if dataAt >= 0 {
		head = rest[:dataAt]
	}
	// The preamble is the single Code=...;k=v;... line; the JSON payload
	// after data= may span multiple lines.
	if nl := strings.IndexAny(head, "\r\n"); nl >= 0 {
		head = head[:nl]
	}
	for _, pair := range strings.Split(head, ";") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	ev.Code = meta["Code"]
	if ev.Code == "" {
		return nil, nil
	}
	ev.Action = meta["action"]
	if idx, err := strconv.Atoi(meta["index"]); err == nil {
		ev.Index = idx
	}

	if dataAt >= 0 {
		payload, err := extractJSONObject(rest[dataAt+len("data="):])
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.Code, err)
		}
		if err := json.Unmarshal(payload, &ev.Data); err != nil {
			return nil, fmt.Errorf("event %s: decode payload: %w", ev.Code, err)
		}
	}

	// Merge preamble metadata under capitalized keys before handoff.
	for k, v := range meta {
		ev.Data[capitalize(k)] = v
	}

	return ev, nil
}

// extractJSONObject returns the bytes of the first complete JSON object in
// s, up to its matching closing brace. Anything the appliance appends after
// the object is discarded.
func extractJSONObject(s string) ([]byte, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, fmt.Errorf("payload is not a JSON object")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(s[start : i+1]), nil
			}
		}
	}
	return nil, fmt.Errorf("unterminated JSON object")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Attach opens the long-lived push-event feed and invokes handler for every
// complete, well-formed event block. It blocks until the context is
// cancelled or the connection drops; there is no in-band unsubscribe. The
// onSkip callback (optional) is invoked for heartbeat/malformed blocks.
func (c *Client) Attach(ctx context.Context, codes []string, handler func(*EventBlock), onSkip func(err error)) error {
	q := url.Values{
		"action": {"attach"},
		"codes":  {"[" + strings.Join(codes, ",") + "]"},
	}
	u := c.baseURL + "/cgi-bin/eventManager.cgi?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build attach request: %w", err)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("attach event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("attach event stream: status %d", resp.StatusCode)
	}

	scanner := NewFrameScanner()
	chunk := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := resp.Body.Read(chunk)
		if n > 0 {
			scanner.Append(chunk[:n])
			for {
				block, ok := scanner.Next()
				if !ok {
					break
				}
				ev, perr := ParseEventBlock(block)
				if perr != nil || ev == nil {
					if onSkip != nil {
						onSkip(perr)
					}
					continue
				}
				handler(ev)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event stream read: %w", err)
		}
	}
}

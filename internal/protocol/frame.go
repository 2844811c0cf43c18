package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewMarkerPair generates a globally unique START/END sentinel pair for
// one agent run, so stream content containing the literal words
// "START"/"END" can never be mistaken for framing.
func NewMarkerPair() (start, end string) {
	id := uuid.NewString()
	return "\x02START-" + id + "\x03", "\x02END-" + id + "\x03"
}

// StreamParser extracts sentinel-framed JSON records from an agent's
// stdout, maintaining a rolling buffer across chunk boundaries (spec
// §4.3 "Stdout framing"). It is not safe for concurrent use; the agent
// runner owns one parser per run.
type StreamParser struct {
	start, end string
	buf        []byte
	maxBytes   int
	truncated  bool
}

// NewStreamParser constructs a parser for the given START/END sentinel
// pair. maxBytes bounds the rolling buffer; once exceeded, excess bytes
// are dropped and Truncated() reports true, but parsing continues.
func NewStreamParser(start, end string, maxBytes int) *StreamParser {
	return &StreamParser{start: start, end: end, maxBytes: maxBytes}
}

// Truncated reports whether the buffer has ever exceeded maxBytes.
func (p *StreamParser) Truncated() bool { return p.truncated }

// Feed appends chunk to the rolling buffer and returns every complete,
// well-formed record found. A complete pair whose body fails JSON
// parsing is counted in the skipped return value and dropped, the buffer
// advancing past its END like any other; a START whose END has not yet
// arrived stays buffered for the next chunk.
func (p *StreamParser) Feed(chunk []byte) (records []RunRecord, skipped int) {
	p.buf = append(p.buf, chunk...)
	if p.maxBytes > 0 && len(p.buf) > p.maxBytes {
		// Drop from the front, keeping the most recent maxBytes — a
		// START seen earlier than that point is unrecoverable anyway.
		p.buf = p.buf[len(p.buf)-p.maxBytes:]
		p.truncated = true
	}

	for {
		startIdx := bytes.Index(p.buf, []byte(p.start))
		if startIdx < 0 {
			// No START yet; keep noise bounded so it can't grow unbounded
			// while we wait (leave room for a START split across chunks).
			if keep := len(p.start) - 1; keep >= 0 && len(p.buf) > keep {
				p.buf = p.buf[len(p.buf)-keep:]
			}
			return records, skipped
		}

		searchFrom := startIdx + len(p.start)
		endIdx := bytes.Index(p.buf[searchFrom:], []byte(p.end))
		if endIdx < 0 {
			// START found but END not yet arrived; drop noise before
			// START and wait for more chunks.
			p.buf = p.buf[startIdx:]
			return records, skipped
		}
		endIdx += searchFrom

		body := p.buf[searchFrom:endIdx]
		var rec RunRecord
		if err := json.Unmarshal(bytes.TrimSpace(body), &rec); err != nil {
			skipped++
		} else {
			records = append(records, rec)
		}

		p.buf = p.buf[endIdx+len(p.end):]
	}
}

// Wrap frames a record for tests and for agent-side fixtures: encodes
// rec as JSON surrounded by the given sentinel pair.
func Wrap(start, end string, rec RunRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	out := make([]byte, 0, len(start)+len(body)+len(end))
	out = append(out, start...)
	out = append(out, body...)
	out = append(out, end...)
	return out, nil
}

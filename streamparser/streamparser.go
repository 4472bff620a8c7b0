// Package streamparser turns a line-oriented (or length-prefixed) byte
// stream from a harness into the typed ResponseChunk sequence described
// in §4.3. It is pure over its byte input: it owns no timers or threads
// and never buffers more than one record beyond what the consumer has
// pulled, mirroring the bufio.Scanner-driven protocol loop the pack's
// own NDJSON subprocess bridge uses for the same shape of problem.
package streamparser

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/descartes-run/descartes"
	"golang.org/x/text/unicode/norm"
)

// FrameMode selects how logical records are delimited in the byte
// stream.
type FrameMode int

const (
	// NDJSON delimits records by newline. The default and only mode a
	// non-Lisp backend needs.
	NDJSON FrameMode = iota
	// Swank delimits records by a 6-hex-digit length prefix, used only
	// by the Lisp backend.
	Swank
)

type rawRecord struct {
	Type         string          `json:"type"`
	Content      string          `json:"content,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	SubagentType string          `json:"subagent_type,omitempty"`
	Prompt       string          `json:"prompt,omitempty"`
	Model        string          `json:"model,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Parser consumes a byte stream and produces ResponseChunks one at a
// time via Next. It is single-consumer: concurrent calls to Next are
// not safe.
type Parser struct {
	mode    FrameMode
	r       *bufio.Reader
	pending map[string]*descartes.ToolCallPayload
	done    bool
	sawComplete bool
}

// New wraps r for pull-style parsing under the given framing mode.
func New(r io.Reader, mode FrameMode) *Parser {
	return &Parser{
		mode:    mode,
		r:       bufio.NewReaderSize(r, 64*1024),
		pending: make(map[string]*descartes.ToolCallPayload),
	}
}

// Next pulls the next ResponseChunk. ok is false once the stream is
// exhausted and there is nothing further to deliver; err is non-nil only
// for a framing-layer failure (a malformed individual record is instead
// surfaced as a ChunkError chunk with ok=true, per §4.3's non-fatal
// parse-error policy).
func (p *Parser) Next() (chunk descartes.ResponseChunk, ok bool, err error) {
	for {
		if p.done {
			return descartes.ResponseChunk{}, false, nil
		}

		raw, rerr := p.readRecord()
		if rerr == io.EOF {
			p.done = true
			if !p.sawComplete {
				return descartes.ErrorChunk("truncated"), true, nil
			}
			return descartes.ResponseChunk{}, false, nil
		}
		if rerr == errTruncatedRecord {
			p.done = true
			return descartes.ErrorChunk("truncated"), true, nil
		}
		if rerr != nil {
			p.done = true
			return descartes.ResponseChunk{}, false, rerr
		}
		if len(raw) == 0 {
			continue
		}

		var rec rawRecord
		if jerr := json.Unmarshal(raw, &rec); jerr != nil {
			return descartes.ErrorChunk(fmt.Sprintf("parse: %v", jerr)), true, nil
		}

		c, emit := p.translate(rec)
		if !emit {
			continue
		}
		return c, true, nil
	}
}

func (p *Parser) translate(rec rawRecord) (descartes.ResponseChunk, bool) {
	switch rec.Type {
	case "text":
		return descartes.TextChunk(norm.NFKC.String(rec.Content), false), true
	case "thinking":
		return descartes.TextChunk(norm.NFKC.String(rec.Content), true), true
	case "tool_use_start":
		tc := &descartes.ToolCallPayload{ID: rec.ID, Name: rec.Name}
		p.pending[rec.ID] = tc
		return descartes.ToolCallChunk(tc.ID, tc.Name, nil), true
	case "tool_use_input":
		tc, exists := p.pending[rec.ID]
		if !exists {
			tc = &descartes.ToolCallPayload{ID: rec.ID}
			p.pending[rec.ID] = tc
		}
		merged := mergeArgs(tc.Args, rec.Args)
		tc.Args = merged
		return descartes.ToolCallChunk(tc.ID, tc.Name, merged), true
	case "tool_result":
		delete(p.pending, rec.ID)
		return descartes.ToolResultChunk(rec.ID, rec.Content, !rec.IsError), true
	case "subagent_spawned":
		return descartes.SubagentSpawnChunk(rec.SubagentType, rec.Prompt, rec.Model), true
	case "turn_complete":
		return descartes.ResponseChunk{}, false
	case "complete":
		p.sawComplete = true
		p.done = true
		return descartes.DoneChunk(), true
	case "error":
		return descartes.ErrorChunk(rec.Message), true
	default:
		return descartes.ResponseChunk{}, false
	}
}

// mergeArgs shallow-merges incoming keys over existing ones, tolerating
// either side being empty or non-object JSON.
func mergeArgs(existing, incoming json.RawMessage) json.RawMessage {
	if len(incoming) == 0 {
		return existing
	}
	if len(existing) == 0 {
		return incoming
	}
	var base, add map[string]json.RawMessage
	if err := json.Unmarshal(existing, &base); err != nil {
		return incoming
	}
	if err := json.Unmarshal(incoming, &add); err != nil {
		return incoming
	}
	for k, v := range add {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return incoming
	}
	return out
}

var errTruncatedRecord = fmt.Errorf("streamparser: truncated record")

// readRecord returns one logical record's bytes per the configured
// framing mode, io.EOF at a clean boundary, or errTruncatedRecord for a
// partial record straddling EOF.
func (p *Parser) readRecord() ([]byte, error) {
	if p.mode == Swank {
		return p.readSwankRecord()
	}
	return p.readLine()
}

func (p *Parser) readLine() ([]byte, error) {
	line, err := p.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			trimmed := trimNewline(line)
			if len(trimmed) == 0 {
				return nil, io.EOF
			}
			return nil, errTruncatedRecord
		}
		return nil, err
	}
	return trimNewline(line), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func (p *Parser) readSwankRecord() ([]byte, error) {
	header := make([]byte, 6)
	n, err := io.ReadFull(p.r, header)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if n == 0 {
				return nil, io.EOF
			}
			return nil, errTruncatedRecord
		}
		return nil, err
	}
	length, herr := hex.DecodeString(string(header))
	if herr != nil {
		return nil, fmt.Errorf("streamparser: bad swank length prefix %q: %w", header, herr)
	}
	size := 0
	for _, b := range length {
		size = size<<8 | int(b)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(p.r, body); err != nil {
		return nil, errTruncatedRecord
	}
	return body, nil
}

package descartes

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestChunkRoundTrip(t *testing.T) {
	chunks := []ResponseChunk{
		TextChunk("hello", false),
		TextChunk("pondering", true),
		ToolCallChunk("t1", "read_file", json.RawMessage(`{"path":"a.go"}`)),
		ToolResultChunk("t1", "package main", true),
		SubagentSpawnChunk("searcher", "find usages", ""),
		DoneChunk(),
		ErrorChunk("truncated"),
	}

	for _, c := range chunks {
		data, err := c.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := DecodeChunk(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(c, decoded) {
			t.Errorf("round-trip mismatch: %+v != %+v", c, decoded)
		}
	}
}

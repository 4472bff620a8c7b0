package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/descartes-run/descartes/errs"
)

func TestCreateAppendFinalize(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	id := s.Create("claude-code", "", "builder")
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	if err := s.Append(id, KindUserMessage, "do the thing"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(id, KindAssistantText, "doing it"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Finalize(id); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := s.Append(id, KindAssistantText, "too late"); !errs.Is(err, errs.KindProtocol) {
		t.Errorf("expected Protocol error appending to finalized transcript, got %v", err)
	}

	hdr, entries, err := s.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if hdr.Harness != "claude-code" || hdr.Category != "builder" {
		t.Errorf("unexpected header: %+v", hdr)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (2 + close), got %d", len(entries))
	}
	if entries[len(entries)-1].Kind != KindClose {
		t.Error("expected final entry to be close")
	}

	if _, err := os.Stat(filepath.Join(dir, id+".jsonl")); err != nil {
		t.Errorf("expected persisted file: %v", err)
	}
}

func TestTimestampsNonDecreasing(t *testing.T) {
	s := New(t.TempDir())
	id := s.Create("claude-code", "", "")

	for i := 0; i < 5; i++ {
		if err := s.Append(id, KindAssistantText, i); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	_, entries, _ := s.Load(id)
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp < entries[i-1].Timestamp {
			t.Errorf("timestamps went backwards at entry %d", i)
		}
	}
}

func TestLinkChild(t *testing.T) {
	s := New(t.TempDir())
	parent := s.Create("claude-code", "", "")
	child := s.Create("claude-code", parent, "searcher")

	if err := s.LinkChild(parent, child, "searcher", "find usages"); err != nil {
		t.Fatalf("link child: %v", err)
	}

	_, entries, _ := s.Load(parent)
	if len(entries) != 1 || entries[0].Kind != KindSubagentLink {
		t.Fatalf("expected a single subagent-link entry, got %+v", entries)
	}
}

func TestAppendUnknownID(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Append("missing", KindError, "x"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

// Package transcript implements the append-only, finalizable per-session
// log described in §4.5. Persistence follows the same atomic
// tmp-file-then-rename discipline the pack uses for durable state
// (suspend/resume snapshots): a transcript's file is never observed
// half-written because every update rewrites it through a temp file and
// renames over the original.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/errs"
	"github.com/descartes-run/descartes/logging"
)

// Kind discriminates a transcript entry's payload shape.
type Kind string

const (
	KindUserMessage     Kind = "user-message"
	KindAssistantText   Kind = "assistant-text"
	KindToolCall        Kind = "tool-call"
	KindToolResult      Kind = "tool-result"
	KindSubagentLink    Kind = "subagent-link"
	KindSubagentSummary Kind = "subagent-summary"
	KindError           Kind = "error"
	KindClose           Kind = "close"
)

// Entry is one line of a transcript's body, after the header.
type Entry struct {
	Timestamp int64 `json:"t"`
	Kind      Kind  `json:"k"`
	Payload   any   `json:"p"`
}

type header struct {
	V        int    `json:"v"`
	ID       string `json:"id"`
	Harness  string `json:"harness"`
	Parent   string `json:"parent,omitempty"`
	Category string `json:"category,omitempty"`
}

type transcriptState struct {
	mu            sync.Mutex
	header        header
	entries       []Entry
	lastTimestamp int64
	finalized     bool
}

// Store is the append-only transcript log keyed by transcript id.
// Concurrent reads and non-overlapping writes across ids are safe;
// appends to the same id are serialized by that transcript's own mutex.
type Store struct {
	mu          sync.RWMutex
	root        string
	transcripts map[string]*transcriptState
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store persisting one file per transcript under root.
func New(root string, opts ...Option) *Store {
	s := &Store{
		root:        root,
		transcripts: make(map[string]*transcriptState),
		logger:      logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create starts a new transcript and returns its id. parent is empty for
// a root session's transcript.
func (s *Store) Create(harness, parent, category string) string {
	id := descartes.NewID()
	ts := &transcriptState{
		header: header{V: 1, ID: id, Harness: harness, Parent: parent, Category: category},
	}

	s.mu.Lock()
	s.transcripts[id] = ts
	s.mu.Unlock()

	_ = s.persist(ts)
	return id
}

// Append adds an entry to a transcript's body. Fails with a NotFound
// error for an unknown id and with a Protocol error once the transcript
// has been finalized, per P5.
func (s *Store) Append(id string, kind Kind, payload any) error {
	ts, err := s.get(id)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.finalized {
		return errs.Protocol(fmt.Sprintf("transcript %s is finalized", id), nil)
	}

	ts.lastTimestamp++
	entry := Entry{Timestamp: monotonicTimestamp(&ts.lastTimestamp), Kind: kind, Payload: payload}
	ts.entries = append(ts.entries, entry)
	return s.persistLocked(ts)
}

// monotonicTimestamp returns a strictly non-decreasing epoch-millisecond
// value, falling back to the counter when real time hasn't advanced,
// satisfying "monotonically non-decreasing timestamps" from §4.5.
func monotonicTimestamp(counter *int64) int64 {
	now := descartes.NowUnixMilli()
	if now > *counter {
		*counter = now
	}
	return *counter
}

// Finalize marks a transcript immutable and appends the terminal "close"
// entry.
func (s *Store) Finalize(id string) error {
	ts, err := s.get(id)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.finalized {
		return nil
	}
	ts.lastTimestamp++
	ts.entries = append(ts.entries, Entry{Timestamp: monotonicTimestamp(&ts.lastTimestamp), Kind: KindClose, Payload: struct{}{}})
	ts.finalized = true
	return s.persistLocked(ts)
}

// LinkChild records a single linkage entry in the parent transcript; no
// back-pointer lives on the child (§9 redesign flag: break the
// parent/session/transcript ownership cycle).
func (s *Store) LinkChild(parentID, childID, category, prompt string) error {
	return s.Append(parentID, KindSubagentLink, map[string]string{
		"child_id": childID,
		"category": category,
		"prompt":   prompt,
	})
}

// Load reads back a transcript's header and entries.
func (s *Store) Load(id string) (header, []Entry, error) {
	ts, err := s.get(id)
	if err != nil {
		return header{}, nil, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Entry, len(ts.entries))
	copy(out, ts.entries)
	return ts.header, out, nil
}

// List returns every known transcript id.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.transcripts))
	for id := range s.transcripts {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) get(id string) (*transcriptState, error) {
	s.mu.RLock()
	ts, ok := s.transcripts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound(fmt.Sprintf("transcript %s", id), nil)
	}
	return ts, nil
}

func (s *Store) persist(ts *transcriptState) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return s.persistLocked(ts)
}

// persistLocked rewrites the transcript's file atomically. Called with
// ts.mu held.
func (s *Store) persistLocked(ts *transcriptState) error {
	if s.root == "" {
		return nil
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return errs.Backend("create transcript root", err)
	}

	path := filepath.Join(s.root, ts.header.ID+".jsonl")
	tmp, err := os.CreateTemp(s.root, ts.header.ID+"-*.tmp")
	if err != nil {
		return errs.Backend("create temp transcript file", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(ts.header); err != nil {
		tmp.Close()
		return errs.Backend("write transcript header", err)
	}
	for _, e := range ts.entries {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return errs.Backend("write transcript entry", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return errs.Backend("close temp transcript file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.Backend("rename transcript file", err)
	}
	return nil
}

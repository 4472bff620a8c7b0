package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/errs"
	"github.com/descartes-run/descartes/streamparser"
	"github.com/descartes-run/descartes/supervisor"
)

// subprocessHarness implements descartes.Harness over a supervisor.Supervisor:
// each session is one child process, prompts are written to its stdin as a
// single NDJSON line, and its stdout is decoded through a streamparser.Parser
// into the ResponseChunk stream the Proxy consumes.
type subprocessHarness struct {
	command string
	argv    []string
	sup     *supervisor.Supervisor
	logger  *slog.Logger
}

func newSubprocessHarness(command string, argv []string, sup *supervisor.Supervisor, logger *slog.Logger) *subprocessHarness {
	return &subprocessHarness{command: command, argv: argv, sup: sup, logger: logger}
}

func (h *subprocessHarness) Name() string               { return h.command }
func (h *subprocessHarness) Kind() descartes.HarnessKind { return descartes.HarnessSubprocess }

func (h *subprocessHarness) StartSession(ctx context.Context, cfg descartes.SessionConfig) (descartes.SessionHandle, error) {
	id := descartes.NewID()
	if err := h.sup.Spawn(ctx, id, supervisor.ChildConfig{
		Command: h.command,
		Argv:    h.argv,
	}); err != nil {
		return descartes.SessionHandle{}, err
	}
	return descartes.SessionHandle{ID: id, Config: cfg}, nil
}

type harnessPromptLine struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// Send writes prompt as a single NDJSON stdin line and decodes the
// session's stdout back into a ResponseChunk stream, closing it when the
// supervisor reports the stdout pipe at EOF.
func (h *subprocessHarness) Send(ctx context.Context, session descartes.SessionHandle, prompt string) (descartes.ChunkStream, error) {
	line, err := json.Marshal(harnessPromptLine{Type: "prompt", Prompt: prompt})
	if err != nil {
		return nil, errs.Protocol("encode prompt", err)
	}
	line = append(line, '\n')
	if err := h.sup.SendStdin(session.ID, line); err != nil {
		return nil, err
	}

	lines, err := h.sup.StreamStdout(session.ID)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		for l := range lines {
			if _, err := io.WriteString(pw, l+"\n"); err != nil {
				break
			}
		}
		pw.Close()
	}()

	out := make(chan descartes.ResponseChunk)
	go func() {
		defer close(out)
		parser := streamparser.New(pr, streamparser.NDJSON)
		for {
			chunk, ok, err := parser.Next()
			if err != nil {
				h.logger.Error("harness: stream parse failed", "session", session.ID, "error", err)
				out <- descartes.ErrorChunk(fmt.Sprintf("stream parser: %v", err))
				return
			}
			if !ok {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (h *subprocessHarness) DetectSpawn(c descartes.ResponseChunk) (descartes.SubagentSpawnPayload, bool) {
	if c.Kind == descartes.ChunkSubagentSpawn {
		return *c.SubagentSpawn, true
	}
	return descartes.SubagentSpawnPayload{}, false
}

// InjectResult feeds a sub-agent's (or a blocked spawn's) result back to
// the parent session as another NDJSON stdin line, for the harness
// process to fold into its own context.
func (h *subprocessHarness) InjectResult(ctx context.Context, session descartes.SessionHandle, result descartes.SubagentResult) error {
	payload, err := json.Marshal(struct {
		Type   string                    `json:"type"`
		Result descartes.SubagentResult `json:"result"`
	}{Type: "subagent_result", Result: result})
	if err != nil {
		return errs.Protocol("encode subagent result", err)
	}
	return h.sup.SendStdin(session.ID, append(payload, '\n'))
}

func (h *subprocessHarness) CloseSession(ctx context.Context, session descartes.SessionHandle) error {
	return h.sup.Close(session.ID)
}

var _ descartes.Harness = (*subprocessHarness)(nil)

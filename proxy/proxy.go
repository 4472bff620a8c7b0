// Package proxy wraps a Harness and mediates the streamed chunks for a
// parent session (§4.4), enforcing the one-level sub-agent nesting bound
// and capturing a full transcript of every session it runs. It is
// grounded on the agent_-prefixed dispatch-and-fan-out shape of the
// pack's own subagent network, with the nesting enforcement the
// original Rust proxy left as a todo!() now actually implemented.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/logging"
	"github.com/descartes-run/descartes/transcript"
	"golang.org/x/sync/errgroup"
)

// MaxDepth bounds nesting to exactly one level of sub-agents, per §4.4's
// single invariant.
const MaxDepth = 1

// Option configures a Proxy.
type Option func(*Proxy)

func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// Proxy mediates sub-agent spawns for sessions run through it.
type Proxy struct {
	harness     descartes.Harness
	transcripts *transcript.Store
	categories  *descartes.CategoryRegistry
	logger      *slog.Logger
}

// New builds a Proxy wrapping harness, persisting transcripts to ts and
// resolving spawn categories against categories.
func New(h descartes.Harness, ts *transcript.Store, categories *descartes.CategoryRegistry, opts ...Option) *Proxy {
	p := &Proxy{
		harness:     h,
		transcripts: ts,
		categories:  categories,
		logger:      logging.Discard(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// BatchRequest is one entry of a spawn-parallel fan-out.
type BatchRequest struct {
	Category Category
	Prompt   string
	Model    string
}

// Category is a type alias so callers can pass descartes.Category values
// without importing descartes directly for this one field.
type Category = descartes.Category

// BatchResult pairs a BatchRequest with its outcome, preserving input
// order even though completion may interleave.
type BatchResult struct {
	Result descartes.SubagentResult
	Err    error
}

// StartSession begins a session and opens its transcript, without sending
// any prompt. Pair with Drive to run the session to completion; splitting
// the two lets a caller hand back a session handle before the
// potentially long-running turn is done, the way the RPC spawn method
// must (§4.9 requires spawn to return synchronously with the handle).
func (p *Proxy) StartSession(ctx context.Context, cfg descartes.SessionConfig, parentTranscriptID string) (descartes.SessionHandle, error) {
	session, err := p.harness.StartSession(ctx, cfg)
	if err != nil {
		return descartes.SessionHandle{}, err
	}
	session.TranscriptID = p.transcripts.Create(p.harness.Name(), parentTranscriptID, string(cfg.Category))
	return session, nil
}

// Drive sends prompt to a session already begun via StartSession and runs
// it to completion: streaming chunks, mediating sub-agent spawns, closing
// the session, and finalizing its transcript. depth is 0 for a root
// session.
func (p *Proxy) Drive(ctx context.Context, session descartes.SessionHandle, prompt string, depth int) (descartes.SubagentResult, error) {
	transcriptID := session.TranscriptID
	_ = p.transcripts.Append(transcriptID, transcript.KindUserMessage, prompt)

	stream, err := p.harness.Send(ctx, session, prompt)
	if err != nil {
		_ = p.transcripts.Finalize(transcriptID)
		return descartes.SubagentResult{}, err
	}

	start := time.Now()
	var output string
	toolCalls := 0

	for chunk := range stream {
		switch chunk.Kind {
		case descartes.ChunkText:
			_ = p.transcripts.Append(transcriptID, transcript.KindAssistantText, chunk.Text)
			output += chunk.Text.Content
		case descartes.ChunkToolCall:
			toolCalls++
			_ = p.transcripts.Append(transcriptID, transcript.KindToolCall, chunk.ToolCall)
		case descartes.ChunkToolResult:
			_ = p.transcripts.Append(transcriptID, transcript.KindToolResult, chunk.ToolResult)
		case descartes.ChunkSubagentSpawn:
			p.handleSpawn(ctx, session, transcriptID, depth, *chunk.SubagentSpawn)
		case descartes.ChunkError:
			_ = p.transcripts.Append(transcriptID, transcript.KindError, chunk.Error)
			output = fmt.Sprintf("Error: %s", chunk.Error.Message)
		case descartes.ChunkDone:
			// consumed by loop termination below
		}
		if chunk.Kind == descartes.ChunkDone || chunk.Kind == descartes.ChunkError {
			break
		}
	}

	if err := p.harness.CloseSession(ctx, session); err != nil {
		p.logger.Warn("proxy: close session failed", "session", session.ID, "err", err)
	}
	if err := p.transcripts.Finalize(transcriptID); err != nil {
		p.logger.Warn("proxy: finalize transcript failed", "transcript", transcriptID, "err", err)
	}

	return descartes.SubagentResult{
		SessionID: session.ID,
		Output:    output,
		Success:   true,
		Metrics: descartes.SubagentMetrics{
			DurationMillis: time.Since(start).Milliseconds(),
			ToolCalls:      toolCalls,
		},
	}, nil
}

// RunSession executes one session end to end: start, stream, mediate any
// sub-agent spawns, close, and finalize the transcript. depth is 0 for a
// root session. parentTranscriptID is empty for a root session. It is
// StartSession followed immediately by Drive, for callers that don't need
// the handle before the turn completes.
func (p *Proxy) RunSession(ctx context.Context, cfg descartes.SessionConfig, prompt string, depth int, parentTranscriptID string) (descartes.SubagentResult, error) {
	session, err := p.StartSession(ctx, cfg, parentTranscriptID)
	if err != nil {
		return descartes.SubagentResult{}, err
	}
	return p.Drive(ctx, session, prompt, depth)
}

// handleSpawn mediates one SubagentSpawn chunk observed while running
// session at the given depth. A spawn at or beyond MaxDepth is blocked
// in place; otherwise a child session is run recursively and its result
// injected back.
func (p *Proxy) handleSpawn(ctx context.Context, session descartes.SessionHandle, parentTranscriptID string, depth int, req descartes.SubagentSpawnPayload) {
	if depth >= MaxDepth {
		p.logger.Warn("proxy: blocking nested subagent spawn", "depth", depth, "category", req.Category)
		blocked := descartes.BlockedResult(session.ID)
		_ = p.harness.InjectResult(ctx, session, blocked)
		_ = p.transcripts.Append(parentTranscriptID, transcript.KindSubagentLink, map[string]string{"category": req.Category, "prompt": truncate(req.Prompt, 50)})
		_ = p.transcripts.Append(parentTranscriptID, transcript.KindSubagentSummary, blocked)
		return
	}

	category := descartes.ParseCategory(req.Category)
	defaults := p.categories.Resolve(category)

	model := req.Model
	if model == "" {
		model = defaults.Model
	}

	childCfg := descartes.SessionConfig{
		Model:      model,
		ToolSet:    defaults.Tools,
		Parent:     session.ID,
		IsSubagent: true,
		Category:   string(category),
	}

	p.logger.Info("proxy: spawning subagent", "category", category, "prompt", truncate(req.Prompt, 50))
	result, err := p.RunSession(ctx, childCfg, req.Prompt, depth+1, parentTranscriptID)
	if err != nil {
		result = descartes.SubagentResult{Success: false, Reason: err.Error()}
	}

	if err := p.harness.InjectResult(ctx, session, result); err != nil {
		p.logger.Warn("proxy: inject result failed", "err", err)
	}
	_ = p.transcripts.LinkChild(parentTranscriptID, result.SessionID, string(category), req.Prompt)
}

// RunBatch runs an ordered list of spawn requests concurrently as a
// root-level fan-out (e.g. a parallel category like searcher/analyzer).
// The returned slice preserves input order; completion may interleave.
func (p *Proxy) RunBatch(ctx context.Context, parentTranscriptID string, requests []BatchRequest) []BatchResult {
	results := make([]BatchResult, len(requests))
	g, gctx := errgroup.WithContext(ctx)

	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			defaults := p.categories.Resolve(req.Category)
			model := req.Model
			if model == "" {
				model = defaults.Model
			}
			cfg := descartes.SessionConfig{
				Model:      model,
				ToolSet:    defaults.Tools,
				IsSubagent: true,
				Category:   string(req.Category),
			}
			result, err := p.RunSession(gctx, cfg, req.Prompt, 1, parentTranscriptID)
			results[i] = BatchResult{Result: result, Err: err}
			return nil // per-entry errors are captured, not propagated
		})
	}

	_ = g.Wait()
	return results
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

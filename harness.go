package descartes

import (
	"context"

	"github.com/descartes-run/descartes/errs"
)

// ChunkStream is the single-consumer, pull-style sequence of chunks a
// harness's send() returns. It terminates on Done or Error; after
// termination the session remains valid for another send() unless
// close_session has been called. The channel is closed by the producer
// exactly once when the turn ends.
type ChunkStream <-chan ResponseChunk

// Harness is the polymorphic contract over heterogeneous LM backends
// (§4.1). It exposes no I/O of its own — all concurrency belongs to the
// caller. Every method fails with an *errs.Error carrying one of
// KindSpawn, KindProtocol, KindTimeout, KindCancelled ("Closed" in the
// spec's vocabulary), or KindBackend.
type Harness interface {
	Name() string
	Kind() HarnessKind

	StartSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
	Send(ctx context.Context, session SessionHandle, prompt string) (ChunkStream, error)
	DetectSpawn(chunk ResponseChunk) (SubagentSpawnPayload, bool)
	InjectResult(ctx context.Context, session SessionHandle, result SubagentResult) error
	CloseSession(ctx context.Context, session SessionHandle) error
}

// SubagentResult is what a completed (or blocked) sub-agent session
// reports back to its parent.
type SubagentResult struct {
	SessionID string
	Output    string
	Success   bool
	Reason    string // set when Success is false
	Metrics   SubagentMetrics
}

// SubagentMetrics accumulates per-session counters for a SubagentResult.
type SubagentMetrics struct {
	TokensIn       int64
	TokensOut      int64
	DurationMillis int64
	ToolCalls      int
}

// BlockedMessage is the exact wording the S4 testable property asserts a
// substring match against; it must not be reworded.
const BlockedMessage = "Subagents cannot spawn further subagents"

// BlockedResult synthesizes the SubagentResult injected when a session
// already running as a subagent attempts a further spawn.
func BlockedResult(sessionID string) SubagentResult {
	return SubagentResult{
		SessionID: sessionID,
		Success:   false,
		Reason:    BlockedMessage,
	}
}

// ValidateSubagentConfig enforces the Session invariant: a config with
// IsSubagent=true must declare a parent and a tool set that is a subset
// of the parent's.
func ValidateSubagentConfig(cfg SessionConfig, parentTools []string) error {
	if !cfg.IsSubagent {
		return nil
	}
	if cfg.Parent == "" {
		return errs.Config("subagent session requires a parent session id", nil)
	}
	if !subsetOf(cfg.ToolSet, parentTools) {
		return errs.Config("subagent tool set must be a subset of its parent's", nil)
	}
	return nil
}

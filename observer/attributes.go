package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys used across Descartes observability spans and metrics.
var (
	AttrSessionID     = attribute.Key("session.id")
	AttrSessionModel  = attribute.Key("session.model")
	AttrSessionStatus = attribute.Key("session.status")
	AttrHarnessKind   = attribute.Key("harness.kind")
	AttrCategory      = attribute.Key("category")
	AttrSubagentDepth = attribute.Key("subagent.depth")
	AttrToolCallCount = attribute.Key("session.tool_calls")

	AttrRPCMethod = attribute.Key("rpc.method")
	AttrRPCStatus = attribute.Key("rpc.status")

	AttrLeasePath   = attribute.Key("lease.path")
	AttrLeaseHolder = attribute.Key("lease.holder")
	AttrLeaseResult = attribute.Key("lease.result")

	AttrWaveCount = attribute.Key("dag.wave_count")
	AttrTaskCount = attribute.Key("dag.task_count")

	AttrLoopIteration  = attribute.Key("loop.iteration")
	AttrLoopExitReason = attribute.Key("loop.exit_reason")
)

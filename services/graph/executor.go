// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/triagebackend/consult/services/triageerr"
)

var (
	tracer = otel.Tracer("consult.graph")
	meter  = otel.Meter("consult.graph")
)

// Executor runs a DAG with parallelism and observability.
//
// Description:
//
//	Executor manages DAG execution, running independent nodes in parallel,
//	tracking state, and providing observability via OpenTelemetry.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple DAG executions can run
//	concurrently on the same Executor.
type Executor struct {
	dag     *DAG
	logger  *slog.Logger
	timeout time.Duration

	// Metrics (initialized lazily)
	metricsOnce     sync.Once
	nodeLatency     metric.Float64Histogram
	nodeSuccesses   metric.Int64Counter
	nodeFailures    metric.Int64Counter
	activeNodes     metric.Int64UpDownCounter
	pipelineLatency metric.Float64Histogram
}

// NewExecutor creates a new DAG executor.
//
// Inputs:
//
//	dag - The DAG to execute. Must not be nil.
//	logger - Logger for execution logs. If nil, uses slog.Default().
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if initialization fails.
func NewExecutor(dag *DAG, logger *slog.Logger) (*Executor, error) {
	if dag == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		dag:    dag,
		logger: logger,
	}, nil
}

// WithTimeout overrides the executor's overall pipeline deadline. A zero
// or negative d leaves the default OverallTimeout in place.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	if d > 0 {
		e.timeout = d
	}
	return e
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.nodeLatency, err = meter.Float64Histogram("graph_node_duration_seconds",
			metric.WithDescription("Time spent executing each DAG node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeSuccesses, err = meter.Int64Counter("graph_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("graph_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.activeNodes, err = meter.Int64UpDownCounter("graph_active_nodes",
			metric.WithDescription("Number of currently executing nodes"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		e.pipelineLatency, err = meter.Float64Histogram("graph_pipeline_duration_seconds",
			metric.WithDescription("Total pipeline execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pipeline_latency: "+err.Error())
		}

		// Log all errors at once at Error level for visibility
		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some graph metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// OverallTimeout bounds a full pipeline run regardless of how many nodes
// remain, isolating the room agent from a wedged graph.
const OverallTimeout = 30 * time.Second

// Run executes the DAG from start to completion.
//
// Description:
//
//	Executes all nodes in the DAG, respecting dependencies and running
//	independent nodes in parallel. Creates a root span for tracing.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	input - Initial input, passed to every node under the "root" key.
//
// Outputs:
//
//	*Result - Execution result including output and timing.
//	error - Non-nil when the run as a whole fails (nil context, deadline
//	or cancellation, no progress possible); a failed node is reported in
//	Result.NodeErrors instead.
func (e *Executor) Run(ctx context.Context, input any) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	timeout := e.timeout
	if timeout <= 0 {
		timeout = OverallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.initMetrics()

	// Create root span
	ctx, span := tracer.Start(ctx, "graph.Pipeline",
		trace.WithAttributes(
			attribute.String("graph.name", e.dag.Name()),
			attribute.Int("graph.node_count", e.dag.NodeCount()),
		),
	)
	defer span.End()

	start := time.Now()
	sessionID := uuid.NewString()[:12] // 11 random hex digits: 44 bits of entropy

	e.logger.Info("pipeline started",
		slog.String("dag", e.dag.Name()),
		slog.String("session_id", sessionID),
		slog.Int("nodes", e.dag.NodeCount()),
	)

	// Initialize state
	state := NewState(sessionID)
	state.NodeOutputs["root"] = input

	nodeDurations := make(map[string]time.Duration)

	// Execute until every node has either completed or permanently failed.
	// A node failure is isolated to that node and its dependents, per the
	// per-node error policy): it does not abort sibling branches.
	for !state.IsDAGComplete(e.dag) {
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context canceled")
			return e.buildResult(state, start, nodeDurations, ctx.Err()), ctx.Err()
		default:
		}

		// Find nodes ready to execute (all deps satisfied), and nodes that
		// can never run because a dependency failed.
		ready, skip := e.findReadyNodes(state)
		for _, name := range skip {
			// A skipped node's own cause is always an ancestor's upstream
			// failure in this graph (every dependency edge here chains
			// through a chat or vector-store call), so it classifies the
			// same way for the Room Agent's error_code.
			state.SetFailed(name, fmt.Errorf("%w: %w: %s", triageerr.ErrUpstream, ErrUpstreamSkipped, name))
		}

		if len(ready) == 0 {
			if len(skip) > 0 {
				continue
			}
			err := ErrNoProgress
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.buildResult(state, start, nodeDurations, err), err
		}

		e.executeParallel(ctx, ready, state, nodeDurations)
	}

	duration := time.Since(start)
	if e.pipelineLatency != nil {
		e.pipelineLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("dag", e.dag.Name())),
		)
	}

	result := e.buildResult(state, start, nodeDurations, nil)

	if result.Success {
		span.SetStatus(codes.Ok, "")
		if len(result.NodeErrors) > 0 {
			e.logger.Warn("pipeline completed with isolated node failures",
				slog.String("session_id", sessionID),
				slog.Duration("duration", duration),
				slog.Int("nodes_executed", result.NodesExecuted),
				slog.Any("node_errors", result.NodeErrors),
			)
		} else {
			e.logger.Info("pipeline completed",
				slog.String("session_id", sessionID),
				slog.Duration("duration", duration),
				slog.Int("nodes_executed", result.NodesExecuted),
			)
		}
	} else {
		span.SetStatus(codes.Error, result.Error)
		e.logger.Error("pipeline failed",
			slog.String("session_id", sessionID),
			slog.String("failed_node", result.FailedNode),
			slog.String("error", result.Error),
		)
	}

	return result, nil
}

// findReadyNodes returns nodes that are ready to execute (all dependencies
// completed) and nodes that can never run because one of their dependencies
// has permanently failed.
func (e *Executor) findReadyNodes(state *State) (ready []Node, skip []string) {
	for _, name := range e.dag.NodeNames() {
		// Skip already completed or already failed/skipped
		if state.IsCompleted(name) || state.IsNodeFailed(name) {
			continue
		}

		// Skip already running
		if state.GetStatus(name) == NodeStatusRunning {
			continue
		}

		deps := e.dag.GetDependencies(name)
		blocked := false
		allDepsComplete := true
		for _, dep := range deps {
			if state.IsNodeFailed(dep) {
				blocked = true
				break
			}
			if !state.IsCompleted(dep) {
				allDepsComplete = false
			}
		}

		if blocked {
			skip = append(skip, name)
			continue
		}

		if allDepsComplete {
			node, _ := e.dag.GetNode(name)
			ready = append(ready, node)
		}
	}

	return ready, skip
}

// executeParallel runs multiple nodes concurrently. A node's failure is
// recorded on state by executeNode and does not stop its siblings.
func (e *Executor) executeParallel(
	ctx context.Context,
	nodes []Node,
	state *State,
	nodeDurations map[string]time.Duration,
) {
	var wg sync.WaitGroup
	durationCh := make(chan struct {
		name     string
		duration time.Duration
	}, len(nodes))

	// Update current nodes
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name()
	}
	state.SetCurrentNodes(names)

	for _, node := range nodes {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()

			state.SetStatus(n.Name(), NodeStatusRunning)
			nodeStart := time.Now()

			_ = e.executeNode(ctx, n, state)

			durationCh <- struct {
				name     string
				duration time.Duration
			}{n.Name(), time.Since(nodeStart)}
		}(node)
	}

	wg.Wait()
	close(durationCh)

	for d := range durationCh {
		nodeDurations[d.name] = d.duration
	}

	state.SetCurrentNodes(nil)
}

// executeNode runs a single node with observability.
func (e *Executor) executeNode(ctx context.Context, node Node, state *State) error {
	// Create child span
	ctx, span := tracer.Start(ctx, node.Name(),
		trace.WithAttributes(
			attribute.String("graph.node", node.Name()),
			attribute.StringSlice("graph.dependencies", node.Dependencies()),
			attribute.String("graph.session_id", state.SessionID),
			attribute.Bool("graph.retryable", node.Retryable()),
		),
	)
	defer span.End()

	// Track active nodes
	if e.activeNodes != nil {
		e.activeNodes.Add(ctx, 1)
		defer e.activeNodes.Add(ctx, -1)
	}

	e.logger.Debug("node starting",
		slog.String("node", node.Name()),
		slog.String("session_id", state.SessionID),
	)

	// Gather inputs from dependencies
	inputs := make(map[string]any)
	for _, dep := range node.Dependencies() {
		output, ok := state.GetOutput(dep)
		if !ok {
			// Use root input if no dependency output
			output, _ = state.GetOutput("root")
		}
		inputs[dep] = output
	}

	// Every node gets the pipeline's root input alongside its dependency
	// outputs: several consultation nodes (rag_policy, risk, draft_reply)
	// read session state directly even though they also depend on sibling
	// node outputs.
	rootOutput, _ := state.GetOutput("root")
	inputs["root"] = rootOutput

	// Execute with timeout
	start := time.Now()
	timeout := node.Timeout()
	if timeout == 0 {
		timeout = DefaultNodeTimeout
	}

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := node.Execute(nodeCtx, inputs)
	duration := time.Since(start)

	// Record latency metric
	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("node", node.Name())),
		)
	}

	if err != nil {
		// Check if it was a timeout
		if nodeCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %w: %s: %w", triageerr.ErrTimeout, ErrNodeTimeout, node.Name(), err)
		}

		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("node", node.Name())),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		state.SetFailed(node.Name(), err)

		e.logger.Error("node failed",
			slog.String("node", node.Name()),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)

		return NewNodeError(node.Name(), err)
	}

	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("node", node.Name())),
		)
	}
	span.SetStatus(codes.Ok, "")

	// Store output and mark complete
	state.SetCompleted(node.Name(), output)

	e.logger.Info("node completed",
		slog.String("node", node.Name()),
		slog.Duration("duration", duration),
	)

	return nil
}

// buildResult constructs the execution result.
func (e *Executor) buildResult(
	state *State,
	start time.Time,
	nodeDurations map[string]time.Duration,
	err error,
) *Result {
	result := &Result{
		SessionID:     state.SessionID,
		Duration:      time.Since(start),
		NodesExecuted: state.CompletedCount(),
		NodeDurations: nodeDurations,
		NodeOutputs:   state.Outputs(),
		NodeErrors:    state.Errors(),
		FailedNode:    state.FailedNode,
	}

	if err != nil {
		// Structural failure: context canceled or the DAG got stuck with no
		// ready nodes. Distinct from an isolated per-node failure, which
		// never aborts the run.
		result.Success = false
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.Error = state.Error
	if e.dag.Terminal() != "" {
		result.Output, _ = state.GetOutput(e.dag.Terminal())
	}

	return result
}


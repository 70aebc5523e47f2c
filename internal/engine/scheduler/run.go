package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/progress"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/metrics"
)

type nodeResult struct {
	nodeID string
	output *workflow.ExecutionData
	err    error
}

// Run is one in-flight execution. All state mutation happens on the
// single loop goroutine; node dispatches run concurrently and report
// back over the results channel, so status transitions stay serialized.
type Run struct {
	scheduler *Scheduler
	graph     *workflow.Graph
	exec      *workflow.Execution
	pins      map[string]*workflow.ExecutionData
	publisher *progress.Publisher
	tracker   *progress.Tracker

	ctx      context.Context
	cancelFn context.CancelFunc

	queue    []string
	enqueued map[string]bool
	inflight int
	results  chan nodeResult

	// outputs and dead are keyed by (source node, output port). A
	// connection has delivered when its source port holds data; it can
	// never deliver once the port is dead. Together they drive
	// readiness, waiting and skip propagation.
	outputs map[string]map[string]*workflow.ExecutionData
	dead    map[string]map[string]bool

	cancelled    bool
	failed       bool
	failedNodeID string
	failureCause error

	done chan struct{}
}

func (s *Scheduler) newRun(graph *workflow.Graph, exec *workflow.Execution, pins map[string]*workflow.ExecutionData) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	if pins == nil {
		pins = map[string]*workflow.ExecutionData{}
	}
	return &Run{
		scheduler: s,
		graph:     graph,
		exec:      exec,
		pins:      pins,
		publisher: progress.NewPublisher(exec.ID, exec.WorkflowID, s.config.EventBuffer, s.logger),
		tracker:   progress.NewTracker(graph.Size()),
		ctx:       ctx,
		cancelFn:  cancel,
		enqueued:  make(map[string]bool),
		results:   make(chan nodeResult, s.config.MaxConcurrentNodes),
		outputs:   make(map[string]map[string]*workflow.ExecutionData),
		dead:      make(map[string]map[string]bool),
		done:      make(chan struct{}),
	}
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.exec.ID
}

// WorkflowID returns the executed workflow's id.
func (r *Run) WorkflowID() string {
	return r.exec.WorkflowID
}

// Publisher returns the run's live event stream.
func (r *Run) Publisher() *progress.Publisher {
	return r.publisher
}

// Done closes when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel aborts the run. In-flight dispatches unwind through their
// contexts; running and waiting nodes end up skipped.
func (r *Run) Cancel() {
	r.cancelFn()
}

// loop is the scheduler core: a FIFO queue drained breadth-first, a
// waiting set for fan-in gaps, and event-driven wakes when a
// predecessor completes. It owns every ExecutionState mutation.
func (r *Run) loop() {
	defer close(r.done)
	defer r.scheduler.remove(r.exec.WorkflowID, r.exec.ID)

	r.publisher.Phase(fmt.Sprintf("executing %d nodes", r.graph.Size()))
	for _, id := range r.graph.TriggerNodes() {
		r.enqueue(id)
	}
	r.publisher.Progress(r.tracker.Snapshot())

	for {
		if !r.halted() {
			for len(r.queue) > 0 && r.inflight < r.scheduler.config.MaxConcurrentNodes {
				r.step(r.pop())
				if r.halted() {
					break
				}
			}
		}
		if r.inflight == 0 {
			break
		}
		r.waitResult()
	}

	r.finalize()
}

func (r *Run) halted() bool {
	if r.ctx.Err() != nil {
		r.cancelled = true
	}
	return r.failed || r.cancelled
}

func (r *Run) waitResult() {
	if r.cancelled {
		r.apply(<-r.results)
		return
	}
	select {
	case res := <-r.results:
		r.apply(res)
	case <-r.ctx.Done():
		r.cancelled = true
	}
}

// step handles one popped node: pin substitution first, then the
// readiness check, then dispatch. Not-ready nodes park as waiting and
// are only reconsidered when a predecessor completes.
func (r *Run) step(nodeID string) {
	status := r.exec.NodeStatus[nodeID]
	if status != workflow.NodeStatusIdle && status != workflow.NodeStatusWaiting {
		return
	}
	node, ok := r.graph.Node(nodeID)
	if !ok {
		return
	}

	// Pinned outputs substitute for real execution: idle straight to
	// done, inputs ignored, downstream propagation as usual.
	if pin, exists := r.pins[nodeID]; exists {
		r.completeNode(node, pin.AsPinned(), true)
		return
	}

	ready, unsatisfiable := r.readiness(nodeID)
	if unsatisfiable {
		r.skipNode(nodeID)
		return
	}
	if !ready {
		r.setStatus(nodeID, workflow.NodeStatusWaiting)
		return
	}

	input := r.mergeInputs(nodeID)

	if node.Disabled {
		r.passThrough(node, input)
		return
	}
	if !r.scheduler.registry.Has(node.Type) {
		r.scheduler.logger.Warn("unregistered node type, skipping",
			"run_id", r.exec.ID,
			"node_id", node.ID,
			"node_type", node.Type,
		)
		r.passThrough(node, workflow.Empty())
		return
	}

	r.setStatus(nodeID, workflow.NodeStatusRunning)
	r.publisher.NodeStart(node.ID, node.Name, node.Type)
	r.publishNodeEvent(events.NodeExecutionStarted, node)

	r.inflight++
	go func() {
		output, err := r.scheduler.dispatcher.Execute(r.ctx, node, input)
		r.results <- nodeResult{nodeID: node.ID, output: output, err: err}
	}()
}

// apply folds one dispatch result back into the run state.
func (r *Run) apply(res nodeResult) {
	r.inflight--
	if r.exec.NodeStatus[res.nodeID] != workflow.NodeStatusRunning {
		return
	}
	node, ok := r.graph.Node(res.nodeID)
	if !ok {
		return
	}
	if r.cancelled {
		r.setStatus(res.nodeID, workflow.NodeStatusSkipped)
		return
	}
	if res.err != nil {
		r.handleFailure(node, res.err)
		return
	}
	r.completeNode(node, res.output, false)
}

// completeNode records a successful (or pin-substituted) result and
// wakes downstream candidates.
func (r *Run) completeNode(node *workflow.Node, data *workflow.ExecutionData, pinned bool) {
	if data == nil {
		data = workflow.Empty()
	}
	r.setStatus(node.ID, workflow.NodeStatusDone)
	r.exec.NodeOutputs[node.ID] = data
	r.recordOutputs(node.ID, data)

	r.publisher.NodeDone(node.ID, node.Name, pinned, data.Len())
	metrics.RecordNodeExecution(node.Type, "success")
	r.publishNodeEvent(events.NodeExecutionCompleted, node)

	r.progressStep()
	r.checkpoint()
	r.wake(node.ID)
}

// passThrough finishes a node without dispatching it: disabled nodes
// forward their merged input, unregistered types forward an empty
// container. Downstream still runs.
func (r *Run) passThrough(node *workflow.Node, data *workflow.ExecutionData) {
	r.setStatus(node.ID, workflow.NodeStatusSkipped)
	r.exec.NodeOutputs[node.ID] = data
	r.recordOutputs(node.ID, data)

	metrics.RecordNodeExecution(node.Type, "skipped")
	r.publishNodeEvent(events.NodeExecutionSkipped, node)

	r.progressStep()
	r.checkpoint()
	r.wake(node.ID)
}

// handleFailure routes a capability failure along declared error-kind
// connections; with no error route the whole run fails.
func (r *Run) handleFailure(node *workflow.Node, cause error) {
	r.setStatus(node.ID, workflow.NodeStatusError)
	r.publisher.NodeError(node.ID, node.Name, cause)
	metrics.RecordNodeExecution(node.Type, "error")
	r.publishNodeEvent(events.NodeExecutionFailed, node)

	if r.graph.HasErrorRoute(node.ID) {
		payload := workflow.ErrorData(node.ID, cause)
		r.exec.NodeOutputs[node.ID] = payload
		for _, port := range r.graph.OutputPorts(node.ID) {
			if port.Kind == workflow.PortKindError {
				r.setOutput(node.ID, port.Name, payload)
			} else {
				r.markDead(node.ID, port.Name)
			}
		}
		r.progressStep()
		r.checkpoint()
		r.wake(node.ID)
		return
	}

	r.failed = true
	r.failedNodeID = node.ID
	r.failureCause = cause
}

// skipNode marks a node that can never become ready and propagates the
// exhaustion through its outputs.
func (r *Run) skipNode(nodeID string) {
	status := r.exec.NodeStatus[nodeID]
	if status != workflow.NodeStatusIdle && status != workflow.NodeStatusWaiting {
		return
	}
	node, ok := r.graph.Node(nodeID)
	if !ok {
		return
	}

	r.setStatus(nodeID, workflow.NodeStatusSkipped)
	for _, port := range r.graph.OutputPorts(nodeID) {
		r.markDead(nodeID, port.Name)
	}

	metrics.RecordNodeExecution(node.Type, "skipped")
	r.publishNodeEvent(events.NodeExecutionSkipped, node)

	r.progressStep()
	r.checkpoint()
	r.wake(nodeID)
}

// wake re-evaluates the targets of a finished node. Newly ready
// targets append FIFO in output-port declaration order, then node id,
// which keeps the traversal breadth-first and deterministic.
func (r *Run) wake(sourceID string) {
	for _, port := range r.graph.OutputPorts(sourceID) {
		conns := r.graph.Outbound(sourceID, port.Name)
		if len(conns) == 0 {
			continue
		}
		if r.output(sourceID, port.Name) == nil && !r.isDead(sourceID, port.Name) {
			continue
		}

		var ready []string
		seen := make(map[string]bool, len(conns))
		for _, conn := range conns {
			if seen[conn.Target] {
				continue
			}
			seen[conn.Target] = true
			r.consider(conn.Target, &ready)
		}

		sort.SliceStable(ready, func(i, j int) bool { return ready[i] < ready[j] })
		for _, id := range ready {
			r.enqueue(id)
		}
	}
}

// consider decides what a woken candidate does next: queue when ready,
// park as waiting while inputs are pending, skip when its feed is
// exhausted. Pinned candidates queue even over an exhausted feed since
// their stored output does not depend on inputs.
func (r *Run) consider(target string, ready *[]string) {
	status := r.exec.NodeStatus[target]
	if status != workflow.NodeStatusIdle && status != workflow.NodeStatusWaiting {
		return
	}
	if r.enqueued[target] {
		return
	}

	_, pinned := r.pins[target]
	ok, unsatisfiable := r.readiness(target)
	switch {
	case pinned && (ok || unsatisfiable):
		*ready = append(*ready, target)
	case unsatisfiable:
		r.skipNode(target)
	case ok:
		*ready = append(*ready, target)
	default:
		r.setStatus(target, workflow.NodeStatusWaiting)
	}
}

// readiness checks every connection into the node's required input
// ports: ready when all have delivered, unsatisfiable when any feed is
// dead and can never deliver.
func (r *Run) readiness(nodeID string) (ready, unsatisfiable bool) {
	pending := false
	for _, port := range r.graph.InputPorts(nodeID) {
		if port.Optional {
			continue
		}
		for _, conn := range r.graph.Inbound(nodeID, port.Name) {
			if r.output(conn.Source, conn.SourcePort) != nil {
				continue
			}
			if r.isDead(conn.Source, conn.SourcePort) {
				return false, true
			}
			pending = true
		}
	}
	return !pending, false
}

// mergeInputs concatenates delivered inputs per input port, following
// port then connection declaration order, never arrival order.
func (r *Run) mergeInputs(nodeID string) *workflow.ExecutionData {
	var containers []*workflow.ExecutionData
	for _, port := range r.graph.InputPorts(nodeID) {
		for _, conn := range r.graph.Inbound(nodeID, port.Name) {
			if data := r.output(conn.Source, conn.SourcePort); data != nil {
				containers = append(containers, data)
			}
		}
	}
	return workflow.Merge(containers...)
}

// recordOutputs places a node's result on all its main-kind output
// ports; error-kind ports produced nothing and go dead.
func (r *Run) recordOutputs(nodeID string, data *workflow.ExecutionData) {
	for _, port := range r.graph.OutputPorts(nodeID) {
		if port.Kind == workflow.PortKindError {
			r.markDead(nodeID, port.Name)
			continue
		}
		r.setOutput(nodeID, port.Name, data)
	}
}

func (r *Run) finalize() {
	switch {
	case r.cancelled:
		r.skipRemaining()
		r.exec.Finish(workflow.ExecutionCancelled, workflow.ErrExecutionCancelled.Error())
		r.publisher.Error(r.failedNodeID, workflow.ErrExecutionCancelled)
		r.publishRunEvent(events.ExecutionCancelled)

	case r.failed:
		r.skipRemaining()
		r.exec.Finish(workflow.ExecutionFailed, r.failureCause.Error())
		r.publisher.Error(r.failedNodeID, r.failureCause)
		r.publishRunEvent(events.ExecutionFailed)

	case r.anyWaiting():
		// Waiting nodes stay waiting in the final state so operators
		// can tell a malformed graph from a broken node.
		r.exec.Finish(workflow.ExecutionFailed, workflow.ErrDeadlock.Error())
		r.publisher.Error("", workflow.ErrDeadlock)
		r.publishRunEvent(events.ExecutionFailed)

	default:
		r.skipRemaining()
		r.publisher.Progress(r.tracker.Snapshot())
		r.exec.Finish(workflow.ExecutionCompleted, "")
		r.publisher.Complete(r.summary())
		r.publishRunEvent(events.ExecutionCompleted)
	}

	if err := r.scheduler.state.Commit(context.Background(), r.exec); err != nil {
		r.scheduler.logger.Error("terminal state commit failed",
			"run_id", r.exec.ID,
			"workflow_id", r.exec.WorkflowID,
			"error", err,
		)
	}

	metrics.ExecutionsActive.Dec()
	metrics.RecordExecution(r.exec.Status, r.exec.TriggeredBy)
	metrics.RecordExecutionDuration(r.exec.WorkflowID, r.exec.Duration().Seconds())

	r.scheduler.logger.Info("execution finished",
		"run_id", r.exec.ID,
		"workflow_id", r.exec.WorkflowID,
		"status", r.exec.Status,
		"duration", r.exec.Duration(),
	)
}

// skipRemaining sweeps every non-terminal node to skipped and emits the
// progress those transitions imply.
func (r *Run) skipRemaining() {
	var last *progress.Report
	for _, id := range r.graph.NodeIDs() {
		switch r.exec.NodeStatus[id] {
		case workflow.NodeStatusDone, workflow.NodeStatusError, workflow.NodeStatusSkipped:
			continue
		}
		r.exec.NodeStatus[id] = workflow.NodeStatusSkipped
		if node, ok := r.graph.Node(id); ok {
			metrics.RecordNodeExecution(node.Type, "skipped")
		}
		report := r.tracker.Complete()
		last = &report
	}
	if last != nil {
		r.publisher.Progress(*last)
	}
}

func (r *Run) anyWaiting() bool {
	for _, status := range r.exec.NodeStatus {
		if status == workflow.NodeStatusWaiting {
			return true
		}
	}
	return false
}

func (r *Run) summary() map[string]interface{} {
	counts := make(map[string]int)
	for _, status := range r.exec.NodeStatus {
		counts[status]++
	}
	return map[string]interface{}{
		"nodes":           r.graph.Size(),
		"statuses":        counts,
		"durationSeconds": r.exec.Duration().Seconds(),
	}
}

func (r *Run) progressStep() {
	r.publisher.Progress(r.tracker.Complete())
}

func (r *Run) checkpoint() {
	r.scheduler.state.Checkpoint(r.exec.Snapshot())
}

func (r *Run) setStatus(nodeID, status string) {
	r.exec.NodeStatus[nodeID] = status
}

func (r *Run) enqueue(id string) {
	status := r.exec.NodeStatus[id]
	if status != workflow.NodeStatusIdle && status != workflow.NodeStatusWaiting {
		return
	}
	if r.enqueued[id] {
		return
	}
	r.enqueued[id] = true
	r.queue = append(r.queue, id)
	metrics.SchedulerQueueDepth.Inc()
}

func (r *Run) pop() string {
	id := r.queue[0]
	r.queue = r.queue[1:]
	delete(r.enqueued, id)
	metrics.SchedulerQueueDepth.Dec()
	return id
}

func (r *Run) setOutput(nodeID, port string, data *workflow.ExecutionData) {
	m := r.outputs[nodeID]
	if m == nil {
		m = make(map[string]*workflow.ExecutionData)
		r.outputs[nodeID] = m
	}
	m[port] = data
}

func (r *Run) output(nodeID, port string) *workflow.ExecutionData {
	return r.outputs[nodeID][port]
}

func (r *Run) markDead(nodeID, port string) {
	m := r.dead[nodeID]
	if m == nil {
		m = make(map[string]bool)
		r.dead[nodeID] = m
	}
	m[port] = true
}

func (r *Run) isDead(nodeID, port string) bool {
	return r.dead[nodeID][port]
}

func (r *Run) publishNodeEvent(eventType string, node *workflow.Node) {
	r.scheduler.publishEvent(eventType, r.exec.WorkflowID, map[string]interface{}{
		"runId":    r.exec.ID,
		"nodeId":   node.ID,
		"nodeType": node.Type,
	})
}

func (r *Run) publishRunEvent(eventType string) {
	r.scheduler.publishEvent(eventType, r.exec.WorkflowID, map[string]interface{}{
		"runId":           r.exec.ID,
		"status":          r.exec.Status,
		"error":           r.exec.Error,
		"durationSeconds": r.exec.Duration().Seconds(),
	})
}

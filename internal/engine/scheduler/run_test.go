package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow-go/internal/domain/workflow"
)

func mustGraph(t *testing.T, wf *workflow.Workflow) *workflow.Graph {
	t.Helper()
	g, err := workflow.BuildGraph(wf)
	require.NoError(t, err)
	return g
}

func TestRun_DeadlockReportsWaitingNodes(t *testing.T) {
	// x needs both a and p. p is stuck in running from the outside and
	// never reports, so once the queue drains with x still waiting the
	// run must fail with a deadlock instead of hanging.
	env := newTestEnv(t)
	env.register("stage", 0)

	wf := buildWF("wf-deadlock",
		[]workflow.Node{wfNode("a", "stage"), wfNode("p", "stage"), wfNode("x", "stage")},
		[]workflow.Connection{
			{Source: "a", Target: "x"},
			{Source: "p", Target: "x"},
		},
	)

	g := mustGraph(t, wf)
	exec := workflow.NewExecution(wf.ID, "test", g)
	exec.NodeStatus["p"] = workflow.NodeStatusRunning

	r := env.scheduler.newRun(g, exec, nil)
	r.loop()

	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Equal(t, workflow.ErrDeadlock.Error(), exec.Error)
	assert.Equal(t, workflow.NodeStatusDone, exec.NodeStatus["a"])
	assert.Equal(t, workflow.NodeStatusWaiting, exec.NodeStatus["x"], "stuck node stays visible for diagnosis")
}

func TestRun_WakeOrdersByPortThenNodeID(t *testing.T) {
	// A single source feeding several targets through one port must
	// enqueue them ordered by node id once they are all ready.
	env := newTestEnv(t)
	env.register("stage", 0)

	wf := buildWF("wf-order",
		[]workflow.Node{
			wfNode("src", "stage"),
			wfNode("zeta", "stage"),
			wfNode("alpha", "stage"),
			wfNode("mid", "stage"),
		},
		[]workflow.Connection{
			{Source: "src", Target: "zeta"},
			{Source: "src", Target: "alpha"},
			{Source: "src", Target: "mid"},
		},
	)

	g := mustGraph(t, wf)
	exec := workflow.NewExecution(wf.ID, "test", g)
	r := env.scheduler.newRun(g, exec, nil)

	r.outputs["src"] = map[string]*workflow.ExecutionData{
		"main": workflow.FromValues(map[string]interface{}{"from": "src"}),
	}
	exec.NodeStatus["src"] = workflow.NodeStatusDone
	r.wake("src")

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.queue)
}

func TestRun_ReadinessStates(t *testing.T) {
	env := newTestEnv(t)
	env.register("stage", 0)

	wf := buildWF("wf-ready",
		[]workflow.Node{wfNode("a", "stage"), wfNode("b", "stage"), wfNode("m", "stage")},
		[]workflow.Connection{
			{Source: "a", Target: "m"},
			{Source: "b", Target: "m"},
		},
	)

	g := mustGraph(t, wf)
	exec := workflow.NewExecution(wf.ID, "test", g)
	r := env.scheduler.newRun(g, exec, nil)
	ready, unsatisfiable := r.readiness("m")
	assert.False(t, ready)
	assert.False(t, unsatisfiable)

	r.setOutput("a", "main", workflow.Empty())
	ready, unsatisfiable = r.readiness("m")
	assert.False(t, ready, "one of two feeds delivered")
	assert.False(t, unsatisfiable)

	r.setOutput("b", "main", workflow.Empty())
	ready, unsatisfiable = r.readiness("m")
	assert.True(t, ready)
	assert.False(t, unsatisfiable)
}

func TestRun_DeadFeedMakesNodeUnsatisfiable(t *testing.T) {
	env := newTestEnv(t)
	env.register("stage", 0)

	wf := buildWF("wf-dead",
		[]workflow.Node{wfNode("a", "stage"), wfNode("b", "stage"), wfNode("m", "stage")},
		[]workflow.Connection{
			{Source: "a", Target: "m"},
			{Source: "b", Target: "m"},
		},
	)

	g := mustGraph(t, wf)
	exec := workflow.NewExecution(wf.ID, "test", g)
	r := env.scheduler.newRun(g, exec, nil)

	r.setOutput("a", "main", workflow.Empty())
	r.markDead("b", "main")

	_, unsatisfiable := r.readiness("m")
	assert.True(t, unsatisfiable)
}

func TestRun_OptionalPortDoesNotBlockReadiness(t *testing.T) {
	env := newTestEnv(t)
	env.register("stage", 0)

	m := wfNode("m", "stage")
	m.Inputs = []workflow.Port{
		{Name: "main", Kind: workflow.PortKindMain},
		{Name: "context", Kind: workflow.PortKindMain, Optional: true},
	}

	wf := buildWF("wf-optional",
		[]workflow.Node{wfNode("a", "stage"), wfNode("b", "stage"), m},
		[]workflow.Connection{
			{Source: "a", Target: "m", TargetPort: "main"},
			{Source: "b", Target: "m", TargetPort: "context"},
		},
	)

	g := mustGraph(t, wf)
	exec := workflow.NewExecution(wf.ID, "test", g)
	r := env.scheduler.newRun(g, exec, nil)

	r.setOutput("a", "main", workflow.Empty())
	ready, unsatisfiable := r.readiness("m")
	assert.True(t, ready, "optional feed still pending must not block")
	assert.False(t, unsatisfiable)
}

func TestRun_MergeInputsFollowsDeclarationOrder(t *testing.T) {
	env := newTestEnv(t)
	env.register("stage", 0)

	wf := buildWF("wf-merge",
		[]workflow.Node{wfNode("p1", "stage"), wfNode("p2", "stage"), wfNode("m", "stage")},
		[]workflow.Connection{
			{Source: "p1", Target: "m"},
			{Source: "p2", Target: "m"},
		},
	)

	g := mustGraph(t, wf)
	exec := workflow.NewExecution(wf.ID, "test", g)
	r := env.scheduler.newRun(g, exec, nil)

	r.setOutput("p2", "main", workflow.FromValues(map[string]interface{}{"from": "p2"}))
	r.setOutput("p1", "main", workflow.FromValues(map[string]interface{}{"from": "p1"}))

	merged := r.mergeInputs("m")
	require.Equal(t, 2, merged.Len())
	assert.Equal(t, "p1", merged.Items[0].JSON["from"])
	assert.Equal(t, "p2", merged.Items[1].JSON["from"])
}

package workflow

import (
	"fmt"
)

// Graph is the validated adjacency structure of a workflow, built once
// per submission and read-only afterwards. Connection slices preserve
// declaration order, which fixes fan-in merge order and queue order.
type Graph struct {
	workflow *Workflow
	nodes    map[string]*Node
	order    []string
	inputs   map[string][]Port
	outputs  map[string][]Port
	inbound  map[string]map[string][]Connection
	outbound map[string]map[string][]Connection
	triggers []string
}

// BuildGraph validates the workflow structure and builds its adjacency
// maps. Connections referencing unknown nodes or ports fail with
// ErrDanglingConnection; a cycle over main-kind edges fails with
// ErrCycle. Error-kind edges are exempt from cycle detection since they
// represent exceptional, non-looping diversions.
func BuildGraph(w *Workflow) (*Graph, error) {
	g := &Graph{
		workflow: w,
		nodes:    make(map[string]*Node, len(w.Nodes)),
		order:    make([]string, 0, len(w.Nodes)),
		inputs:   make(map[string][]Port, len(w.Nodes)),
		outputs:  make(map[string][]Port, len(w.Nodes)),
		inbound:  make(map[string]map[string][]Connection),
		outbound: make(map[string]map[string][]Connection),
	}

	for i := range w.Nodes {
		node := &w.Nodes[i]
		if _, exists := g.nodes[node.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, node.ID)
		}
		g.nodes[node.ID] = node
		g.order = append(g.order, node.ID)
		g.inputs[node.ID] = node.InputPorts()
		g.outputs[node.ID] = node.OutputPorts()
	}

	for _, conn := range w.Connections {
		conn.Normalize()
		if _, ok := g.nodes[conn.Source]; !ok {
			return nil, fmt.Errorf("%w: source node %q not found", ErrDanglingConnection, conn.Source)
		}
		if _, ok := g.nodes[conn.Target]; !ok {
			return nil, fmt.Errorf("%w: target node %q not found", ErrDanglingConnection, conn.Target)
		}
		if !hasPort(g.outputs[conn.Source], conn.SourcePort) {
			return nil, fmt.Errorf("%w: node %q has no output port %q", ErrDanglingConnection, conn.Source, conn.SourcePort)
		}
		if !hasPort(g.inputs[conn.Target], conn.TargetPort) {
			return nil, fmt.Errorf("%w: node %q has no input port %q", ErrDanglingConnection, conn.Target, conn.TargetPort)
		}

		if g.outbound[conn.Source] == nil {
			g.outbound[conn.Source] = make(map[string][]Connection)
		}
		g.outbound[conn.Source][conn.SourcePort] = append(g.outbound[conn.Source][conn.SourcePort], conn)

		if g.inbound[conn.Target] == nil {
			g.inbound[conn.Target] = make(map[string][]Connection)
		}
		g.inbound[conn.Target][conn.TargetPort] = append(g.inbound[conn.Target][conn.TargetPort], conn)
	}

	if id, found := g.findCycle(); found {
		return nil, fmt.Errorf("%w: at node %q", ErrCycle, id)
	}

	for _, id := range g.order {
		if len(g.Predecessors(id, PortKindMain)) == 0 {
			g.triggers = append(g.triggers, id)
		}
	}

	return g, nil
}

func hasPort(ports []Port, name string) bool {
	for _, p := range ports {
		if p.Name == name {
			return true
		}
	}
	return false
}

// findCycle runs a DFS over main-kind edges and reports a node that is
// part of a cycle, if any.
func (g *Graph) findCycle() (string, bool) {
	adjacency := make(map[string][]string)
	for _, id := range g.order {
		for _, conn := range g.Successors(id, PortKindMain) {
			adjacency[id] = append(adjacency[id], conn.Target)
		}
	}

	visited := make(map[string]bool)
	inProgress := make(map[string]bool)

	var dfs func(node string) bool
	dfs = func(node string) bool {
		visited[node] = true
		inProgress[node] = true

		for _, neighbor := range adjacency[node] {
			if !visited[neighbor] {
				if dfs(neighbor) {
					return true
				}
			} else if inProgress[neighbor] {
				return true
			}
		}

		inProgress[node] = false
		return false
	}

	for _, id := range g.order {
		if !visited[id] {
			if dfs(id) {
				return id, true
			}
		}
	}

	return "", false
}

// Workflow returns the workflow this graph was built from.
func (g *Graph) Workflow() *Workflow {
	return g.workflow
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node ids in declaration order.
func (g *Graph) NodeIDs() []string {
	return g.order
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	return len(g.order)
}

// TriggerNodes returns the nodes with no inbound main-kind connection,
// in declaration order. These seed the execution queue.
func (g *Graph) TriggerNodes() []string {
	return g.triggers
}

// InputPorts returns the normalized input ports of a node in
// declaration order.
func (g *Graph) InputPorts(nodeID string) []Port {
	return g.inputs[nodeID]
}

// OutputPorts returns the normalized output ports of a node in
// declaration order.
func (g *Graph) OutputPorts(nodeID string) []Port {
	return g.outputs[nodeID]
}

// Inbound returns the connections feeding one input port of a node, in
// declaration order.
func (g *Graph) Inbound(nodeID, port string) []Connection {
	byPort := g.inbound[nodeID]
	if byPort == nil {
		return nil
	}
	return byPort[port]
}

// Outbound returns the connections leaving one output port of a node,
// in declaration order.
func (g *Graph) Outbound(nodeID, port string) []Connection {
	byPort := g.outbound[nodeID]
	if byPort == nil {
		return nil
	}
	return byPort[port]
}

// Successors returns outbound connections of the given port kind,
// iterating output ports in declaration order.
func (g *Graph) Successors(nodeID, kind string) []Connection {
	var conns []Connection
	for _, port := range g.outputs[nodeID] {
		if port.Kind != kind {
			continue
		}
		conns = append(conns, g.Outbound(nodeID, port.Name)...)
	}
	return conns
}

// Predecessors returns inbound connections whose source port is of the
// given kind, iterating input ports in declaration order.
func (g *Graph) Predecessors(nodeID, kind string) []Connection {
	var conns []Connection
	for _, port := range g.inputs[nodeID] {
		for _, conn := range g.Inbound(nodeID, port.Name) {
			if g.SourcePortKind(conn) == kind {
				conns = append(conns, conn)
			}
		}
	}
	return conns
}

// SourcePortKind returns the kind of the output port a connection
// originates from. The edge inherits this kind for routing purposes.
func (g *Graph) SourcePortKind(conn Connection) string {
	for _, port := range g.outputs[conn.Source] {
		if port.Name == conn.SourcePort {
			return port.Kind
		}
	}
	return PortKindMain
}

// HasErrorRoute reports whether the node has at least one outbound
// connection from an error-kind output port.
func (g *Graph) HasErrorRoute(nodeID string) bool {
	return len(g.Successors(nodeID, PortKindError)) > 0
}

// Package dag provides pure dependency-graph computations used by the
// spawn queue and the wave planner: topological sort with parallel
// levels, cycle detection, critical path analysis, and ready-set
// extraction. No storage access.
package dag

import (
	"errors"
	"sort"
)

// ErrCycle is returned when a computation requires an acyclic graph.
var ErrCycle = errors.New("graph contains a cycle")

// Node is a single task in the dependency graph.
type Node struct {
	// ID uniquely identifies the node.
	ID string

	// Priority orders nodes within the same level, higher first.
	Priority int

	// EstimatedDuration is the node's expected runtime in seconds.
	// Zero or negative counts as one unit.
	EstimatedDuration float64

	// DependsOn lists node IDs that must finish before this node starts.
	DependsOn []string
}

// SortResult is the outcome of a topological sort.
type SortResult struct {
	// Order is a dependency-respecting execution order.
	Order []string

	// Levels groups nodes with no dependencies between them; nodes in
	// the same level can run concurrently.
	Levels [][]string

	// Valid is false when cycles or unsatisfiable dependencies keep a
	// full ordering from existing.
	Valid bool

	// NodeCount is the number of distinct nodes processed.
	NodeCount int
}

// CycleResult reports cycles found in the graph.
type CycleResult struct {
	// HasCycles is true when at least one cycle exists.
	HasCycles bool

	// CycleNodes lists every node involved in a cycle, sorted by ID.
	CycleNodes []string

	// Cycles holds each cycle found, in walk order.
	Cycles [][]string
}

// NodeSlack describes the scheduling freedom of one node.
type NodeSlack struct {
	ID            string
	Slack         float64
	EarliestStart float64
	LatestStart   float64
}

// PathResult is the outcome of critical path analysis.
type PathResult struct {
	// Path lists the zero-slack nodes in execution order. Delaying any
	// of them delays the whole graph.
	Path []string

	// TotalDuration is the length of the longest path.
	TotalDuration float64

	// Slack reports per-node scheduling freedom in execution order.
	Slack []NodeSlack
}

const slackEpsilon = 0.001

type graph struct {
	// ids holds distinct node IDs in first-seen order so every
	// computation is deterministic.
	ids      []string
	adj      map[string][]string
	inDegree map[string]int
	byID     map[string]Node
}

func buildGraph(nodes []Node) graph {
	g := graph{
		adj:      make(map[string][]string, len(nodes)),
		inDegree: make(map[string]int, len(nodes)),
		byID:     make(map[string]Node, len(nodes)),
	}

	for _, n := range nodes {
		if _, ok := g.byID[n.ID]; ok {
			continue
		}
		g.ids = append(g.ids, n.ID)
		g.byID[n.ID] = n
		g.inDegree[n.ID] = 0
	}

	// Edges run dependency to dependent.
	for _, id := range g.ids {
		for _, dep := range g.byID[id].DependsOn {
			g.adj[dep] = append(g.adj[dep], id)
			g.inDegree[id]++
		}
	}

	return g
}

func (g graph) duration(id string) float64 {
	if d := g.byID[id].EstimatedDuration; d > 0 {
		return d
	}
	return 1
}

// sortByPriority orders ids by priority descending, ties by ID ascending.
func (g graph) sortByPriority(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		pi := g.byID[ids[i]].Priority
		pj := g.byID[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
}

// Sort runs Kahn's algorithm with priority ordering. Dependencies on
// undeclared nodes can never be satisfied and leave the result invalid,
// the same as a cycle.
func Sort(nodes []Node) SortResult {
	g := buildGraph(nodes)

	inDeg := make(map[string]int, len(g.inDegree))
	for id, deg := range g.inDegree {
		inDeg[id] = deg
	}

	queue := make([]string, 0, len(g.ids))
	for _, id := range g.ids {
		if inDeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.ids))
	var levels [][]string

	for len(queue) > 0 {
		level := queue
		queue = nil
		g.sortByPriority(level)

		for _, id := range level {
			order = append(order, id)
			for _, neighbor := range g.adj[id] {
				if deg, ok := inDeg[neighbor]; ok {
					inDeg[neighbor] = deg - 1
					if deg == 1 {
						queue = append(queue, neighbor)
					}
				}
			}
		}

		levels = append(levels, level)
	}

	return SortResult{
		Order:     order,
		Levels:    levels,
		Valid:     len(order) == len(g.ids),
		NodeCount: len(g.ids),
	}
}

// DetectCycles finds cycles using depth-first search with three-coloring.
func DetectCycles(nodes []Node) CycleResult {
	g := buildGraph(nodes)

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.ids))

	var (
		path       []string
		cycles     [][]string
		cycleNodes = make(map[string]struct{})
	)

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)

		for _, neighbor := range g.adj[id] {
			switch color[neighbor] {
			case gray:
				start := 0
				for i, n := range path {
					if n == neighbor {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				for _, n := range cycle {
					cycleNodes[n] = struct{}{}
				}
				cycles = append(cycles, cycle)
			case white:
				visit(neighbor)
			}
		}

		path = path[:len(path)-1]
		color[id] = black
	}

	for _, id := range g.ids {
		if color[id] == white {
			visit(id)
		}
	}

	names := make([]string, 0, len(cycleNodes))
	for id := range cycleNodes {
		names = append(names, id)
	}
	sort.Strings(names)

	return CycleResult{
		HasCycles:  len(cycles) > 0,
		CycleNodes: names,
		Cycles:     cycles,
	}
}

// CriticalPath computes the longest path through the graph with a
// forward/backward pass over the topological order.
func CriticalPath(nodes []Node) (PathResult, error) {
	g := buildGraph(nodes)

	topo := Sort(nodes)
	if !topo.Valid {
		return PathResult{}, ErrCycle
	}

	earliestStart := make(map[string]float64, len(g.ids))
	earliestFinish := make(map[string]float64, len(g.ids))

	for _, id := range topo.Order {
		finish := earliestStart[id] + g.duration(id)
		earliestFinish[id] = finish
		for _, neighbor := range g.adj[id] {
			if finish > earliestStart[neighbor] {
				earliestStart[neighbor] = finish
			}
		}
	}

	var total float64
	for _, finish := range earliestFinish {
		if finish > total {
			total = finish
		}
	}

	// Dependents sit later in the topological order, so walking it in
	// reverse sees their latest starts before computing ours.
	latestStart := make(map[string]float64, len(g.ids))
	for i := len(topo.Order) - 1; i >= 0; i-- {
		id := topo.Order[i]
		latestFinish := total
		for _, neighbor := range g.adj[id] {
			if ls := latestStart[neighbor]; ls < latestFinish {
				latestFinish = ls
			}
		}
		latestStart[id] = latestFinish - g.duration(id)
	}

	result := PathResult{TotalDuration: total}
	for _, id := range topo.Order {
		slack := latestStart[id] - earliestStart[id]
		if slack < slackEpsilon && slack > -slackEpsilon {
			result.Path = append(result.Path, id)
		}
		result.Slack = append(result.Slack, NodeSlack{
			ID:            id,
			Slack:         slack,
			EarliestStart: earliestStart[id],
			LatestStart:   latestStart[id],
		})
	}

	return result, nil
}

// ReadyNodes returns the IDs whose dependencies are all completed,
// highest priority first. Completed nodes are excluded.
func ReadyNodes(nodes []Node, completed []string) []string {
	done := make(map[string]struct{}, len(completed))
	for _, id := range completed {
		done[id] = struct{}{}
	}

	g := buildGraph(nodes)

	var ready []string
	for _, id := range g.ids {
		if _, ok := done[id]; ok {
			continue
		}
		met := true
		for _, dep := range g.byID[id].DependsOn {
			if _, ok := done[dep]; !ok {
				met = false
				break
			}
		}
		if met {
			ready = append(ready, id)
		}
	}

	g.sortByPriority(ready)
	return ready
}

package fleet

import "sort"

// SpawnLink connects a spawned worker back to the handle that queued it.
// The manager derives links from spawn-queue rows that produced a worker.
type SpawnLink struct {
	RequesterHandle string
	WorkerID        string
}

// OverviewNode is one worker in the fleet lineage tree.
type OverviewNode struct {
	Worker   *Worker
	Children []*OverviewNode
}

// SwarmOverview groups one swarm's lineage roots.
type SwarmOverview struct {
	// SwarmID is empty for workers outside any swarm.
	SwarmID string
	Roots   []*OverviewNode
}

// Overview is the fleet read-model: live workers grouped by swarm with
// parent-child edges derived from spawn-queue requester links.
type Overview struct {
	Swarms       []SwarmOverview
	TotalWorkers int
}

// BuildOverview assembles the lineage tree for the given live workers.
// Links whose requester or worker is absent from the slice are skipped, so
// dismissed parents leave their children as roots.
func BuildOverview(workers []*Worker, links []SpawnLink) Overview {
	byID := make(map[string]*OverviewNode, len(workers))
	byHandle := make(map[string]*OverviewNode, len(workers))
	for _, w := range workers {
		node := &OverviewNode{Worker: w}
		byID[w.ID] = node
		byHandle[w.Handle] = node
	}

	childIDs := make(map[string]bool, len(links))
	for _, link := range links {
		child, ok := byID[link.WorkerID]
		if !ok {
			continue
		}
		parent, ok := byHandle[link.RequesterHandle]
		if !ok || parent == child {
			continue
		}
		parent.Children = append(parent.Children, child)
		childIDs[link.WorkerID] = true
	}

	groups := make(map[string][]*OverviewNode)
	for _, w := range workers {
		if childIDs[w.ID] {
			continue
		}
		groups[w.SwarmID] = append(groups[w.SwarmID], byID[w.ID])
	}

	overview := Overview{TotalWorkers: len(workers)}
	for swarmID, roots := range groups {
		sortNodes(roots)
		overview.Swarms = append(overview.Swarms, SwarmOverview{SwarmID: swarmID, Roots: roots})
	}
	sort.Slice(overview.Swarms, func(i, j int) bool {
		return overview.Swarms[i].SwarmID < overview.Swarms[j].SwarmID
	})
	for _, node := range byID {
		sortNodes(node.Children)
	}
	return overview
}

func sortNodes(nodes []*OverviewNode) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i].Worker, nodes[j].Worker
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Handle < b.Handle
	})
}

package catalog

import (
	"container/heap"
	"sort"

	"famtasks/internal/domain"
)

// Graph is an index-based adjacency arena over dependency edges. Node i
// depends on every node in adj[i]; neighbours are sorted so traversals
// are deterministic.
type Graph struct {
	index map[string]int
	ids   []string
	adj   [][]int
}

// NewGraph builds the arena from a full edge set.
func NewGraph(edges []domain.DependencyEdge) *Graph {
	g := &Graph{index: make(map[string]int)}
	for _, e := range edges {
		from := g.node(e.TaskID)
		to := g.node(e.DependsOnTaskID)
		g.adj[from] = append(g.adj[from], to)
	}
	for i := range g.adj {
		sort.Ints(g.adj[i])
	}
	return g
}

func (g *Graph) node(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.index[id] = i
	g.ids = append(g.ids, id)
	g.adj = append(g.adj, nil)
	return i
}

// Path returns a depends-on path from -> ... -> to, or nil if to is not
// reachable from from.
func (g *Graph) Path(from, to string) []string {
	src, ok := g.index[from]
	if !ok {
		return nil
	}
	dst, ok := g.index[to]
	if !ok {
		return nil
	}
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}
	visited := make([]bool, len(g.ids))
	stack := []int{src}
	visited[src] = true
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if u == dst {
			var rev []string
			for cur := u; cur != -1; cur = parent[cur] {
				rev = append(rev, g.ids[cur])
			}
			out := make([]string, len(rev))
			for i := range rev {
				out[i] = rev[len(rev)-1-i]
			}
			return out
		}
		// push in reverse so the lowest index is explored first
		for k := len(g.adj[u]) - 1; k >= 0; k-- {
			v := g.adj[u][k]
			if !visited[v] {
				visited[v] = true
				parent[v] = u
				stack = append(stack, v)
			}
		}
	}
	return nil
}

// CheckEdge reports whether adding "taskID depends on dependsOnTaskID" to
// edges keeps the graph acyclic. It returns nil or the error to reject with.
func CheckEdge(edges []domain.DependencyEdge, taskID, dependsOnTaskID string) error {
	if taskID == dependsOnTaskID {
		return &SelfDependencyError{TaskID: taskID}
	}
	path := NewGraph(edges).Path(dependsOnTaskID, taskID)
	if path == nil {
		return nil
	}
	return &CycleError{
		TaskID:          taskID,
		DependsOnTaskID: dependsOnTaskID,
		Path:            append([]string{taskID}, path...),
	}
}

// FindCycle runs a full reachability check and returns one witnessing cycle
// (first node repeated at the end), or nil for an acyclic edge set.
func FindCycle(edges []domain.DependencyEdge) []string {
	g := NewGraph(edges)
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}
	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.adj[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != v && cur != -1; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}
	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = g.ids[cycle[len(cycle)-1-i]]
	}
	return out
}

type orderedHeap struct {
	items []int
	less  func(a, b int) bool
}

func (h orderedHeap) Len() int           { return len(h.items) }
func (h orderedHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h orderedHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *orderedHeap) Push(x any)        { h.items = append(h.items, x.(int)) }
func (h *orderedHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// TopologicalOrder orders templates so every task appears after the tasks
// it depends on. Ties are broken by display order, then id. Edges pointing
// at unknown templates are ignored.
func TopologicalOrder(templates []domain.TaskTemplate, edges []domain.DependencyEdge) []domain.TaskTemplate {
	pos := make(map[string]int, len(templates))
	for i, t := range templates {
		pos[t.ID] = i
	}
	indeg := make([]int, len(templates))
	dependents := make([][]int, len(templates))
	for _, e := range edges {
		from, okFrom := pos[e.TaskID]
		to, okTo := pos[e.DependsOnTaskID]
		if !okFrom || !okTo {
			continue
		}
		indeg[from]++
		dependents[to] = append(dependents[to], from)
	}
	h := &orderedHeap{less: func(a, b int) bool {
		if templates[a].DisplayOrder != templates[b].DisplayOrder {
			return templates[a].DisplayOrder < templates[b].DisplayOrder
		}
		return templates[a].ID < templates[b].ID
	}}
	for i := range templates {
		if indeg[i] == 0 {
			heap.Push(h, i)
		}
	}
	out := make([]domain.TaskTemplate, 0, len(templates))
	for h.Len() > 0 {
		n := heap.Pop(h).(int)
		out = append(out, templates[n])
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(h, m)
			}
		}
	}
	return out
}

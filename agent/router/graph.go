package router

import (
	"container/heap"
	"math"
	"sort"
)

// Edge is a directed, weighted link in the network graph.
type Edge struct {
	To      string  `json:"to"`
	Weight  float64 `json:"weight"`
	Quality float64 `json:"quality"`
	// Pinned edges carry an explicit weight that metric updates do not touch.
	Pinned bool `json:"pinned,omitempty"`
}

type graph struct {
	adj map[string]map[string]*Edge
}

func newGraph() *graph {
	return &graph{adj: make(map[string]map[string]*Edge)}
}

func (g *graph) addNode(id string) {
	if _, ok := g.adj[id]; !ok {
		g.adj[id] = make(map[string]*Edge)
	}
}

func (g *graph) removeNode(id string) {
	delete(g.adj, id)
	for _, edges := range g.adj {
		delete(edges, id)
	}
}

func (g *graph) setEdge(from, to string, weight, quality float64, pinned bool) {
	g.addNode(from)
	if e, ok := g.adj[from][to]; ok && e.Pinned && !pinned {
		e.Quality = quality
		return
	}
	g.adj[from][to] = &Edge{To: to, Weight: weight, Quality: quality, Pinned: pinned}
}

func (g *graph) removeEdge(from, to string) {
	if edges, ok := g.adj[from]; ok {
		delete(edges, to)
	}
}

func (g *graph) reweightInbound(to string, weight, quality float64) {
	for _, edges := range g.adj {
		if e, ok := edges[to]; ok {
			e.Quality = quality
			if !e.Pinned {
				e.Weight = weight
			}
		}
	}
}

func (g *graph) snapshot() map[string][]Edge {
	out := make(map[string][]Edge, len(g.adj))
	for from, edges := range g.adj {
		list := make([]Edge, 0, len(edges))
		for _, e := range edges {
			list = append(list, *e)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].To < list[j].To })
		out[from] = list
	}
	return out
}

// shortestPath runs Dijkstra from src to dst. Nodes rejected by usable are
// never traversed. It returns nil when dst is unreachable.
func (g *graph) shortestPath(src, dst string, usable func(id string) bool) ([]string, float64) {
	if _, ok := g.adj[src]; !ok {
		return nil, 0
	}
	dist := map[string]float64{src: 0}
	prev := make(map[string]string)
	visited := make(map[string]bool)

	pq := &nodeQueue{{id: src}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(nodeItem)
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		if cur.id == dst {
			break
		}
		for to, e := range g.adj[cur.id] {
			if visited[to] || !usable(to) {
				continue
			}
			nd := cur.dist + e.Weight
			if old, ok := dist[to]; !ok || nd < old {
				dist[to] = nd
				prev[to] = cur.id
				heap.Push(pq, nodeItem{id: to, dist: nd})
			}
		}
	}

	cost, ok := dist[dst]
	if !ok || math.IsInf(cost, 0) {
		return nil, 0
	}
	path := []string{dst}
	for at := dst; at != src; {
		at = prev[at]
		path = append(path, at)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, cost
}

type nodeItem struct {
	id   string
	dist float64
}

type nodeQueue []nodeItem

func (q nodeQueue) Len() int { return len(q) }
func (q nodeQueue) Less(i, j int) bool {
	if q[i].dist == q[j].dist {
		return q[i].id < q[j].id
	}
	return q[i].dist < q[j].dist
}
func (q nodeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)   { *q = append(*q, x.(nodeItem)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package routing

import (
	"container/heap"
	"sync"

	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/weight"
)

// edgeKey is an unordered pair of switches, used to dedupe and to answer
// "does this tree use this physical link" (spec.md §4.6 "Link-weight
// change handling").
type edgeKey struct{ A, B netaddr.SwitchId }

func normEdge(a, b netaddr.SwitchId) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{A: a, B: b}
}

// closureCache memoizes oriented pairwise unicast routes, invalidating only
// the entries whose path actually crosses a changed link (SPEC_FULL.md §11,
// "Metric-closure caching", grounded on original_source's
// multicast_routing.cc route cache). route/invalidateEdge are called
// concurrently: flushPendingRecompute fans KMB recomputation for multiple
// affected trees out across goroutines that all share this cache, so
// mutation of routes/edgeIdx is serialized behind mu.
type closureCache struct {
	unicast iface.UnicastRouting

	mu      sync.Mutex
	routes  map[[2]netaddr.SwitchId]iface.Route
	edgeIdx map[edgeKey]map[[2]netaddr.SwitchId]bool
}

func newClosureCache(unicast iface.UnicastRouting) *closureCache {
	return &closureCache{
		unicast: unicast,
		routes:  make(map[[2]netaddr.SwitchId]iface.Route),
		edgeIdx: make(map[edgeKey]map[[2]netaddr.SwitchId]bool),
	}
}

func (c *closureCache) route(src, dst netaddr.SwitchId) (iface.Route, bool) {
	if src == dst {
		return iface.Route{}, true
	}
	key := [2]netaddr.SwitchId{src, dst}

	c.mu.Lock()
	if r, ok := c.routes[key]; ok {
		c.mu.Unlock()
		return r, true
	}
	c.mu.Unlock()

	r, ok := c.unicast.Route(src, dst)
	if !ok {
		return iface.Route{}, false
	}

	c.mu.Lock()
	c.routes[key] = r
	from := src
	for _, hop := range r.Path {
		ek := normEdge(from, hop.Dst)
		if c.edgeIdx[ek] == nil {
			c.edgeIdx[ek] = make(map[[2]netaddr.SwitchId]bool)
		}
		c.edgeIdx[ek][key] = true
		from = hop.Dst
	}
	c.mu.Unlock()
	return r, true
}

// invalidateEdge drops every cached route whose path crosses the physical
// link (u,v) in either orientation.
func (c *closureCache) invalidateEdge(u, v netaddr.SwitchId) {
	ek := normEdge(u, v)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.edgeIdx[ek] {
		delete(c.routes, key)
	}
	delete(c.edgeIdx, ek)
}

// heapItem is one candidate frontier edge in Prim's algorithm.
type heapItem struct {
	vertex netaddr.SwitchId
	key    weight.Weight
	via    netaddr.SwitchId
}

type primHeap []heapItem

func (h primHeap) Len() int { return len(h) }
func (h primHeap) Less(i, j int) bool {
	c := weight.Compare(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	return h[i].vertex < h[j].vertex
}
func (h primHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *primHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *primHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// primMST computes a minimum spanning tree over vertices using weightFn as
// the (possibly partial) edge-weight function, tie-breaking equal weights
// toward the lower SwitchId (spec.md §4.6). It reports ok=false if the
// graph induced by weightFn does not span every vertex. Lazy deletion
// (stale heap entries are skipped on pop rather than fixed in place) keeps
// this a plain container/heap user, same technique as the scheduler's timer
// heap (internal/sched).
func primMST(vertices []netaddr.SwitchId, weightFn func(u, v netaddr.SwitchId) (weight.Weight, bool)) (map[netaddr.SwitchId]netaddr.SwitchId, bool) {
	if len(vertices) == 0 {
		return nil, false
	}
	sorted := append([]netaddr.SwitchId(nil), vertices...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	start := sorted[0]

	inTree := make(map[netaddr.SwitchId]bool, len(vertices))
	parent := make(map[netaddr.SwitchId]netaddr.SwitchId, len(vertices))
	best := make(map[netaddr.SwitchId]weight.Weight, len(vertices))

	h := &primHeap{{vertex: start, key: weight.Zero, via: start}}
	heap.Init(h)
	inTree[start] = true

	for h.Len() > 0 && len(inTree) < len(vertices) {
		item := heap.Pop(h).(heapItem)
		if inTree[item.vertex] && item.vertex != start {
			continue
		}
		if item.vertex != start {
			inTree[item.vertex] = true
			parent[item.vertex] = item.via
		}
		for _, v := range sorted {
			if inTree[v] {
				continue
			}
			w, ok := weightFn(item.vertex, v)
			if !ok {
				continue
			}
			if cur, seen := best[v]; !seen || weight.Compare(w, cur) < 0 {
				best[v] = w
				heap.Push(h, heapItem{vertex: v, key: w, via: item.vertex})
			}
		}
	}

	return parent, len(inTree) == len(vertices)
}

// Tree is a computed multicast delivery tree: which switch outputs to which
// neighbor switches (tree children) plus any locally-attached destination
// ports (spec.md §4.7's "auxiliary actions").
type Tree struct {
	root       netaddr.SwitchId
	vertices   map[netaddr.SwitchId]bool
	edges      map[edgeKey]bool
	localPorts map[netaddr.SwitchId][]netaddr.Port
	children   map[netaddr.SwitchId][]netaddr.SwitchId
	outPort    map[edgeKey]netaddr.Port // keyed by normEdge(parent,child); tree edges are never parallel
}

// Root returns the tree's root switch (the source-attachment point once
// GetTreePath has run, or an arbitrary deterministic vertex for a bare
// shared tree).
func (t *Tree) Root() netaddr.SwitchId { return t.root }

// Children returns sw's children in the rooted tree.
func (t *Tree) Children(sw netaddr.SwitchId) []netaddr.SwitchId { return t.children[sw] }

// Switches returns every switch this tree touches.
func (t *Tree) Switches() []netaddr.SwitchId {
	out := make([]netaddr.SwitchId, 0, len(t.vertices))
	for sw := range t.vertices {
		out = append(out, sw)
	}
	return out
}

// OutputActions returns the union of output ports sw must forward to: one
// per tree child plus any locally-attached destination ports (spec.md §4.7
// "per switch, set the action list to the union of output actions implied
// by tree children plus any auxiliary actions scheduled by higher layers").
func (t *Tree) OutputActions(sw netaddr.SwitchId) []iface.Action {
	var out []iface.Action
	for _, child := range t.children[sw] {
		if port, ok := t.outPort[normEdge(sw, child)]; ok {
			out = append(out, iface.Action{Output: port})
		}
	}
	out = append(out, actionsForPorts(t.localPorts[sw])...)
	return out
}

func actionsForPorts(ports []netaddr.Port) []iface.Action {
	out := make([]iface.Action, len(ports))
	for i, p := range ports {
		out[i] = iface.Action{Output: p}
	}
	return out
}

// usesEdge reports whether the tree traverses the physical link (u,v) in
// either orientation.
func (t *Tree) usesEdge(u, v netaddr.SwitchId) bool {
	return t.edges[normEdge(u, v)]
}

// buildRooted assigns parent/child relationships and per-edge output ports
// by walking t's undirected edge set from root, querying topology.OutLinks
// fresh at every edge — so the same Tree can be re-rooted (source
// attachment) without carrying stale directional port data forward.
func buildRooted(topology iface.Topology, vertices map[netaddr.SwitchId]bool, edges map[edgeKey]bool, localPorts map[netaddr.SwitchId][]netaddr.Port, root netaddr.SwitchId) (*Tree, bool) {
	adj := make(map[netaddr.SwitchId][]netaddr.SwitchId, len(vertices))
	for ek := range edges {
		adj[ek.A] = append(adj[ek.A], ek.B)
		adj[ek.B] = append(adj[ek.B], ek.A)
	}

	t := &Tree{
		root:       root,
		vertices:   vertices,
		edges:      edges,
		localPorts: localPorts,
		children:   make(map[netaddr.SwitchId][]netaddr.SwitchId),
		outPort:    make(map[edgeKey]netaddr.Port),
	}

	visited := map[netaddr.SwitchId]bool{root: true}
	queue := []netaddr.SwitchId{root}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range adj[u] {
			if visited[v] {
				continue
			}
			visited[v] = true
			port, ok := outPortTowards(topology, u, v)
			if !ok {
				return nil, false
			}
			t.children[u] = append(t.children[u], v)
			t.outPort[normEdge(u, v)] = port
			queue = append(queue, v)
		}
	}

	return t, len(visited) == len(vertices)
}

// OutPortTowards returns the port on switch from that the physical link to
// to egresses through (spec.md §4.7 needs this again, reversed, to derive
// the in_port a tree's non-root switches must match on).
func OutPortTowards(topology iface.Topology, from, to netaddr.SwitchId) (netaddr.Port, bool) {
	return outPortTowards(topology, from, to)
}

func outPortTowards(topology iface.Topology, from, to netaddr.SwitchId) (netaddr.Port, bool) {
	for neighbor, links := range topology.OutLinks(from) {
		if neighbor != to || len(links) == 0 {
			continue
		}
		return links[0].SrcPort, true
	}
	return 0, false
}

// computeTree runs the full KMB Steiner approximation (spec.md §4.6) for
// one destination set: metric closure, Prim MST, path expansion, a second
// MST over the expanded graph, and leaf fix-up.
func computeTree(topology iface.Topology, closure *closureCache, dests destSet) (*Tree, bool) {
	D := dests.switches()
	if len(D) == 0 {
		return nil, false
	}
	if len(D) == 1 {
		vertices := map[netaddr.SwitchId]bool{D[0]: true}
		return buildRooted(topology, vertices, map[edgeKey]bool{}, clonePorts(dests), D[0])
	}

	type closureEdge struct {
		path []iface.Hop
		from netaddr.SwitchId
	}
	edgePaths := make(map[edgeKey]closureEdge, len(D)*(len(D)-1)/2)
	weightOf := func(u, v netaddr.SwitchId) (weight.Weight, bool) {
		ek := normEdge(u, v)
		if ce, ok := edgePaths[ek]; ok {
			fwd, _ := closure.route(ce.from, otherEnd(ek, ce.from))
			return fwd.Weight, true
		}
		return weight.Weight{}, false
	}

	for i := 0; i < len(D); i++ {
		for j := i + 1; j < len(D); j++ {
			u, v := D[i], D[j]
			fwd, fwdOK := closure.route(u, v)
			rev, revOK := closure.route(v, u)
			switch {
			case fwdOK && revOK:
				if weight.Compare(rev.Weight, fwd.Weight) < 0 {
					edgePaths[normEdge(u, v)] = closureEdge{path: rev.Path, from: v}
				} else {
					edgePaths[normEdge(u, v)] = closureEdge{path: fwd.Path, from: u}
				}
			case fwdOK:
				edgePaths[normEdge(u, v)] = closureEdge{path: fwd.Path, from: u}
			case revOK:
				edgePaths[normEdge(u, v)] = closureEdge{path: rev.Path, from: v}
			default:
				return nil, false // metric closure cannot be fully computed
			}
		}
	}

	closureParent, ok := primMST(D, weightOf)
	if !ok {
		return nil, false
	}

	expanded := make(map[edgeKey]weight.Weight)
	touched := make(map[netaddr.SwitchId]bool, len(D))
	addSegment := func(u, v netaddr.SwitchId, w weight.Weight) {
		touched[u], touched[v] = true, true
		ek := normEdge(u, v)
		if cur, seen := expanded[ek]; !seen || weight.Compare(w, cur) < 0 {
			expanded[ek] = w
		}
	}
	for child, parent := range closureParent {
		if child == parent {
			continue
		}
		ce := edgePaths[normEdge(child, parent)]
		cur := ce.from
		for _, hop := range ce.path {
			addSegment(cur, hop.Dst, hop.Weight)
			cur = hop.Dst
		}
	}

	touchedList := make([]netaddr.SwitchId, 0, len(touched))
	for sw := range touched {
		touchedList = append(touchedList, sw)
	}
	expandedParent, ok := primMST(touchedList, func(u, v netaddr.SwitchId) (weight.Weight, bool) {
		w, ok := expanded[normEdge(u, v)]
		return w, ok
	})
	if !ok {
		return nil, false
	}

	edges := make(map[edgeKey]bool, len(expandedParent))
	for child, parent := range expandedParent {
		if child != parent {
			edges[normEdge(child, parent)] = true
		}
	}
	vertices := make(map[netaddr.SwitchId]bool, len(touchedList))
	for _, sw := range touchedList {
		vertices[sw] = true
	}
	destOf := make(map[netaddr.SwitchId]bool, len(D))
	for _, sw := range D {
		destOf[sw] = true
	}

	fixUpLeaves(vertices, edges, destOf)

	root := touchedList[0]
	for _, sw := range touchedList {
		if vertices[sw] && sw < root {
			root = sw
		}
	}
	return buildRooted(topology, vertices, edges, clonePorts(dests), root)
}

func otherEnd(ek edgeKey, known netaddr.SwitchId) netaddr.SwitchId {
	if ek.A == known {
		return ek.B
	}
	return ek.A
}

func clonePorts(dests destSet) map[netaddr.SwitchId][]netaddr.Port {
	out := make(map[netaddr.SwitchId][]netaddr.Port)
	for d := range dests {
		out[d.Switch] = append(out[d.Switch], d.Port)
	}
	return out
}

// fixUpLeaves repeatedly strips degree-1 vertices that are not required
// destinations (spec.md §4.6 step 5).
func fixUpLeaves(vertices map[netaddr.SwitchId]bool, edges map[edgeKey]bool, dests map[netaddr.SwitchId]bool) {
	degree := make(map[netaddr.SwitchId]int, len(vertices))
	for ek := range edges {
		degree[ek.A]++
		degree[ek.B]++
	}
	for {
		var leaf netaddr.SwitchId
		found := false
		for sw := range vertices {
			if degree[sw] <= 1 && !dests[sw] {
				leaf = sw
				found = true
				break
			}
		}
		if !found {
			return
		}
		delete(vertices, leaf)
		for ek := range edges {
			if ek.A == leaf || ek.B == leaf {
				delete(edges, ek)
				degree[ek.A]--
				degree[ek.B]--
			}
		}
		delete(degree, leaf)
	}
}

// attachSource prepends the cheapest unicast path from srcSwitch to base's
// closest vertex, producing a new tree rooted at srcSwitch (spec.md §4.6
// step 6). base is never mutated: the result is a new Tree, which may share
// base's vertex, edge and local-port maps (no Tree method modifies them).
func attachSource(topology iface.Topology, unicast iface.UnicastRouting, base *Tree, srcSwitch netaddr.SwitchId) (*Tree, bool) {
	if base.vertices[srcSwitch] {
		return buildRooted(topology, base.vertices, base.edges, base.localPorts, srcSwitch)
	}

	var bestDest netaddr.SwitchId
	var bestRoute iface.Route
	found := false
	for dest := range base.vertices {
		r, ok := unicast.Route(srcSwitch, dest)
		if !ok {
			continue
		}
		if !found || weight.Compare(r.Weight, bestRoute.Weight) < 0 ||
			(weight.Compare(r.Weight, bestRoute.Weight) == 0 && dest < bestDest) {
			bestDest, bestRoute, found = dest, r, true
		}
	}
	if !found {
		return nil, false
	}

	vertices := make(map[netaddr.SwitchId]bool, len(base.vertices)+len(bestRoute.Path)+1)
	for v := range base.vertices {
		vertices[v] = true
	}
	edges := make(map[edgeKey]bool, len(base.edges)+len(bestRoute.Path))
	for ek := range base.edges {
		edges[ek] = true
	}
	vertices[srcSwitch] = true
	cur := srcSwitch
	for _, hop := range bestRoute.Path {
		vertices[hop.Dst] = true
		edges[normEdge(cur, hop.Dst)] = true
		cur = hop.Dst
	}

	return buildRooted(topology, vertices, edges, base.localPorts, srcSwitch)
}

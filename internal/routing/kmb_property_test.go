// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package routing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/iface/fake"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/weight"
)

// propertyGraph is a small, richly-connected weighted graph (six switches,
// several alternate paths of differing cost) used to check the KMB
// approximation bound: the 2-approximation guarantee from spec.md §4.6
// means the built tree's weight must never exceed 2x the true optimal
// Steiner tree for the same destination set.
type propertyEdge struct {
	a, b netaddr.SwitchId
	w    uint64
}

var propertyEdges = []propertyEdge{
	{1, 2, 1}, {2, 3, 1}, {3, 4, 1},
	{1, 4, 4}, {2, 5, 2}, {5, 6, 1},
	{4, 6, 3}, {3, 6, 5}, {1, 6, 9},
}

func directWeight(u, v netaddr.SwitchId) (weight.Weight, bool) {
	for _, e := range propertyEdges {
		if (e.a == u && e.b == v) || (e.a == v && e.b == u) {
			return weight.Weight{Value: e.w}, true
		}
	}
	return weight.Weight{}, false
}

// buildPropertyTopology wires propertyEdges into a fake Topology/UnicastRouting
// pair, deriving every pairwise unicast route by shortest path (Floyd-Warshall)
// so the KMB metric closure sees real, consistent path weights.
func buildPropertyTopology() (*fake.Topology, *fake.UnicastRouting, []netaddr.SwitchId) {
	topo := fake.NewTopology()
	unicast := fake.NewUnicastRouting()

	vertices := []netaddr.SwitchId{1, 2, 3, 4, 5, 6}

	type portPair struct{ aPort, bPort netaddr.Port }
	ports := make(map[edgeKey]portPair, len(propertyEdges))
	for i, e := range propertyEdges {
		aPort := netaddr.Port(1000 + i*2)
		bPort := netaddr.Port(1000 + i*2 + 1)
		topo.AddLink(e.a, aPort, e.b, bPort)
		ports[normEdge(e.a, e.b)] = portPair{aPort, bPort}
	}

	const inf = uint64(1) << 30
	dist := make(map[netaddr.SwitchId]map[netaddr.SwitchId]uint64, len(vertices))
	next := make(map[netaddr.SwitchId]map[netaddr.SwitchId]netaddr.SwitchId, len(vertices))
	for _, u := range vertices {
		dist[u] = make(map[netaddr.SwitchId]uint64, len(vertices))
		next[u] = make(map[netaddr.SwitchId]netaddr.SwitchId, len(vertices))
		for _, v := range vertices {
			if u == v {
				dist[u][v] = 0
			} else {
				dist[u][v] = inf
			}
		}
	}
	for _, e := range propertyEdges {
		dist[e.a][e.b], dist[e.b][e.a] = e.w, e.w
		next[e.a][e.b], next[e.b][e.a] = e.b, e.a
	}
	for _, k := range vertices {
		for _, u := range vertices {
			for _, v := range vertices {
				if dist[u][k]+dist[k][v] < dist[u][v] {
					dist[u][v] = dist[u][k] + dist[k][v]
					next[u][v] = next[u][k]
				}
			}
		}
	}

	for _, a := range vertices {
		for _, b := range vertices {
			if a == b {
				continue
			}
			var hops []iface.Hop
			cur := a
			for cur != b {
				nxt := next[cur][b]
				pp := ports[normEdge(cur, nxt)]
				out, in := pp.aPort, pp.bPort
				if normEdge(cur, nxt).A != cur {
					out, in = pp.bPort, pp.aPort
				}
				w, _ := directWeight(cur, nxt)
				hops = append(hops, iface.Hop{Dst: nxt, InPort: in, OutPort: out, Weight: w})
				cur = nxt
			}
			unicast.SetRoute(a, b, hops, weight.Weight{Value: dist[a][b]})
		}
	}

	return topo, unicast, vertices
}

func destsFor(switches []netaddr.SwitchId) destSet {
	out := make(destSet, len(switches))
	for _, sw := range switches {
		out[Destination{Switch: sw, Port: netaddr.Port(900 + sw)}] = true
	}
	return out
}

func combinations(pool []netaddr.SwitchId, k int) [][]netaddr.SwitchId {
	if k == 0 {
		return [][]netaddr.SwitchId{{}}
	}
	if len(pool) < k {
		return nil
	}
	var out [][]netaddr.SwitchId
	head, rest := pool[0], pool[1:]
	for _, tail := range combinations(rest, k-1) {
		combo := append([]netaddr.SwitchId{head}, tail...)
		out = append(out, combo)
	}
	out = append(out, combinations(rest, k)...)
	return out
}

// optimalSteinerWeight brute-forces the true minimum Steiner tree weight by
// trying every possible set of extra ("Steiner point") vertices alongside D
// and taking the cheapest MST over D plus that subset: in a complete-closure
// graph, the minimum over all such subsets equals the minimum Steiner tree
// weight, since the optimal tree's own vertex set is one of the subsets
// tried and its weight is at least that subset's MST weight.
func optimalSteinerWeight(t *testing.T, allVertices, d []netaddr.SwitchId) uint64 {
	t.Helper()
	inD := make(map[netaddr.SwitchId]bool, len(d))
	for _, v := range d {
		inD[v] = true
	}
	var extras []netaddr.SwitchId
	for _, v := range allVertices {
		if !inD[v] {
			extras = append(extras, v)
		}
	}

	best := uint64(1) << 40
	for k := 0; k <= len(extras); k++ {
		for _, subset := range combinations(extras, k) {
			candidate := append(append([]netaddr.SwitchId{}, d...), subset...)
			parent, ok := primMST(candidate, directWeight)
			if !ok {
				continue
			}
			var total uint64
			for child, p := range parent {
				if child == p {
					continue
				}
				w, _ := directWeight(child, p)
				total += w.Value
			}
			if total < best {
				best = total
			}
		}
	}
	require.Less(t, best, uint64(1)<<40, "candidate D must be connectable in this graph")
	return best
}

func kmbTreeWeight(tree *Tree) uint64 {
	var total uint64
	for ek := range tree.edges {
		w, _ := directWeight(ek.A, ek.B)
		total += w.Value
	}
	return total
}

func TestKMBStaysWithinTwoApproximationForSmallDestinationSets(t *testing.T) {
	topo, unicast, vertices := buildPropertyTopology()
	closure := newClosureCache(unicast)

	for size := 2; size <= 4; size++ {
		for _, d := range combinations(vertices, size) {
			d := d
			optimal := optimalSteinerWeight(t, vertices, d)

			tree, ok := computeTree(topo, closure, destsFor(d))
			require.True(t, ok, "destination set %v must be connectable", d)

			got := kmbTreeWeight(tree)
			require.LessOrEqual(t, got, 2*optimal,
				"KMB tree weight %d for D=%v exceeds twice the optimal Steiner weight %d", got, d, optimal)
		}
	}
}

// Package attackgraph models the dependency graph between abilities and the
// fact traits they consume and produce, and the goal-distance tables built on it.
package attackgraph

// NodeKind distinguishes ability nodes from trait nodes.
type NodeKind int

const (
	KindAbility NodeKind = iota
	KindTrait
)

func (k NodeKind) String() string {
	if k == KindAbility {
		return "ability"
	}
	return "trait"
}

// Node is a vertex of the attack graph. Abilities are keyed by id, traits by name.
type Node struct {
	Kind NodeKind
	Name string
}

// AbilityNode returns the node for an ability id.
func AbilityNode(id string) Node { return Node{Kind: KindAbility, Name: id} }

// TraitNode returns the node for a fact trait.
func TraitNode(trait string) Node { return Node{Kind: KindTrait, Name: trait} }

// Graph is a directed, unweighted graph. Nodes and adjacency lists keep
// insertion order so every traversal is deterministic.
type Graph struct {
	nodes []Node
	index map[Node]int
	succ  map[Node][]Node
	pred  map[Node][]Node
	edges map[[2]Node]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index: make(map[Node]int),
		succ:  make(map[Node][]Node),
		pred:  make(map[Node][]Node),
		edges: make(map[[2]Node]struct{}),
	}
}

// AddNode inserts n if it is not present yet.
func (g *Graph) AddNode(n Node) {
	if _, ok := g.index[n]; ok {
		return
	}
	g.index[n] = len(g.nodes)
	g.nodes = append(g.nodes, n)
}

// AddEdge inserts from->to, adding both endpoints. Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to Node) {
	g.AddNode(from)
	g.AddNode(to)
	key := [2]Node{from, to}
	if _, ok := g.edges[key]; ok {
		return
	}
	g.edges[key] = struct{}{}
	g.succ[from] = append(g.succ[from], to)
	g.pred[to] = append(g.pred[to], from)
}

// HasNode reports whether n is in the graph.
func (g *Graph) HasNode(n Node) bool {
	_, ok := g.index[n]
	return ok
}

// HasEdge reports whether from->to is in the graph.
func (g *Graph) HasEdge(from, to Node) bool {
	_, ok := g.edges[[2]Node{from, to}]
	return ok
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

func (g *Graph) Successors(n Node) []Node   { return g.succ[n] }
func (g *Graph) Predecessors(n Node) []Node { return g.pred[n] }
func (g *Graph) OutDegree(n Node) int       { return len(g.succ[n]) }
func (g *Graph) Len() int                   { return len(g.nodes) }
func (g *Graph) EdgeCount() int             { return len(g.edges) }

// ShortestPathsTo returns, for every node that can reach target, one shortest
// path from that node to target (both ends included). The target maps to a
// path holding only itself. An unknown target yields an empty map.
func (g *Graph) ShortestPathsTo(target Node) map[Node][]Node {
	paths := make(map[Node][]Node)
	if !g.HasNode(target) {
		return paths
	}

	// Reverse BFS: next[n] is the hop after n on its way to target.
	next := map[Node]Node{}
	visited := map[Node]bool{target: true}
	order := []Node{target}
	for queue := []Node{target}; len(queue) > 0; queue = queue[1:] {
		cur := queue[0]
		for _, p := range g.pred[cur] {
			if visited[p] {
				continue
			}
			visited[p] = true
			next[p] = cur
			order = append(order, p)
			queue = append(queue, p)
		}
	}

	for _, n := range order {
		path := []Node{n}
		for cur := n; cur != target; {
			cur = next[cur]
			path = append(path, cur)
		}
		paths[n] = path
	}
	return paths
}

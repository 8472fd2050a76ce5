package boost

import (
	"math"
	"math/rand"
	"sort"

	"taxi-duration/pkg/sparse"
)

// Node is a tree node. Leaves have Left == Right == -1 and carry Value;
// internal nodes send x < Threshold to Left. Absent sparse entries and NaN
// read as 0.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// Leaf reports whether n is a leaf.
func (n Node) Leaf() bool { return n.Left < 0 }

// Tree is a regression tree stored as a flat node list rooted at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predictRow(idx []int, vals []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf() {
			return n.Value
		}
		if valueAt(idx, vals, n.Feature) < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Depth returns the maximum root-to-leaf edge count.
func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Leaf() {
			return 0
		}
		l, r := walk(n.Left), walk(n.Right)
		if l > r {
			return l + 1
		}
		return r + 1
	}
	return walk(0)
}

func valueAt(idx []int, vals []float64, feature int) float64 {
	k := sort.SearchInts(idx, feature)
	if k < len(idx) && idx[k] == feature {
		if math.IsNaN(vals[k]) {
			return 0
		}
		return vals[k]
	}
	return 0
}

// =============================================================================
// GROWTH
// =============================================================================

// rtEps is the smallest loss reduction treated as a real improvement.
const rtEps = 1e-6

// sortedColumn holds one feature's stored entries ordered by value.
type sortedColumn struct {
	rows   []int
	values []float64
}

func sortColumns(x *sparse.CSR) []sortedColumn {
	major := x.ColumnMajor()
	out := make([]sortedColumn, len(major))
	for j, c := range major {
		sc := sortedColumn{rows: make([]int, 0, len(c.Rows)), values: make([]float64, 0, len(c.Rows))}
		for k, v := range c.Values {
			if math.IsNaN(v) {
				continue
			}
			sc.rows = append(sc.rows, c.Rows[k])
			sc.values = append(sc.values, v)
		}
		sort.Sort(byValue(sc))
		out[j] = sc
	}
	return out
}

type byValue sortedColumn

func (b byValue) Len() int           { return len(b.rows) }
func (b byValue) Less(i, j int) bool { return b.values[i] < b.values[j] }
func (b byValue) Swap(i, j int) {
	b.rows[i], b.rows[j] = b.rows[j], b.rows[i]
	b.values[i], b.values[j] = b.values[j], b.values[i]
}

type grower struct {
	p    Params
	x    *sparse.CSR
	cols []sortedColumn
	rng  *rand.Rand

	grad []float64
	hess []float64
}

type candidate struct {
	feature   int
	threshold float64
	gain      float64
}

// soft applies L1 soft-thresholding to a gradient sum.
func (g *grower) soft(G float64) float64 {
	switch {
	case G > g.p.Alpha:
		return G - g.p.Alpha
	case G < -g.p.Alpha:
		return G + g.p.Alpha
	default:
		return 0
	}
}

func (g *grower) score(G, H float64) float64 {
	t := g.soft(G)
	return t * t / (H + g.p.Lambda)
}

func (g *grower) weight(G, H float64) float64 {
	if H+g.p.Lambda == 0 {
		return 0
	}
	return -g.soft(G) / (H + g.p.Lambda)
}

// sample picks the rows and features used by one tree.
func (g *grower) sample() ([]int, []int) {
	n := g.x.Rows
	pos := make([]int, n)
	if g.p.Subsample < 1 {
		for r := range pos {
			if g.rng.Float64() >= g.p.Subsample {
				pos[r] = -1
			}
		}
	}

	m := g.x.Cols
	features := make([]int, m)
	for j := range features {
		features[j] = j
	}
	if g.p.ColsampleByTree < 1 && m > 0 {
		k := int(math.Floor(float64(m) * g.p.ColsampleByTree))
		if k < 1 {
			k = 1
		}
		perm := g.rng.Perm(m)[:k]
		sort.Ints(perm)
		features = perm
	}
	return pos, features
}

// grow builds one tree level by level on the current gradients.
func (g *grower) grow() Tree {
	pos, features := g.sample()
	nodes := []Node{{Left: -1, Right: -1}}
	level := []int{0}

	for depth := 0; len(level) > 0; depth++ {
		if g.p.MaxDepth > 0 && depth >= g.p.MaxDepth {
			break
		}
		best := g.findSplits(level, pos, features, len(nodes))

		var next []int
		for li, id := range level {
			b := best[li]
			if b.feature < 0 {
				continue
			}
			left := len(nodes)
			nodes[id].Feature = b.feature
			nodes[id].Threshold = b.threshold
			nodes[id].Left = left
			nodes[id].Right = left + 1
			nodes = append(nodes, Node{Left: -1, Right: -1}, Node{Left: -1, Right: -1})
			next = append(next, left, left+1)
		}
		if len(next) == 0 {
			break
		}

		for r, id := range pos {
			if id < 0 || nodes[id].Leaf() {
				continue
			}
			n := nodes[id]
			idx, vals := g.x.Row(r)
			if valueAt(idx, vals, n.Feature) < n.Threshold {
				pos[r] = n.Left
			} else {
				pos[r] = n.Right
			}
		}
		level = next
	}

	G := make([]float64, len(nodes))
	H := make([]float64, len(nodes))
	for r, id := range pos {
		if id < 0 {
			continue
		}
		G[id] += g.grad[r]
		H[id] += g.hess[r]
	}
	for i := range nodes {
		if nodes[i].Leaf() {
			nodes[i].Value = g.weight(G[i], H[i]) * g.p.Eta
		}
	}
	return Tree{Nodes: nodes}
}

// findSplits returns the best split of every node in level. Stored entries
// are scanned in value order; the node's implicit zeros join the scan as
// one group at value 0.
func (g *grower) findSplits(level, pos, features []int, numNodes int) []candidate {
	k := len(level)
	local := make([]int, numNodes)
	for i := range local {
		local[i] = -1
	}
	for li, id := range level {
		local[id] = li
	}

	G := make([]float64, k)
	H := make([]float64, k)
	cnt := make([]int, k)
	for r, id := range pos {
		if id < 0 || local[id] < 0 {
			continue
		}
		li := local[id]
		G[li] += g.grad[r]
		H[li] += g.hess[r]
		cnt[li]++
	}

	parent := make([]float64, k)
	best := make([]candidate, k)
	for li := range best {
		parent[li] = g.score(G[li], H[li])
		best[li] = candidate{feature: -1, gain: rtEps}
	}

	var (
		gnz      = make([]float64, k)
		hnz      = make([]float64, k)
		cntnz    = make([]int, k)
		gl       = make([]float64, k)
		hl       = make([]float64, k)
		prev     = make([]float64, k)
		hasPrev  = make([]bool, k)
		zeroDone = make([]bool, k)
	)

	for _, f := range features {
		col := g.cols[f]
		for li := 0; li < k; li++ {
			gnz[li], hnz[li], cntnz[li] = 0, 0, 0
			gl[li], hl[li] = 0, 0
			hasPrev[li], zeroDone[li] = false, false
		}

		for _, r := range col.rows {
			id := pos[r]
			if id < 0 || local[id] < 0 {
				continue
			}
			li := local[id]
			gnz[li] += g.grad[r]
			hnz[li] += g.hess[r]
			cntnz[li]++
		}

		add := func(li int, v, dg, dh float64) {
			if hasPrev[li] && v > prev[li] {
				thr := (prev[li] + v) / 2
				if thr <= prev[li] {
					thr = v
				}
				g.evaluate(&best[li], f, thr, gl[li], hl[li], G[li], H[li], parent[li])
			}
			gl[li] += dg
			hl[li] += dh
			prev[li] = v
			hasPrev[li] = true
		}
		addZeros := func(li int) {
			zeroDone[li] = true
			if cnt[li] > cntnz[li] {
				add(li, 0, G[li]-gnz[li], H[li]-hnz[li])
			}
		}

		for i, r := range col.rows {
			id := pos[r]
			if id < 0 || local[id] < 0 {
				continue
			}
			li := local[id]
			v := col.values[i]
			if !zeroDone[li] && v > 0 {
				addZeros(li)
			}
			add(li, v, g.grad[r], g.hess[r])
		}
		for li := 0; li < k; li++ {
			if !zeroDone[li] {
				addZeros(li)
			}
		}
	}
	return best
}

func (g *grower) evaluate(best *candidate, feature int, thr, gl, hl, G, H, parent float64) {
	gr, hr := G-gl, H-hl
	if hl < g.p.MinChildWeight || hr < g.p.MinChildWeight {
		return
	}
	gain := 0.5*(g.score(gl, hl)+g.score(gr, hr)-parent) - g.p.Gamma
	if gain > best.gain {
		*best = candidate{feature: feature, threshold: thr, gain: gain}
	}
}

package patterns

import (
	"context"
	"math"
	"sort"
)

// HDBSCAN is a density-based clusterer. The result is a pure function of the
// input order and parameters.
type HDBSCAN struct {
	MinClusterSize     int
	MinSamples         int
	AllowSingleCluster bool
}

// Clustering labels each input point with a cluster index or -1 for noise.
type Clustering struct {
	Labels      []int
	Strengths   []float64
	NumClusters int
}

type mstEdge struct {
	a, b   int
	weight float64
}

type linkNode struct {
	left, right int
	dist        float64
	size        int
}

type condensedEdge struct {
	parent  int
	child   int
	lambda  float64
	size    int
	isPoint bool
}

const minDistance = 1e-12

func (h HDBSCAN) Cluster(ctx context.Context, points [][]float64) (Clustering, error) {
	n := len(points)
	res := Clustering{Labels: make([]int, n), Strengths: make([]float64, n)}
	for i := range res.Labels {
		res.Labels[i] = -1
	}

	mcs := h.MinClusterSize
	if mcs < 2 {
		mcs = 2
	}
	if n < mcs || n < 2 {
		return res, nil
	}
	k := h.MinSamples
	if k <= 0 {
		k = mcs
	}
	if k > n {
		k = n
	}

	core, err := coreDistances(ctx, points, k)
	if err != nil {
		return res, err
	}
	edges, err := primMST(ctx, points, core)
	if err != nil {
		return res, err
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })

	nodes := singleLinkage(n, edges)
	condensed, numLabels := condenseTree(n, nodes, mcs)
	selected := selectClusters(condensed, numLabels, h.AllowSingleCluster)

	parentOf := make([]int, numLabels)
	parentOf[0] = -1
	for _, e := range condensed {
		if !e.isPoint {
			parentOf[e.child] = e.parent
		}
	}

	// Stable output index per selected label, ordered by label.
	index := make(map[int]int)
	for label := 0; label < numLabels; label++ {
		if selected[label] {
			index[label] = len(index)
		}
	}
	res.NumClusters = len(index)
	if res.NumClusters == 0 {
		return res, nil
	}

	pointLambda := make([]float64, n)
	maxLambda := make(map[int]float64)
	for _, e := range condensed {
		if !e.isPoint {
			continue
		}
		label := e.parent
		for label >= 0 && !selected[label] {
			label = parentOf[label]
		}
		if label < 0 {
			continue
		}
		res.Labels[e.child] = index[label]
		pointLambda[e.child] = e.lambda
		if e.lambda > maxLambda[label] {
			maxLambda[label] = e.lambda
		}
	}
	byIndex := make(map[int]float64, len(index))
	for label, idx := range index {
		byIndex[idx] = maxLambda[label]
	}
	for i, label := range res.Labels {
		if label < 0 {
			continue
		}
		top := byIndex[label]
		if top <= 0 {
			res.Strengths[i] = 1
			continue
		}
		res.Strengths[i] = math.Min(pointLambda[i], top) / top
	}
	return res, nil
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// coreDistances is the distance to the k-th nearest neighbour, counting the point itself.
func coreDistances(ctx context.Context, points [][]float64, k int) ([]float64, error) {
	n := len(points)
	core := make([]float64, n)
	nearest := make([]float64, k)
	for i := 0; i < n; i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for j := range nearest {
			nearest[j] = math.Inf(1)
		}
		for j := 0; j < n; j++ {
			d := euclidean(points[i], points[j])
			if d >= nearest[k-1] {
				continue
			}
			pos := k - 1
			for pos > 0 && nearest[pos-1] > d {
				nearest[pos] = nearest[pos-1]
				pos--
			}
			nearest[pos] = d
		}
		core[i] = nearest[k-1]
	}
	return core, nil
}

// primMST builds the minimum spanning tree of the mutual reachability graph
// without materialising the distance matrix.
func primMST(ctx context.Context, points [][]float64, core []float64) ([]mstEdge, error) {
	n := len(points)
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
	}
	edges := make([]mstEdge, 0, n-1)
	current := 0
	inTree[0] = true
	for len(edges) < n-1 {
		if len(edges)%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		next := -1
		nextWeight := math.Inf(1)
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			mr := math.Max(euclidean(points[current], points[j]), math.Max(core[current], core[j]))
			if mr < best[j] {
				best[j] = mr
				from[j] = current
			}
			if next < 0 || best[j] < nextWeight {
				next = j
				nextWeight = best[j]
			}
		}
		inTree[next] = true
		edges = append(edges, mstEdge{a: from[next], b: next, weight: nextWeight})
		current = next
	}
	return edges, nil
}

// singleLinkage merges MST edges in weight order. Leaves are 0..n-1 and the
// merge created by edge i has id n+i.
func singleLinkage(n int, edges []mstEdge) []linkNode {
	uf := make([]int, 2*n-1)
	size := make([]int, 2*n-1)
	for i := range uf {
		uf[i] = i
		if i < n {
			size[i] = 1
		}
	}
	find := func(x int) int {
		for uf[x] != x {
			uf[x] = uf[uf[x]]
			x = uf[x]
		}
		return x
	}
	nodes := make([]linkNode, 0, n-1)
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		id := n + len(nodes)
		size[id] = size[ra] + size[rb]
		nodes = append(nodes, linkNode{left: ra, right: rb, dist: e.weight, size: size[id]})
		uf[ra] = id
		uf[rb] = id
	}
	return nodes
}

func condenseTree(n int, nodes []linkNode, minClusterSize int) ([]condensedEdge, int) {
	sizeOf := func(id int) int {
		if id < n {
			return 1
		}
		return nodes[id-n].size
	}
	leaves := func(id int) []int {
		var out []int
		stack := []int{id}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top < n {
				out = append(out, top)
				continue
			}
			nd := nodes[top-n]
			stack = append(stack, nd.right, nd.left)
		}
		return out
	}

	type frame struct {
		node  int
		label int
	}
	var condensed []condensedEdge
	stack := []frame{{node: n + len(nodes) - 1, label: 0}}
	nextLabel := 1
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.node < n {
			// Unreachable while minClusterSize >= 2.
			continue
		}
		nd := nodes[f.node-n]
		lambda := 1 / math.Max(nd.dist, minDistance)
		ls, rs := sizeOf(nd.left), sizeOf(nd.right)
		fallOut := func(id int) {
			for _, p := range leaves(id) {
				condensed = append(condensed, condensedEdge{parent: f.label, child: p, lambda: lambda, size: 1, isPoint: true})
			}
		}
		switch {
		case ls >= minClusterSize && rs >= minClusterSize:
			left, right := nextLabel, nextLabel+1
			nextLabel += 2
			condensed = append(condensed,
				condensedEdge{parent: f.label, child: left, lambda: lambda, size: ls},
				condensedEdge{parent: f.label, child: right, lambda: lambda, size: rs},
			)
			stack = append(stack, frame{node: nd.right, label: right}, frame{node: nd.left, label: left})
		case ls < minClusterSize && rs < minClusterSize:
			fallOut(nd.left)
			fallOut(nd.right)
		case ls < minClusterSize:
			fallOut(nd.left)
			stack = append(stack, frame{node: nd.right, label: f.label})
		default:
			fallOut(nd.right)
			stack = append(stack, frame{node: nd.left, label: f.label})
		}
	}
	return condensed, nextLabel
}

// selectClusters applies excess-of-mass selection over the condensed tree.
// Child labels are always greater than their parent's.
func selectClusters(condensed []condensedEdge, numLabels int, allowSingle bool) []bool {
	birth := make([]float64, numLabels)
	children := make([][]int, numLabels)
	for _, e := range condensed {
		if !e.isPoint {
			birth[e.child] = e.lambda
			children[e.parent] = append(children[e.parent], e.child)
		}
	}
	stability := make([]float64, numLabels)
	for _, e := range condensed {
		stability[e.parent] += (e.lambda - birth[e.parent]) * float64(e.size)
	}

	selected := make([]bool, numLabels)
	var clearBelow func(int)
	clearBelow = func(label int) {
		for _, ch := range children[label] {
			selected[ch] = false
			clearBelow(ch)
		}
	}
	for label := numLabels - 1; label >= 0; label-- {
		if label == 0 && (!allowSingle || len(children[0]) > 0) {
			break
		}
		var childSum float64
		for _, ch := range children[label] {
			childSum += stability[ch]
		}
		if len(children[label]) > 0 && childSum > stability[label] {
			stability[label] = childSum
			continue
		}
		selected[label] = true
		clearBelow(label)
	}
	return selected
}

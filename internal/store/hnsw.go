package store

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// hnswConfig holds the graph build and search parameters.
type hnswConfig struct {
	// M: maximum connections per node per level
	M int

	// EfConstruction: candidate list size while inserting
	EfConstruction int

	// EfSearch: candidate list size while searching
	EfSearch int

	// MaxLevel: cap on the hierarchy height
	MaxLevel int
}

func defaultHNSWConfig() hnswConfig {
	return hnswConfig{
		M:              16,
		EfConstruction: 64,
		EfSearch:       100,
		MaxLevel:       16,
	}
}

type hnswNode struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]string // level -> neighbor ids
}

// hnswIndex is an in-memory small-world graph for approximate nearest
// neighbor search over cosine similarity. The Badger store rebuilds it from
// persisted chunks at open; it is never written to disk itself.
type hnswIndex struct {
	config     hnswConfig
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
	mu         sync.RWMutex
	rng        *rand.Rand
}

func newHNSWIndex(config hnswConfig) *hnswIndex {
	if config.M <= 0 {
		config = defaultHNSWConfig()
	}
	return &hnswIndex{
		config: config,
		nodes:  make(map[string]*hnswNode),
		rng:    rand.New(rand.NewSource(42)), // fixed seed for reproducible graphs
	}
}

// add inserts a vector under id. Re-adding an existing id refreshes its
// vector in place; the graph links stay as built.
func (idx *hnswIndex) add(id string, vector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if node, exists := idx.nodes[id]; exists {
		node.vector = vector
		return
	}

	level := idx.randomLevel()
	node := &hnswNode{
		id:        id,
		vector:    vector,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	for i := 0; i <= level; i++ {
		node.neighbors[i] = make([]string, 0, idx.config.M)
	}
	idx.nodes[id] = node

	if idx.entryPoint == "" {
		idx.entryPoint = id
		idx.maxLevel = level
		return
	}

	idx.insert(node)

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
}

// searchHit pairs a node id with its cosine similarity to the query.
type searchHit struct {
	id         string
	similarity float64
}

// search returns up to k nearest ids with similarities, best first.
func (idx *hnswIndex) search(query []float32, k int) []searchHit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" || len(idx.nodes) == 0 {
		return nil
	}

	// Greedy descent through the upper layers.
	ep := idx.entryPoint
	currDist := idx.distance(query, idx.nodes[ep].vector)
	for level := idx.maxLevel; level > 0; level-- {
		changed := true
		for changed {
			changed = false
			node := idx.nodes[ep]
			if level >= len(node.neighbors) {
				continue
			}
			for _, neighborID := range node.neighbors[level] {
				d := idx.distance(query, idx.nodes[neighborID].vector)
				if d < currDist {
					currDist = d
					ep = neighborID
					changed = true
				}
			}
		}
	}

	ef := idx.config.EfSearch
	if ef < k {
		ef = k
	}
	candidates := idx.searchLayer(query, ep, ef, 0)

	hits := make([]searchHit, 0, k)
	for i := 0; i < k && i < len(candidates); i++ {
		hits = append(hits, searchHit{
			id:         candidates[i].id,
			similarity: 1 - candidates[i].distance,
		})
	}
	return hits
}

func (idx *hnswIndex) size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

func (idx *hnswIndex) insert(node *hnswNode) {
	ep := idx.entryPoint
	currDist := idx.distance(node.vector, idx.nodes[ep].vector)

	// Descend to the node's top level.
	for level := idx.maxLevel; level > node.level; level-- {
		changed := true
		for changed {
			changed = false
			epNode := idx.nodes[ep]
			if level >= len(epNode.neighbors) {
				continue
			}
			for _, neighborID := range epNode.neighbors[level] {
				d := idx.distance(node.vector, idx.nodes[neighborID].vector)
				if d < currDist {
					currDist = d
					ep = neighborID
					changed = true
				}
			}
		}
	}

	// Link in at every level the node occupies.
	for level := node.level; level >= 0; level-- {
		candidates := idx.searchLayer(node.vector, ep, idx.config.EfConstruction, level)

		m := idx.config.M
		if level == 0 {
			m = idx.config.M * 2 // denser bottom layer
		}
		if len(candidates) > m {
			candidates = candidates[:m]
		}

		for _, candidate := range candidates {
			node.neighbors[level] = append(node.neighbors[level], candidate.id)

			neighbor := idx.nodes[candidate.id]
			if level < len(neighbor.neighbors) {
				neighbor.neighbors[level] = append(neighbor.neighbors[level], node.id)
				if len(neighbor.neighbors[level]) > m {
					idx.pruneNeighbors(neighbor, level, m)
				}
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}
}

// searchLayer is a best-first expansion at one layer keeping the ef closest
// nodes seen, returned sorted by ascending distance.
func (idx *hnswIndex) searchLayer(query []float32, ep string, ef, level int) []distanceNode {
	visited := map[string]bool{ep: true}
	dist := idx.distance(query, idx.nodes[ep].vector)

	candidates := &minDistHeap{{id: ep, distance: dist}}
	results := &maxDistHeap{{id: ep, distance: dist}}

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(distanceNode)
		if current.distance > results.top().distance {
			break
		}

		node := idx.nodes[current.id]
		if level >= len(node.neighbors) {
			continue
		}
		for _, neighborID := range node.neighbors[level] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			d := idx.distance(query, idx.nodes[neighborID].vector)
			if d < results.top().distance || results.Len() < ef {
				heap.Push(candidates, distanceNode{id: neighborID, distance: d})
				heap.Push(results, distanceNode{id: neighborID, distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	sorted := make([]distanceNode, 0, results.Len())
	for results.Len() > 0 {
		sorted = append(sorted, heap.Pop(results).(distanceNode))
	}
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return sorted
}

func (idx *hnswIndex) pruneNeighbors(node *hnswNode, level, m int) {
	if level >= len(node.neighbors) || len(node.neighbors[level]) <= m {
		return
	}

	neighbors := make([]distanceNode, 0, len(node.neighbors[level]))
	for _, id := range node.neighbors[level] {
		neighbors = append(neighbors, distanceNode{
			id:       id,
			distance: idx.distance(node.vector, idx.nodes[id].vector),
		})
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].distance < neighbors[j].distance })

	node.neighbors[level] = node.neighbors[level][:0]
	for i := 0; i < m; i++ {
		node.neighbors[level] = append(node.neighbors[level], neighbors[i].id)
	}
}

func (idx *hnswIndex) randomLevel() int {
	level := 0
	for level < idx.config.MaxLevel && idx.rng.Float64() < 0.5 {
		level++
	}
	return level
}

// distance is 1 - cosine similarity, so smaller means closer.
func (idx *hnswIndex) distance(a, b []float32) float64 {
	return 1 - cosineSimilarity(a, b)
}

type distanceNode struct {
	id       string
	distance float64
}

type minDistHeap []distanceNode

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].distance < h[j].distance }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distanceNode)) }

func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type maxDistHeap []distanceNode

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].distance > h[j].distance }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distanceNode)) }

func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h maxDistHeap) top() distanceNode {
	if len(h) == 0 {
		return distanceNode{distance: math.MaxFloat64}
	}
	return h[0]
}

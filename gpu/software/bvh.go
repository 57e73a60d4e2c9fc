package software

import (
	"math"
	"time"

	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/achilleasa/polaris-ddgi/types"
)

const (
	// The BVH builder will not attempt to calculate split candidates
	// if the node bbox along an axis is less than this threshold.
	minSideLength float32 = 1e-4

	// Number of split candidates evaluated per axis at the root; deeper
	// levels evaluate proportionally fewer candidates.
	splitCandidates = 64
)

// The boundedVolume interface is implemented by triangles and instances
// that can be partitioned by the bvh builder.
type boundedVolume interface {
	BBox() [2]types.Vec3
	Center() types.Vec3
}

// A callback that is called whenever the BVH builder creates a new leaf.
type bvhLeafCallback func(leaf *bvhNode, itemList []boundedVolume)

// A BVH node. Inner nodes reference their children; leaves reference a
// contiguous item range populated by the leaf callback.
type bvhNode struct {
	min, max    types.Vec3
	left, right int32
	first       int32
	count       int32
}

func (n *bvhNode) isLeaf() bool { return n.count > 0 }

type bvhSplitCandidate struct {
	axis                  int
	splitPoint            float32
	leftCount, rightCount int
	score                 float32
}

type bvhStats struct {
	partitionedItems int
	nodes            int
	leafs            int
	maxDepth         int
}

type bvhBuilder struct {
	logger log.Logger

	// Bvh nodes stored as a contiguous list
	nodes []bvhNode

	leafCb       bvhLeafCallback
	minLeafItems int
	scoreChan    chan bvhSplitCandidate
	stats        bvhStats
}

// Construct a BVH from a set of bounded volumes using SAH for scoring splits:
// score = num_items * node bbox face area. The root node is always at index 0.
func buildBVH(logger log.Logger, workList []boundedVolume, minLeafItems int, leafCb bvhLeafCallback) []bvhNode {
	builder := &bvhBuilder{
		logger:       logger,
		nodes:        make([]bvhNode, 0, 2*len(workList)),
		leafCb:       leafCb,
		minLeafItems: minLeafItems,
		scoreChan:    make(chan bvhSplitCandidate),
	}

	start := time.Now()
	builder.partition(workList, 0)
	builder.logger.Debugf(
		"BVH build time: %d ms, items: %d, maxDepth: %d, nodes: %d, leafs: %d",
		time.Since(start).Nanoseconds()/1e6, len(workList),
		builder.stats.maxDepth, builder.stats.nodes, builder.stats.leafs,
	)
	return builder.nodes
}

// Partition worklist and return node index.
func (b *bvhBuilder) partition(workList []boundedVolume, depth int) int32 {
	if depth > b.stats.maxDepth {
		b.stats.maxDepth = depth
	}

	node := bvhNode{
		min: types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32},
		max: types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32},
	}
	for _, item := range workList {
		itemBBox := item.BBox()
		node.min = types.MinVec3(node.min, itemBBox[0])
		node.max = types.MaxVec3(node.max, itemBBox[1])
	}

	// Reserve the node slot first so the root always lands at index 0
	nodeIndex := int32(len(b.nodes))
	b.nodes = append(b.nodes, node)
	b.stats.nodes++

	if len(workList) <= b.minLeafItems {
		b.createLeaf(nodeIndex, workList)
		return nodeIndex
	}

	side := node.max.Sub(node.min)
	bestScore := float32(len(workList)) * (side[0]*side[1] + side[1]*side[2] + side[0]*side[2])
	var bestSplit *bvhSplitCandidate

	// Score axis split candidates in parallel
	pendingScores := 0
	steps := splitCandidates / (depth + 1)
	if steps < 4 {
		steps = 4
	}
	for axis := 0; axis < 3; axis++ {
		if side[axis] < minSideLength {
			continue
		}
		splitStep := side[axis] / float32(steps)
		for step := 1; step < steps; step++ {
			candidate := bvhSplitCandidate{
				axis:       axis,
				splitPoint: node.min[axis] + float32(step)*splitStep,
			}
			pendingScores++
			go candidate.Score(workList, b.scoreChan)
		}
	}

	for ; pendingScores > 0; pendingScores-- {
		candidate := <-b.scoreChan
		if candidate.score < bestScore {
			bestScore = candidate.score
			c := candidate
			bestSplit = &c
		}
	}

	// If no split improves the current node score create a leaf
	if bestSplit == nil {
		b.createLeaf(nodeIndex, workList)
		return nodeIndex
	}

	leftWorkList := make([]boundedVolume, 0, bestSplit.leftCount)
	rightWorkList := make([]boundedVolume, 0, bestSplit.rightCount)
	for _, item := range workList {
		if item.Center()[bestSplit.axis] < bestSplit.splitPoint {
			leftWorkList = append(leftWorkList, item)
		} else {
			rightWorkList = append(rightWorkList, item)
		}
	}

	left := b.partition(leftWorkList, depth+1)
	right := b.partition(rightWorkList, depth+1)
	b.nodes[nodeIndex].left = left
	b.nodes[nodeIndex].right = right
	return nodeIndex
}

// Calculate the score for splitting the workList with this split candidate
// and report the result to the supplied channel.
func (c bvhSplitCandidate) Score(workList []boundedVolume, resChan chan<- bvhSplitCandidate) {
	lmin := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	rmin := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	lmax := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	rmax := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}

	for _, item := range workList {
		itemBBox := item.BBox()
		if item.Center()[c.axis] < c.splitPoint {
			c.leftCount++
			lmin = types.MinVec3(lmin, itemBBox[0])
			lmax = types.MaxVec3(lmax, itemBBox[1])
		} else {
			c.rightCount++
			rmin = types.MinVec3(rmin, itemBBox[0])
			rmax = types.MaxVec3(rmax, itemBBox[1])
		}
	}

	if c.leftCount == 0 || c.rightCount == 0 {
		c.score = math.MaxFloat32
		resChan <- c
		return
	}

	lside := lmax.Sub(lmin)
	rside := rmax.Sub(rmin)
	c.score = (float32(c.leftCount) * (lside[0]*lside[1] + lside[1]*lside[2] + lside[0]*lside[2])) +
		(float32(c.rightCount) * (rside[0]*rside[1] + rside[1]*rside[2] + rside[0]*rside[2]))
	resChan <- c
}

func (b *bvhBuilder) createLeaf(nodeIndex int32, workList []boundedVolume) {
	b.leafCb(&b.nodes[nodeIndex], workList)
	b.stats.leafs++
	b.stats.partitionedItems += len(workList)
}

// Slab test; returns true if the ray segment [tMin, tMax] overlaps the box.
func intersectAABB(min, max, origin, invDir types.Vec3, tMin, tMax float32) bool {
	for axis := 0; axis < 3; axis++ {
		t0 := (min[axis] - origin[axis]) * invDir[axis]
		t1 := (max[axis] - origin[axis]) * invDir[axis]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		// NaN from 0 * inf means the ray lies in the slab plane
		if t0 > tMin {
			tMin = t0
		}
		if t1 < tMax {
			tMax = t1
		}
		if tMin > tMax {
			return false
		}
	}
	return true
}

func invDirection(d types.Vec3) types.Vec3 {
	var out types.Vec3
	for i := 0; i < 3; i++ {
		if d[i] == 0 {
			out[i] = float32(math.Inf(1))
		} else {
			out[i] = 1 / d[i]
		}
	}
	return out
}

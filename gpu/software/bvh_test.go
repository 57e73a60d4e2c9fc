package software

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/achilleasa/polaris-ddgi/types"
)

type unitBox struct {
	id     int
	center types.Vec3
}

func (b unitBox) BBox() [2]types.Vec3 {
	half := types.XYZ(0.5, 0.5, 0.5)
	return [2]types.Vec3{b.center.Sub(half), b.center.Add(half)}
}

func (b unitBox) Center() types.Vec3 { return b.center }

func TestSplitCandidateScore(t *testing.T) {
	workList := []boundedVolume{
		unitBox{0, types.XYZ(0, 0, 0)},
		unitBox{1, types.XYZ(1, 0, 0)},
		unitBox{2, types.XYZ(10, 0, 0)},
	}

	resChan := make(chan bvhSplitCandidate, 2)
	bvhSplitCandidate{axis: 0, splitPoint: 5}.Score(workList, resChan)
	bvhSplitCandidate{axis: 0, splitPoint: 20}.Score(workList, resChan)

	split := <-resChan
	assert.Equal(t, 2, split.leftCount)
	assert.Equal(t, 1, split.rightCount)
	// left box 2x1x1 holding 2 items, right box 1x1x1 holding 1 item.
	assert.InDelta(t, 2*(2+1+2)+1*(1+1+1), split.score, 1e-5)

	empty := <-resChan
	assert.Equal(t, 3, empty.leftCount)
	assert.Equal(t, float32(math.MaxFloat32), empty.score)
}

func TestBuildBVHPartitionsEveryItemOnce(t *testing.T) {
	var workList []boundedVolume
	for i := 0; i < 16; i++ {
		workList = append(workList, unitBox{i, types.XYZ(float32(3*i), float32(i%2), 0)})
	}

	seen := make(map[int]int)
	leafs := 0
	nodes := buildBVH(log.New("bvh-test"), workList, 2, func(leaf *bvhNode, items []boundedVolume) {
		leafs++
		leaf.count = int32(len(items))
		for _, item := range items {
			seen[item.(unitBox).id]++
		}
	})

	require.NotEmpty(t, nodes)
	assert.Greater(t, len(nodes), 1, "expected separated items to be split")
	assert.Equal(t, 2*leafs-1, len(nodes))
	assert.Len(t, seen, len(workList))
	for id, count := range seen {
		assert.Equal(t, 1, count, "item %d referenced by %d leaves", id, count)
	}

	root := nodes[0]
	assert.Equal(t, types.XYZ(-0.5, -0.5, -0.5), root.min)
	assert.Equal(t, types.XYZ(45.5, 1.5, 0.5), root.max)
	assert.False(t, root.isLeaf())
}

package zset

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedSet_AddReturnsIsNew(t *testing.T) {
	z := New()

	isNew, err := z.Add("alice", 10)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = z.Add("alice", 20)
	require.NoError(t, err)
	assert.False(t, isNew)

	score, ok := z.Score("alice")
	require.True(t, ok)
	assert.Equal(t, 20.0, score)
}

func TestSortedSet_RejectsEmptyMemberAndNaN(t *testing.T) {
	z := New()

	_, err := z.Add("", 1)
	assert.ErrorIs(t, err, ErrEmptyMember)

	_, err = z.Add("m", math.NaN())
	assert.ErrorIs(t, err, ErrNaNScore)
}

// S3 from spec.md §8: ZADD board 10 alice; ZADD board 20 bob;
// ZADD board 15 carol; ZRANGE board 0 -1 WITHSCORES
// => [(alice,10),(carol,15),(bob,20)]
func TestSortedSet_Scenario_Leaderboard(t *testing.T) {
	z := New()
	_, err := z.Add("alice", 10)
	require.NoError(t, err)
	_, err = z.Add("bob", 20)
	require.NoError(t, err)
	_, err = z.Add("carol", 15)
	require.NoError(t, err)

	got := z.RangeByRank(0, -1)
	want := []Member{
		{Name: "alice", Score: 10},
		{Name: "carol", Score: 15},
		{Name: "bob", Score: 20},
	}
	assert.Equal(t, want, got)
}

func TestSortedSet_RankAndRevRank(t *testing.T) {
	z := New()
	_, _ = z.Add("a", 1)
	_, _ = z.Add("b", 2)
	_, _ = z.Add("c", 3)

	assert.Equal(t, 0, z.Rank("a"))
	assert.Equal(t, 2, z.Rank("c"))
	assert.Equal(t, 2, z.RevRank("a"))
	assert.Equal(t, 0, z.RevRank("c"))
	assert.Equal(t, -1, z.Rank("missing"))
}

func TestSortedSet_TieBreakByMemberLex(t *testing.T) {
	z := New()
	_, _ = z.Add("zeta", 5)
	_, _ = z.Add("alpha", 5)
	_, _ = z.Add("mid", 5)

	got := z.RangeByRank(0, -1)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{got[0].Name, got[1].Name, got[2].Name})
}

func TestSortedSet_RangeByRank_NegativeIndicesAndOutOfOrder(t *testing.T) {
	z := New()
	for i := 0; i < 5; i++ {
		_, _ = z.Add(fmt.Sprintf("m%d", i), float64(i))
	}

	assert.Len(t, z.RangeByRank(-2, -1), 2) // last two
	assert.Empty(t, z.RangeByRank(3, 1))    // out of order
	assert.Len(t, z.RangeByRank(0, -1), 5)  // whole set
}

func TestSortedSet_RevRangeByRank(t *testing.T) {
	z := New()
	_, _ = z.Add("a", 1)
	_, _ = z.Add("b", 2)
	_, _ = z.Add("c", 3)

	got := z.RevRangeByRank(0, -1)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].Name, got[1].Name, got[2].Name})
}

func TestSortedSet_RangeByScore(t *testing.T) {
	z := New()
	_, _ = z.Add("a", 1)
	_, _ = z.Add("b", 5)
	_, _ = z.Add("c", 10)

	got := z.RangeByScore(2, 10)
	assert.Equal(t, []string{"b", "c"}, []string{got[0].Name, got[1].Name})
}

func TestSortedSet_IncrBySeedsAbsentMember(t *testing.T) {
	z := New()
	score, err := z.IncrBy("counter", 3.5)
	require.NoError(t, err)
	assert.Equal(t, 3.5, score)

	score, err = z.IncrBy("counter", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, score)
}

func TestSortedSet_RemoveAndCard(t *testing.T) {
	z := New()
	_, _ = z.Add("a", 1)
	_, _ = z.Add("b", 2)

	assert.Equal(t, 2, z.Card())
	assert.True(t, z.Remove("a"))
	assert.False(t, z.Remove("a"))
	assert.Equal(t, 1, z.Card())
}

// Property (spec.md §8.5): range-by-rank(0, card-1) yields members in
// (score asc, member asc) order, no duplicates, length == card.
func TestSortedSet_FullRangeInvariant(t *testing.T) {
	z := New()
	members := []string{"m5", "m1", "m4", "m2", "m3"}
	for i, m := range members {
		_, _ = z.Add(m, float64(len(members)-i))
	}

	got := z.RangeByRank(0, z.Card()-1)
	require.Len(t, got, z.Card())
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		assert.True(t, prev.Score < cur.Score || (prev.Score == cur.Score && prev.Name < cur.Name))
	}
}

func TestSortedSet_ForEachVisitsTotalOrderExactlyOnce(t *testing.T) {
	z := New()
	_, _ = z.Add("b", 2)
	_, _ = z.Add("a", 1)
	_, _ = z.Add("c", 3)

	var seen []string
	z.ForEach(func(m Member) { seen = append(seen, m.Name) })
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package weight

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareLexicographic(t *testing.T) {
	a := Weight{Infinity: 0, Value: 100}
	b := Weight{Infinity: 1, Value: 0}
	require.True(t, Less(a, b), "any finite path must sort before an infinite one")
	require.False(t, Less(b, a))

	c := Weight{Infinity: 0, Value: 5}
	d := Weight{Infinity: 0, Value: 9}
	require.True(t, Less(c, d))
	require.Equal(t, 0, Compare(a, a))
}

func TestTrichotomy(t *testing.T) {
	cases := []Weight{Zero, Unit, Max, {Infinity: 2, Value: 3}, {Infinity: 1, Value: 0}}
	for _, a := range cases {
		for _, b := range cases {
			lt := Less(a, b)
			gt := Less(b, a)
			eq := Equal(a, b)
			count := 0
			for _, v := range []bool{lt, gt, eq} {
				if v {
					count++
				}
			}
			require.Equal(t, 1, count, "exactly one of a<b, a=b, a>b must hold for %v vs %v", a, b)
		}
	}
}

func TestAddSubRoundTrip(t *testing.T) {
	a := Weight{Infinity: 1, Value: 10}
	b := Weight{Infinity: 2, Value: 5}

	sum, ok := Add(a, b)
	require.True(t, ok)

	back, ok := Sub(sum, b)
	require.True(t, ok)
	require.Equal(t, a, back, "(a+b)-b must equal a when a+b does not overflow")
}

func TestAddSaturatesOnOverflow(t *testing.T) {
	a := Weight{Infinity: 0, Value: math.MaxUint64}
	b := Unit
	_, ok := Add(a, b)
	require.False(t, ok)
}

func TestSubUnderflows(t *testing.T) {
	_, ok := Sub(Zero, Unit)
	require.False(t, ok)
}

func TestMustAddPanicsOnOverflow(t *testing.T) {
	require.Panics(t, func() {
		MustAdd(Weight{Value: math.MaxUint64}, Unit)
	})
}

func TestIncrDecrOnlyAffectValue(t *testing.T) {
	w := Weight{Infinity: 4, Value: 1}
	inc := Incr(w)
	require.Equal(t, uint64(4), inc.Infinity)
	require.Equal(t, uint64(2), inc.Value)

	dec := Decr(inc)
	require.Equal(t, w, dec)
}

func TestIsInfinity(t *testing.T) {
	require.False(t, Zero.IsInfinity())
	require.True(t, Weight{Infinity: 1}.IsInfinity())
}

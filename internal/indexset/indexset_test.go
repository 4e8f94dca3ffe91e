package indexset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetBasics(t *testing.T) {
	s := New(3, 1, 2, 3)
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Has(1))
	assert.False(t, s.Has(4))
	assert.Equal(t, []int{1, 2, 3}, s.Sorted())

	var nilSet Set
	assert.False(t, nilSet.Has(0))
}

func TestUnionAndSuperset(t *testing.T) {
	u := Union(New(1, 2, 3), New(4, 5), nil)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, u.Sorted())
	assert.True(t, u.SupersetOf(New(1, 2, 3)))
	assert.False(t, New(1).SupersetOf(New(1, 2)))
}

func TestIntersection(t *testing.T) {
	assert.Equal(t, []int{2, 4}, Intersection(New(1, 2, 4), New(4, 2, 9)))
	assert.Empty(t, Intersection(New(1), New(2)))
}

func TestComplement(t *testing.T) {
	assert.Equal(t, []int{0, 3, 5}, Complement(6, New(1, 2), New(4)))
	assert.Equal(t, []int{0, 1, 2}, Complement(3))
}

package group

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBy_PreservesFirstOccurrenceOrder(t *testing.T) {
	words := []string{"banana", "apple", "blueberry", "cherry", "avocado"}

	groups := By(words, func(s string) string { return s[:1] })

	require.Len(t, groups, 3)
	assert.Equal(t, "b", groups[0].Key)
	assert.Equal(t, []string{"banana", "blueberry"}, groups[0].Items)
	assert.Equal(t, "a", groups[1].Key)
	assert.Equal(t, []string{"apple", "avocado"}, groups[1].Items)
	assert.Equal(t, "c", groups[2].Key)
}

func TestBy_Empty(t *testing.T) {
	assert.Empty(t, By([]int(nil), func(i int) int { return i }))
}

func TestChunk(t *testing.T) {
	items := strings.Split("abcdefg", "")

	tests := []struct {
		size int
		want []int
	}{
		{3, []int{3, 3, 1}},
		{7, []int{7}},
		{500, []int{7}},
		{1, []int{1, 1, 1, 1, 1, 1, 1}},
		{0, []int{7}},
		{-1, []int{7}},
	}
	for _, tt := range tests {
		chunks := Chunk(items, tt.size)
		var sizes []int
		var joined string
		for _, c := range chunks {
			sizes = append(sizes, len(c))
			joined += strings.Join(c, "")
		}
		assert.Equal(t, tt.want, sizes, "size %d", tt.size)
		assert.Equal(t, "abcdefg", joined)
	}

	assert.Nil(t, Chunk([]int{}, 10))
}

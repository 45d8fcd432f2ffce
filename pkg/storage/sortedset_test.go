package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedBlackTree(t *testing.T) {
	t.Run("empty_tree", func(t *testing.T) {
		tree := NewSortedSet()
		assert.Empty(t, tree.Min())
		assert.Empty(t, tree.Max())
		assert.Equal(t, []string{}, tree.Values())
		assert.Equal(t, 0, tree.Size())
		assert.False(t, tree.Exists("1"))
	})

	t.Run("non-empty_tree", func(t *testing.T) {
		tree := NewSortedSet("3", "2", "1")

		assert.Equal(t, "1", tree.Min())
		assert.Equal(t, "3", tree.Max())
		assert.Equal(t, []string{"1", "2", "3"}, tree.Values())
		assert.Equal(t, 3, tree.Size())
		assert.True(t, tree.Exists("1"))
		assert.True(t, tree.Exists("2"))
		assert.True(t, tree.Exists("3"))
		assert.False(t, tree.Exists("4"))
	})

	t.Run("values_after", func(t *testing.T) {
		tree := NewSortedSet("1", "2", "3", "4", "5")

		assert.Equal(t, []string{"3", "4"}, tree.ValuesAfter("2", 2))
		assert.Equal(t, []string{"1", "2", "3", "4", "5"}, tree.ValuesAfter("", 0))
		assert.Nil(t, tree.ValuesAfter("5", 10))
	})
}

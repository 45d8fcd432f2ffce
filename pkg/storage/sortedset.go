package storage

import "github.com/emirpasic/gods/trees/redblacktree"

// SortedSet stores a set (no duplicates allowed) of string IDs in memory
// in a way that also provides fast sorted access. The memory datastore uses
// it to page through ULID-ordered event IDs.
type SortedSet interface {
	Size() int
	Min() string
	Max() string
	Add(key string)
	Exists(key string) bool
	Values() []string

	// ValuesAfter returns up to limit keys strictly greater than from, in
	// ascending order. An empty from starts at the smallest key; limit <= 0
	// means no cap.
	ValuesAfter(from string, limit int) []string
}

type RedBlackTreeSet struct {
	inner *redblacktree.Tree
}

var _ SortedSet = (*RedBlackTreeSet)(nil)

func NewSortedSet(keys ...string) *RedBlackTreeSet {
	c := &RedBlackTreeSet{
		inner: redblacktree.NewWithStringComparator(),
	}
	for _, key := range keys {
		c.Add(key)
	}
	return c
}

func (r *RedBlackTreeSet) Min() string {
	node := r.inner.Left()
	if node == nil {
		return ""
	}
	return node.Key.(string)
}

func (r *RedBlackTreeSet) Max() string {
	node := r.inner.Right()
	if node == nil {
		return ""
	}
	return node.Key.(string)
}

func (r *RedBlackTreeSet) Add(key string) {
	r.inner.Put(key, nil)
}

func (r *RedBlackTreeSet) Exists(key string) bool {
	_, ok := r.inner.Get(key)
	return ok
}

func (r *RedBlackTreeSet) Size() int {
	return r.inner.Size()
}

func (r *RedBlackTreeSet) Values() []string {
	values := make([]string, 0, r.inner.Size())
	for _, v := range r.inner.Keys() {
		values = append(values, v.(string))
	}
	return values
}

func (r *RedBlackTreeSet) ValuesAfter(from string, limit int) []string {
	var values []string
	it := r.inner.Iterator()
	for it.Next() {
		key := it.Key().(string)
		if from != "" && key <= from {
			continue
		}
		values = append(values, key)
		if limit > 0 && len(values) == limit {
			break
		}
	}
	return values
}

package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func newFilterTestCache() *ListCache {
	cache := NewListCache("list-1")
	cache.SpeculateInsert(map[string]any{
		"id":       "item-1",
		"name":     "Milk",
		"quantity": float64(2),
		"category": map[string]any{"id": "cat-dairy", "name": "Dairy"},
	})
	cache.SpeculateInsert(map[string]any{
		"id":         "item-2",
		"name":       "Apples",
		"quantity":   float64(6),
		"is_checked": true,
		"category":   map[string]any{"id": "cat-produce", "name": "Produce"},
	})
	cache.SpeculateInsert(map[string]any{
		"id":   "item-3",
		"name": "Batteries",
	})
	return cache
}

func TestItemFilter(t *testing.T) {
	cache := newFilterTestCache()

	filter, err := CompileItemFilter(`category == "Produce"`)
	assert.Equal(t, err, nil)
	matched := filter.FilterItems(cache.SortedItems())
	assert.Equal(t, len(matched), 1)
	assert.Equal(t, matched[0].Id, "item-2")

	filter, err = CompileItemFilter(`!isChecked && quantity < 3`)
	assert.Equal(t, err, nil)
	matched = filter.FilterItems(cache.SortedItems())
	assert.Equal(t, len(matched), 2)
	assert.Equal(t, matched[0].Id, "item-3")
	assert.Equal(t, matched[1].Id, "item-1")

	// the sentinel category is addressable by id
	filter, err = CompileItemFilter(`categoryId == "uncategorized"`)
	assert.Equal(t, err, nil)
	matched = filter.FilterItems(cache.SortedItems())
	assert.Equal(t, len(matched), 1)
	assert.Equal(t, matched[0].Id, "item-3")
}

func TestItemFilterUnknownKeys(t *testing.T) {
	cache := newFilterTestCache()
	item, ok := cache.Get("item-1")
	assert.Equal(t, ok, true)

	// unknown fields evaluate as nil, not an error
	filter, err := CompileItemFilter(`brand == nil`)
	assert.Equal(t, err, nil)
	assert.Equal(t, filter.Matches(item), true)

	// a non bool result does not match
	filter, err = CompileItemFilter(`quantity`)
	assert.Equal(t, err, nil)
	assert.Equal(t, filter.Matches(item), false)
}

func TestItemFilterCompileError(t *testing.T) {
	_, err := CompileItemFilter(`&&&`)
	assert.NotEqual(t, err, nil)
}

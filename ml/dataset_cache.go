package ml

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DatasetCache remembers the sliding windows built over one scaled series,
// keyed by window size, so grid combinations sharing a window size reuse
// them.
type DatasetCache struct {
	series []float64
	cache  *lru.Cache[int, Windows]
}

func NewDatasetCache(series []float64, size int) (*DatasetCache, error) {
	if size <= 0 {
		size = 4
	}
	cache, err := lru.New[int, Windows](size)
	if err != nil {
		return nil, fmt.Errorf("dataset cache: %w", err)
	}
	return &DatasetCache{series: series, cache: cache}, nil
}

func (c *DatasetCache) Windows(windowSize int) (Windows, error) {
	if w, ok := c.cache.Get(windowSize); ok {
		return w, nil
	}
	w, err := Slide(c.series, windowSize)
	if err != nil {
		return Windows{}, err
	}
	c.cache.Add(windowSize, w)
	return w, nil
}

func (c *DatasetCache) Len() int {
	return c.cache.Len()
}

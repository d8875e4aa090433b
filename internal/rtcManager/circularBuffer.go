package rtcManager

import (
	"sync"
)

// qualityHistory keeps the most recent quality samples in a fixed ring.
type qualityHistory struct {
	mu       sync.RWMutex
	data     []QualitySample
	capacity int
	size     int
	head     int // next write position
}

func newQualityHistory(capacity int) *qualityHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &qualityHistory{
		data:     make([]QualitySample, capacity),
		capacity: capacity,
	}
}

func (h *qualityHistory) Add(sample QualitySample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.data[h.head] = sample
	h.head = (h.head + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

// Recent returns up to n samples, newest first.
func (h *qualityHistory) Recent(n int) []QualitySample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n = max(0, min(n, h.size))
	result := make([]QualitySample, n)
	pos := (h.head - 1 + h.capacity) % h.capacity
	for i := 0; i < n; i++ {
		result[i] = h.data[pos]
		pos = (pos - 1 + h.capacity) % h.capacity
	}
	return result
}

func (h *qualityHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.size = 0
	h.head = 0
}

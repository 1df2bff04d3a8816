package stats

import (
	"sync"
)

// Stats 按操作名计数（query 层每个入口调用一次）。
type Stats struct {
	statsLock sync.RWMutex
	calls     map[string]uint64
	failures  map[string]uint64
}

func NewStats() *Stats {
	return &Stats{
		calls:    make(map[string]uint64),
		failures: make(map[string]uint64),
	}
}

// 记录一次调用，err 非空时同时计失败
func (h *Stats) RecordCall(op string, err error) {
	if h == nil {
		return
	}
	h.statsLock.Lock()
	defer h.statsLock.Unlock()

	h.calls[op]++
	if err != nil {
		h.failures[op]++
	}
}

// CallCounts returns copies of the per-operation call and failure counts.
func (h *Stats) CallCounts() (calls, failures map[string]uint64) {
	h.statsLock.RLock()
	defer h.statsLock.RUnlock()

	calls = make(map[string]uint64, len(h.calls))
	for op, n := range h.calls {
		calls[op] = n
	}
	failures = make(map[string]uint64, len(h.failures))
	for op, n := range h.failures {
		failures[op] = n
	}
	return calls, failures
}

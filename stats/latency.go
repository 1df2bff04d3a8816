package stats

import (
	"slices"
	"sync"
	"time"
)

// LatencySummary 单个操作的延迟分位统计
type LatencySummary struct {
	Count uint64        `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// window keeps the most recent samples of one operation. Count and Max
// cover every sample since the last reset, the percentiles only the window.
type window struct {
	buf   []time.Duration
	next  int
	full  bool
	count uint64
	max   time.Duration
}

func (w *window) add(d time.Duration) {
	w.buf[w.next] = d
	w.next++
	if w.next == len(w.buf) {
		w.next, w.full = 0, true
	}
	w.count++
	w.max = max(w.max, d)
}

func (w *window) sorted() []time.Duration {
	n := w.next
	if w.full {
		n = len(w.buf)
	}
	out := slices.Clone(w.buf[:n])
	slices.Sort(out)
	return out
}

func (w *window) reset() {
	w.next, w.full, w.count, w.max = 0, false, 0, 0
}

// LatencyRecorder 按操作名记录调用耗时，每个操作保留固定数量的最近样本。
// nil *LatencyRecorder 可直接使用，所有方法都是空操作。
type LatencyRecorder struct {
	mu       sync.Mutex
	capacity int
	ops      map[string]*window
}

func NewLatencyRecorder(capacity int) *LatencyRecorder {
	if capacity <= 0 {
		capacity = 2048
	}
	return &LatencyRecorder{capacity: capacity, ops: make(map[string]*window)}
}

// Since records the time elapsed from start under op.
func (r *LatencyRecorder) Since(op string, start time.Time) {
	r.Record(op, time.Since(start))
}

func (r *LatencyRecorder) Record(op string, d time.Duration) {
	if r == nil || op == "" {
		return
	}
	d = max(d, 0)

	r.mu.Lock()
	w := r.ops[op]
	if w == nil {
		w = &window{buf: make([]time.Duration, r.capacity)}
		r.ops[op] = w
	}
	w.add(d)
	r.mu.Unlock()
}

// Snapshot 返回各操作的分位统计；reset 为 true 时随后清空（区间监控用）。
// 自上次清空后没有样本的操作不出现在结果里。
func (r *LatencyRecorder) Snapshot(reset bool) map[string]LatencySummary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]LatencySummary, len(r.ops))
	for op, w := range r.ops {
		if s := w.sorted(); len(s) > 0 {
			out[op] = LatencySummary{
				Count: w.count,
				P50:   quantile(s, 0.50),
				P95:   quantile(s, 0.95),
				P99:   quantile(s, 0.99),
				Max:   w.max,
			}
		}
		if reset {
			w.reset()
		}
	}
	return out
}

// quantile picks the sample at rank floor((n-1)*q) of an ascending slice.
func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	q = min(max(q, 0), 1)
	return sorted[int(float64(len(sorted)-1)*q)]
}

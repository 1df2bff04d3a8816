package changes

import (
	"bytes"
	"container/heap"
	"io"
)

type mergeItem struct {
	entry Entry
	src   int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].entry.AccountID != h[j].entry.AccountID {
		return h[i].entry.AccountID < h[j].entry.AccountID
	}
	if c := bytes.Compare(h[i].entry.Key, h[j].entry.Key); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// MergeChangesFiles k-way merges several change-index files into out. Change
// lists of a key present in more than one input are merged newest first
// with duplicates removed.
func MergeChangesFiles(out io.Writer, inputs ...*Reader) error {
	its := make([]*iterator, len(inputs))
	h := make(mergeHeap, 0, len(inputs))
	for i, r := range inputs {
		its[i] = newIterator(r, 0)
		e, ok, err := its[i].next()
		if err != nil {
			return err
		}
		if ok {
			h = append(h, mergeItem{entry: e, src: i})
		}
	}
	heap.Init(&h)

	w := NewWriter(out)
	for h.Len() > 0 {
		top := heap.Pop(&h).(mergeItem)
		acc := top.entry
		merged := [][]uint64{acc.Changes}
		if err := advance(&h, its, top.src); err != nil {
			return err
		}
		for h.Len() > 0 && h[0].entry.AccountID == acc.AccountID && bytes.Equal(h[0].entry.Key, acc.Key) {
			same := heap.Pop(&h).(mergeItem)
			merged = append(merged, same.entry.Changes)
			if err := advance(&h, its, same.src); err != nil {
				return err
			}
		}
		if err := w.Add(acc.AccountID, acc.Key, mergeDesc(merged...)); err != nil {
			return err
		}
	}
	return w.Close()
}

func advance(h *mergeHeap, its []*iterator, src int) error {
	e, ok, err := its[src].next()
	if err != nil {
		return err
	}
	if ok {
		heap.Push(h, mergeItem{entry: e, src: src})
	}
	return nil
}

// mergeDesc merges descending lists into one descending list without
// duplicates.
func mergeDesc(lists ...[]uint64) []uint64 {
	if len(lists) == 1 {
		return lists[0]
	}
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	out := make([]uint64, 0, total)
	pos := make([]int, len(lists))
	for {
		best := -1
		for i, l := range lists {
			if pos[i] < len(l) && (best < 0 || l[pos[i]] > lists[best][pos[best]]) {
				best = i
			}
		}
		if best < 0 {
			return out
		}
		v := lists[best][pos[best]]
		pos[best]++
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
}

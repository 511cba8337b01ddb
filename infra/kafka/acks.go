package kafka

import (
	"sort"
	"sync"
)

// AckTracker turns out-of-order completions into safe commit points.
// Lanes of different symbols share partitions, so a later offset may finish
// before an earlier one; only the highest offset below which everything is
// done may be committed.
type AckTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionAcks
}

type partitionAcks struct {
	inflight []int64
	done     map[int64]bool
}

func NewAckTracker() *AckTracker {
	return &AckTracker{partitions: make(map[int]*partitionAcks)}
}

// Track registers a fetched offset.
func (t *AckTracker) Track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		p = &partitionAcks{done: make(map[int64]bool)}
		t.partitions[partition] = p
	}
	n := len(p.inflight)
	if n == 0 || p.inflight[n-1] < offset {
		p.inflight = append(p.inflight, offset)
		return
	}
	i := sort.Search(n, func(i int) bool { return p.inflight[i] >= offset })
	if i < n && p.inflight[i] == offset {
		return
	}
	p.inflight = append(p.inflight, 0)
	copy(p.inflight[i+1:], p.inflight[i:])
	p.inflight[i] = offset
}

// Done marks offset finished and returns the highest committable offset,
// if the contiguous prefix advanced.
func (t *AckTracker) Done(partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		return 0, false
	}
	p.done[offset] = true

	commit, advanced := int64(0), false
	for len(p.inflight) > 0 && p.done[p.inflight[0]] {
		commit, advanced = p.inflight[0], true
		delete(p.done, p.inflight[0])
		p.inflight = p.inflight[1:]
	}
	return commit, advanced
}

// Pending counts offsets fetched but not yet committable.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.partitions {
		n += len(p.inflight)
	}
	return n
}

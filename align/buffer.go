package align

import (
	"sync"

	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/metrics"
)

// Snapshot is one cross-device, index-aligned bundle of samples. A nil value
// means the device had nothing for that index.
type Snapshot map[string][]byte

// Buffer joins asynchronous, possibly lossy per-device sample streams into
// ordered snapshots. Per device it keeps a nil-padded queue of samples keyed
// by logical index relative to one shared read cursor; one mutex covers every
// push and the pop so the consumer always observes a consistent cross-device
// state.
type Buffer struct {
	mu        sync.Mutex
	queues    map[string][][]byte
	cursor    uint64
	staleness int
	drained   bool
	logger    *zap.Logger
}

// NewBuffer builds a buffer for the given devices. staleness is the number of
// buffered timesteps tolerated from a healthy device while another device
// stays silent before alignment gives up waiting for it.
func NewBuffer(devices []string, staleness int, logger *zap.Logger) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	queues := make(map[string][][]byte, len(devices))
	for _, d := range devices {
		queues[d] = nil
	}
	return &Buffer{
		queues:    queues,
		staleness: staleness,
		logger:    logger,
	}
}

// Plop inserts a sample at its logical index. Samples below the read cursor
// arrived after their snapshot was emitted and are dropped; a slot already
// holding a sample keeps its first value. Returns false on either drop.
func (b *Buffer) Plop(device string, sample []byte, index uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := b.queues[device]
	if !ok {
		return false
	}
	if index < b.cursor {
		metrics.LateSamples.WithLabelValues(device).Inc()
		b.logger.Warn("late sample dropped",
			zap.String("device", device),
			zap.Uint64("sample_index", index),
			zap.Uint64("read_cursor", b.cursor))
		return false
	}

	offset := int(index - b.cursor)
	if offset < len(queue) {
		if queue[offset] != nil {
			return false
		}
		queue[offset] = sample
		return true
	}
	for len(queue) < offset {
		queue = append(queue, nil)
	}
	b.queues[device] = append(queue, sample)
	return true
}

// Yeet pops the next aligned snapshot, or returns false when alignment is not
// yet possible (the caller polls again; Yeet never blocks). While running, a
// snapshot is emitted once every queue holds an entry, or once a stalled
// device would otherwise hold back a healthy one with a full staleness window
// buffered. Once isRunning is false the buffer drains unconditionally until
// every queue is empty, then reports false forever.
func (b *Buffer) Yeet(isRunning bool) (Snapshot, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.drained {
		return nil, 0, false
	}
	if !b.ready(isRunning) {
		if !isRunning {
			b.drained = true
		}
		return nil, 0, false
	}

	snapshot := make(Snapshot, len(b.queues))
	for device, queue := range b.queues {
		if len(queue) == 0 {
			snapshot[device] = nil
			metrics.NullSlots.WithLabelValues(device).Inc()
			continue
		}
		if queue[0] == nil {
			metrics.NullSlots.WithLabelValues(device).Inc()
		}
		snapshot[device] = queue[0]
		b.queues[device] = queue[1:]
	}
	index := b.cursor
	b.cursor++
	metrics.SnapshotsEmitted.Inc()
	return snapshot, index, true
}

func (b *Buffer) ready(isRunning bool) bool {
	if !isRunning {
		for _, queue := range b.queues {
			if len(queue) > 0 {
				return true
			}
		}
		return false
	}
	full := true
	empty, stale := false, false
	for _, queue := range b.queues {
		switch {
		case len(queue) == 0:
			full = false
			empty = true
		case len(queue) >= b.staleness:
			stale = true
		}
	}
	return full || (stale && empty)
}

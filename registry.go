package tasklet

import (
	"sync"
	"weak"
)

// registry maps task IDs to live tasks, for lookup and for unwinding parked
// tasks at termination. Entries hold weak pointers, and a ring of IDs is
// swept incrementally to drop entries whose task completed or was collected
// without an explicit remove.
type registry struct {
	data map[uint64]weak.Pointer[Task]
	// ring is a circular buffer of IDs, zero marks a removed slot.
	ring []uint64
	// head is the scavenger's cursor into ring.
	head int
	mu   sync.RWMutex
	// scavengeMu serializes scavenge passes.
	scavengeMu sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		data: make(map[uint64]weak.Pointer[Task]),
		ring: make([]uint64, 0, 1024),
	}
}

func (r *registry) add(t *Task) {
	id := t.id.Load()
	wp := weak.Make(t)
	r.mu.Lock()
	r.data[id] = wp
	r.ring = append(r.ring, id)
	r.mu.Unlock()
}

// remove drops id. Its ring slot is left for the scavenger.
func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

// lookup returns the live incarnation with the given id.
func (r *registry) lookup(id uint64) *Task {
	r.mu.RLock()
	wp, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	t := wp.Value()
	if t == nil || t.id.Load() != id || t.Status() == StatusZombie {
		return nil
	}
	return t
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// scavenge checks up to batchSize ring slots, removing stale entries, and
// compacts the ring once per full cycle if it is mostly empty.
func (r *registry) scavenge(batchSize int) int {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return 0
	}

	type item struct {
		wp  weak.Pointer[Task]
		id  uint64
		idx int
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return 0
	}
	start := r.head
	end := min(start+batchSize, ringLen)
	items := make([]item, 0, end-start)
	var dangling []int
	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			items = append(items, item{wp: wp, id: id, idx: i})
		} else {
			dangling = append(dangling, i)
		}
	}
	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	// checks happen outside the lock
	var stale []item
	for _, it := range items {
		t := it.wp.Value()
		if t == nil || t.id.Load() != it.id || t.Status() == StatusZombie {
			stale = append(stale, it)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range stale {
		delete(r.data, it.id)
		dangling = append(dangling, it.idx)
	}
	for _, idx := range dangling {
		if idx < len(r.ring) {
			r.ring[idx] = 0
		}
	}
	r.head = nextHead
	if nextHead == 0 && len(r.ring) > 256 && len(r.data) < len(r.ring)/4 {
		r.compactLocked()
	}
	return len(stale)
}

// compactLocked drops removed slots, and rebuilds the map to release its
// buckets. Must be called with mu held.
func (r *registry) compactLocked() {
	ring := make([]uint64, 0, len(r.data))
	data := make(map[uint64]weak.Pointer[Task], len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			ring = append(ring, id)
			data[id] = wp
		}
	}
	r.ring = ring
	r.data = data
	r.head = 0
}

// killAll unwinds every registered task that has not completed, returning
// the number killed. Only safe once no carrier can resume them.
func (r *registry) killAll() int {
	r.mu.Lock()
	data := r.data
	r.data = make(map[uint64]weak.Pointer[Task])
	r.ring = r.ring[:0]
	r.head = 0
	r.mu.Unlock()

	n := 0
	for id, wp := range data {
		t := wp.Value()
		if t == nil || t.id.Load() != id || t.Status() == StatusZombie {
			continue
		}
		t.kill()
		n++
	}
	return n
}

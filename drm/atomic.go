package drm

import "sort"

type atomicItem struct {
	object   uint32
	property uint32
	value    uint64
	seq      int
}

// AtomicRequest accumulates property updates for a single atomic commit.
type AtomicRequest struct {
	items []atomicItem
}

// NewAtomicRequest returns an empty request.
func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{}
}

// Add queues object.property = value. A later Add of the same pair wins.
func (r *AtomicRequest) Add(object, property uint32, value uint64) {
	r.items = append(r.items, atomicItem{object: object, property: property, value: value, seq: len(r.items)})
}

// Len returns the number of queued updates, duplicates included.
func (r *AtomicRequest) Len() int { return len(r.items) }

// Reset drops every queued update.
func (r *AtomicRequest) Reset() { r.items = r.items[:0] }

// Value returns the value queued for object.property.
func (r *AtomicRequest) Value(object, property uint32) (uint64, bool) {
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].object == object && r.items[i].property == property {
			return r.items[i].value, true
		}
	}
	return 0, false
}

// pack flattens the request into the four arrays the ATOMIC ioctl expects:
// objects, per-object property counts, property ids and values. Updates are
// grouped by object in ascending id order.
func (r *AtomicRequest) pack() (objs, counts, props []uint32, values []uint64) {
	items := make([]atomicItem, len(r.items))
	copy(items, r.items)
	sort.Slice(items, func(i, j int) bool {
		if items[i].object != items[j].object {
			return items[i].object < items[j].object
		}
		if items[i].property != items[j].property {
			return items[i].property < items[j].property
		}
		return items[i].seq < items[j].seq
	})

	for i := 0; i < len(items); i++ {
		it := items[i]
		if i+1 < len(items) && items[i+1].object == it.object && items[i+1].property == it.property {
			continue
		}
		if len(objs) == 0 || objs[len(objs)-1] != it.object {
			objs = append(objs, it.object)
			counts = append(counts, 0)
		}
		counts[len(counts)-1]++
		props = append(props, it.property)
		values = append(values, it.value)
	}
	return objs, counts, props, values
}

// SPDX-License-Identifier: GPL-2.0-only

package bridge

// queue is an insertion ordered collection with removal by identity. The
// front of the queue has the highest matching priority.
type queue[K comparable, V any] struct {
	items []V
	key   func(V) K
}

func (q *queue[K, V]) Len() int {
	return len(q.items)
}

func (q *queue[K, V]) Push(v V) {
	q.items = append(q.items, v)
}

func (q *queue[K, V]) Contains(k K) bool {
	_, ok := q.index(k)
	return ok
}

func (q *queue[K, V]) index(k K) (int, bool) {
	for i, item := range q.items {
		if q.key(item) == k {
			return i, true
		}
	}
	return 0, false
}

func (q *queue[K, V]) Remove(k K) (V, bool) {
	var zero V
	i, ok := q.index(k)
	if !ok {
		return zero, false
	}
	v := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return v, true
}

func (q *queue[K, V]) PopFront() (V, bool) {
	var zero V
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *queue[K, V]) Items() []V {
	out := make([]V, len(q.items))
	copy(out, q.items)
	return out
}

// PeripheralRegistry holds attached, unpaired tuning adapters.
type PeripheralRegistry struct {
	queue[PeripheralID, Peripheral]
}

func newPeripheralRegistry() *PeripheralRegistry {
	return &PeripheralRegistry{queue[PeripheralID, Peripheral]{
		key: func(p Peripheral) PeripheralID { return p.ID() },
	}}
}

// EndpointRegistry holds visible, unpaired secure containers.
type EndpointRegistry struct {
	queue[string, Endpoint]
}

func newEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{queue[string, Endpoint]{
		key: func(e Endpoint) string { return e.UDN },
	}}
}

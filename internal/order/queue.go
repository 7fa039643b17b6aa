// queue.go is the priority queue feeding broker submission. Lower key
// submits first:
//
//	base 100, MARKET −20, SELL −5, per-strategy override ±10
//
// Orders tying on key leave FIFO by created_ts.
package order

import (
	"container/heap"

	"qb-trader/pkg/types"
)

const (
	basePriority  = 100
	marketBoost   = -20
	sellBoost     = -5
	overrideBound = 10
)

// priorityKey computes the ordering key for one order. The strategy
// override is clamped to ±10.
func priorityKey(o *types.Order, strategyPriority map[string]int) int {
	key := basePriority
	if o.Type == types.OrderTypeMarket {
		key += marketBoost
	}
	if o.Side == types.SELL {
		key += sellBoost
	}
	if ov, ok := strategyPriority[o.Strategy]; ok {
		if ov > overrideBound {
			ov = overrideBound
		}
		if ov < -overrideBound {
			ov = -overrideBound
		}
		key += ov
	}
	return key
}

type queueItem struct {
	order *types.Order
	key   int
	seq   uint64 // insertion order, breaks created_ts collisions deterministically
	index int
}

type orderHeap []*queueItem

func (h orderHeap) Len() int { return len(h) }

func (h orderHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	if !h[i].order.CreatedTS.Equal(h[j].order.CreatedTS) {
		return h[i].order.CreatedTS.Before(h[j].order.CreatedTS)
	}
	return h[i].seq < h[j].seq
}

func (h orderHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *orderHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *orderHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// queue is the submission queue. Not safe for concurrent use; the engine
// serializes access under its own lock.
type queue struct {
	heap             orderHeap
	byID             map[string]*queueItem
	strategyPriority map[string]int
	seq              uint64
}

func newQueue(strategyPriority map[string]int) *queue {
	return &queue{
		byID:             make(map[string]*queueItem),
		strategyPriority: strategyPriority,
	}
}

func (q *queue) push(o *types.Order) {
	q.seq++
	item := &queueItem{order: o, key: priorityKey(o, q.strategyPriority), seq: q.seq}
	heap.Push(&q.heap, item)
	q.byID[o.ID] = item
}

// pop removes and returns the highest-priority order, nil when empty.
func (q *queue) pop() *types.Order {
	if q.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byID, item.order.ID)
	return item.order
}

// remove drops a queued order by id, e.g. on expiry.
func (q *queue) remove(id string) *types.Order {
	item, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, id)
	return item.order
}

func (q *queue) len() int { return q.heap.Len() }

// queued returns the queued orders in no particular order.
func (q *queue) queued() []*types.Order {
	out := make([]*types.Order, 0, len(q.byID))
	for _, item := range q.byID {
		out = append(out, item.order)
	}
	return out
}

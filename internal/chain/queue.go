package chain

import "github.com/tinyrange/tracejit/internal/vm"

// DefaultQueueSize is the patch queue capacity when none is configured.
const DefaultQueueSize = 64

// EnqueueResult is the outcome of PatchQueue.Enqueue.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	DroppedFull
)

func (r EnqueueResult) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "dropped-full"
}

// WorkOrder is a deferred predicted cell rewrite. The class is carried by
// identity and re-resolved at the safepoint that applies the order.
type WorkOrder struct {
	Cell    PredictedCell
	Content PredictedContent
	Class   vm.ClassIdentity
}

// PatchQueue is a bounded FIFO of work orders. Orders that do not fit are
// dropped; the caller falls back to the slow path either way.
type PatchQueue struct {
	orders chan WorkOrder
}

func NewPatchQueue(size int) *PatchQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &PatchQueue{orders: make(chan WorkOrder, size)}
}

func (q *PatchQueue) Enqueue(o WorkOrder) EnqueueResult {
	select {
	case q.orders <- o:
		return Accepted
	default:
		return DroppedFull
	}
}

func (q *PatchQueue) Len() int { return len(q.orders) }

func (q *PatchQueue) Cap() int { return cap(q.orders) }

// Drain removes and returns every queued order in arrival order.
func (q *PatchQueue) Drain() []WorkOrder {
	var out []WorkOrder
	for {
		select {
		case o := <-q.orders:
			out = append(out, o)
		default:
			return out
		}
	}
}

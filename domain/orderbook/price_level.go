package orderbook

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceLevel is a FIFO queue at a single price, ordered by Seq.
type PriceLevel struct {
	Price decimal.Decimal

	head *Order
	tail *Order

	TotalQty   decimal.Decimal
	OrderCount int
}

// Enqueue links o keeping Seq order. The common case (o newer than every
// resting order) is a tail append; recovery inserts walk back from the tail.
func (p *PriceLevel) Enqueue(o *Order) {
	o.level = p
	p.TotalQty = p.TotalQty.Add(o.Remaining())
	p.OrderCount++

	at := p.tail
	for at != nil && at.Seq > o.Seq {
		at = at.prev
	}

	if at == nil {
		o.prev = nil
		o.next = p.head
		if p.head != nil {
			p.head.prev = o
		}
		p.head = o
		if p.tail == nil {
			p.tail = o
		}
		return
	}

	o.prev = at
	o.next = at.next
	if at.next != nil {
		at.next.prev = o
	} else {
		p.tail = o
	}
	at.next = o
}

// Unlink removes o from the level. It is a no-op for orders that are not
// linked here.
func (p *PriceLevel) Unlink(o *Order) bool {
	if o == nil || o.level != p {
		return false
	}
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}

	p.TotalQty = p.TotalQty.Sub(o.Remaining())
	p.OrderCount--

	o.next, o.prev, o.level = nil, nil, nil
	return true
}

// Reduce accounts for a partial fill of a resting order in this level.
func (p *PriceLevel) Reduce(qty decimal.Decimal) {
	p.TotalQty = p.TotalQty.Sub(qty)
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// Head is a read-only helper.
func (p *PriceLevel) Head() *Order {
	return p.head
}

func (p *PriceLevel) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s x %s [", p.Price, p.TotalQty)
	for o := p.head; o != nil; o = o.next {
		if o != p.head {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s#%d:%s", o.ID, o.Seq, o.Remaining())
	}
	sb.WriteString("]")
	return sb.String()
}

package snapshot

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bourse/domain/orderbook"
)

// Snapshot is immutable once published.
type Snapshot struct {
	orderbook.Depth
	TradeSeq uint64
	Taken    time.Time
}

// Take copies the top levels of book.
func Take(book *orderbook.OrderBook, levels int) *Snapshot {
	return &Snapshot{
		Depth:    book.Depth(levels),
		TradeSeq: book.TradeSeq(),
		Taken:    time.Now().UTC(),
	}
}

type Registry struct {
	mu    sync.RWMutex
	books map[string]*atomic.Pointer[Snapshot]
}

func NewRegistry() *Registry {
	return &Registry{books: make(map[string]*atomic.Pointer[Snapshot])}
}

func (r *Registry) slot(symbol string) *atomic.Pointer[Snapshot] {
	r.mu.RLock()
	p, ok := r.books[symbol]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.books[symbol]; !ok {
		p = new(atomic.Pointer[Snapshot])
		r.books[symbol] = p
	}
	return p
}

// Publish replaces the symbol's snapshot. Older trade sequences never
// overwrite newer ones.
func (r *Registry) Publish(s *Snapshot) {
	p := r.slot(s.Symbol)
	for {
		cur := p.Load()
		if cur != nil && cur.TradeSeq > s.TradeSeq {
			return
		}
		if p.CompareAndSwap(cur, s) {
			return
		}
	}
}

func (r *Registry) Get(symbol string) (*Snapshot, bool) {
	r.mu.RLock()
	p, ok := r.books[symbol]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s := p.Load()
	return s, s != nil
}

func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.books))
	for sym := range r.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

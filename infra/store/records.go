package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// DeadLetter is a match event that exhausted its retry budget or could not
// be parsed.
type DeadLetter struct {
	OriginalPayload string    `json:"originalPayload"`
	Reason          string    `json:"reason"`
	Attempts        int       `json:"attempts"`
	FirstFailure    time.Time `json:"firstFailure"`
	LastFailure     time.Time `json:"lastFailure"`
}

// Gap is a period the feed was not connected for a symbol.
type Gap struct {
	Symbol string    `json:"symbol"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

var deadSeq atomic.Uint64

// PutDeadLetter keeps a local copy of a dead-lettered event.
func (s *Store) PutDeadLetter(_ context.Context, d DeadLetter) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	k := key("dlq", millisPart(d.LastFailure.UnixMilli()), seqPart(deadSeq.Add(1)))
	return s.db.Set(k, data, pebble.Sync)
}

// DeadLetters returns up to limit records, oldest first.
func (s *Store) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	it, err := prefixIter(s.db, key("dlq", ""))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []DeadLetter
	for it.First(); it.Valid() && (limit <= 0 || len(out) < limit); it.Next() {
		var d DeadLetter
		if err := json.Unmarshal(it.Value(), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, it.Error()
}

func gapKey(g Gap) []byte {
	return key("gap", g.Symbol, millisPart(g.From.UnixMilli()))
}

// RecordGap stores a coverage hole for later backfill.
func (s *Store) RecordGap(_ context.Context, g Gap) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.db.Set(gapKey(g), data, pebble.Sync)
}

func (s *Store) PendingGaps(_ context.Context) ([]Gap, error) {
	it, err := prefixIter(s.db, key("gap", ""))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Gap
	for it.First(); it.Valid(); it.Next() {
		var g Gap
		if err := json.Unmarshal(it.Value(), &g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, it.Error()
}

func (s *Store) ResolveGap(_ context.Context, g Gap) error {
	return s.db.Delete(gapKey(g), pebble.Sync)
}

package store

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"bourse/domain/matching"
)

// -------------------- State --------------------

type OutboxState uint8

const (
	OutboxNew OutboxState = iota
	OutboxSent
	OutboxAcked
	OutboxFailed
)

func (s OutboxState) String() string {
	switch s {
	case OutboxNew:
		return "NEW"
	case OutboxSent:
		return "SENT"
	case OutboxAcked:
		return "ACKED"
	case OutboxFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

// OutboxEntry is one trade awaiting delivery to settlement.
type OutboxEntry struct {
	TradeID     string
	Symbol      string
	State       OutboxState
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][symbolLen:2][symbol][payload]
func encodeOutbox(e OutboxEntry) []byte {
	buf := make([]byte, 1+4+8+2+len(e.Symbol)+len(e.Payload))
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(e.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(e.Symbol)))
	n := copy(buf[15:], e.Symbol)
	copy(buf[15+n:], e.Payload)
	return buf
}

var errOutboxRecord = errors.New("store: invalid outbox record")

func decodeOutbox(id string, b []byte) (OutboxEntry, error) {
	if len(b) < 15 {
		return OutboxEntry{}, errOutboxRecord
	}
	sl := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < 15+sl {
		return OutboxEntry{}, errOutboxRecord
	}
	return OutboxEntry{
		TradeID:     id,
		State:       OutboxState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Symbol:      string(b[15 : 15+sl]),
		Payload:     append([]byte(nil), b[15+sl:]...),
	}, nil
}

func outboxKey(tradeID string) []byte { return key("outbox", tradeID) }

func (s *Store) stageOutbox(b *pebble.Batch, t matching.Trade) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Set(outboxKey(t.ID), encodeOutbox(OutboxEntry{
		TradeID: t.ID,
		Symbol:  t.Symbol,
		State:   OutboxNew,
		Payload: payload,
	}), nil)
}

// -------------------- API --------------------

// UpdateOutbox records a delivery attempt outcome.
func (s *Store) UpdateOutbox(_ context.Context, e OutboxEntry, state OutboxState, retries uint32) error {
	e.State = state
	e.Retries = retries
	e.LastAttempt = time.Now().UnixNano()
	return s.db.Set(outboxKey(e.TradeID), encodeOutbox(e), pebble.Sync)
}

// DeleteOutbox removes ACKED entries.
func (s *Store) DeleteOutbox(_ context.Context, tradeID string) error {
	return s.db.Delete(outboxKey(tradeID), pebble.Sync)
}

func (s *Store) GetOutbox(_ context.Context, tradeID string) (OutboxEntry, error) {
	val, closer, err := s.db.Get(outboxKey(tradeID))
	if errors.Is(err, pebble.ErrNotFound) {
		return OutboxEntry{}, ErrNotFound
	}
	if err != nil {
		return OutboxEntry{}, err
	}
	defer closer.Close()
	return decodeOutbox(tradeID, val)
}

// -------------------- Scan --------------------

// ScanOutbox iterates entries in any of the given states. Returning an
// error from fn stops the scan.
func (s *Store) ScanOutbox(_ context.Context, fn func(OutboxEntry) error, states ...OutboxState) error {
	it, err := prefixIter(s.db, key("outbox", ""))
	if err != nil {
		return err
	}
	defer it.Close()

	want := make(map[OutboxState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	for it.First(); it.Valid(); it.Next() {
		id := string(it.Key()[len("outbox/"):])
		e, err := decodeOutbox(id, it.Value())
		if err != nil {
			return err
		}
		if len(want) > 0 && !want[e.State] {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return it.Error()
}

package journal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"
)

type RecordType uint8

const (
	RecordSubmit RecordType = iota + 1
	RecordCancel
	// RecordAbort voids an earlier intent that failed after it was journaled.
	RecordAbort
)

func (t RecordType) String() string {
	switch t {
	case RecordSubmit:
		return "submit"
	case RecordCancel:
		return "cancel"
	case RecordAbort:
		return "abort"
	default:
		return "unknown"
	}
}

type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}

var (
	ErrChecksum    = errors.New("journal: crc mismatch")
	ErrNonMonotone = errors.New("journal: non-monotonic sequence")
)

// Frame:
// [type:1][seq:8][time:8][len:4][payload][crc:4]
const headerSize = 1 + 8 + 8 + 4

func encode(r *Record) []byte {
	payloadLen := uint32(len(r.Data))
	buf := make([]byte, headerSize+int(payloadLen)+4)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[headerSize:], r.Data)

	binary.BigEndian.PutUint32(buf[headerSize+int(payloadLen):], crc32.ChecksumIEEE(buf[:headerSize+int(payloadLen)]))
	return buf
}

// Package journal is the intake write-ahead journal: every accepted submit
// or cancel intent is framed with a CRC and appended before it is queued
// for matching. Replay restores the submission sequencer after a restart.
package journal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
)

type Config struct {
	Dir         string
	SegmentSize int64
	// SyncEveryWrite fsyncs after each append.
	SyncEveryWrite bool
}

type Journal struct {
	mu      sync.Mutex
	dir     string
	segSize int64
	fsync   bool
	current *segment
	lastSeq uint64
}

// Open resumes the highest existing segment, or creates the first one.
func Open(cfg Config) (*Journal, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 8 << 20
	}

	files, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	index := 0
	if len(files) > 0 {
		index = segmentIndex(files[len(files)-1])
	}

	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}

	return &Journal{
		dir:     cfg.Dir,
		segSize: cfg.SegmentSize,
		fsync:   cfg.SyncEveryWrite,
		current: seg,
	}, nil
}

// Append writes r. Sequences must be strictly increasing across calls.
func (j *Journal) Append(r *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if r.Seq <= j.lastSeq {
		return ErrNonMonotone
	}
	if err := j.current.append(encode(r)); err != nil {
		return err
	}
	if j.fsync {
		if err := j.current.sync(); err != nil {
			return err
		}
	}
	j.lastSeq = r.Seq

	if j.current.offset >= j.segSize {
		return j.rotate()
	}
	return nil
}

// Observe tells the journal the last sequence already on disk, so Append
// keeps rejecting reuse after a replay.
func (j *Journal) Observe(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.lastSeq {
		j.lastSeq = seq
	}
}

func (j *Journal) rotate() error {
	if err := j.current.sync(); err != nil {
		return err
	}
	_ = j.current.close()

	seg, err := openSegment(j.dir, j.current.index+1)
	if err != nil {
		return err
	}
	j.current = seg
	return nil
}

// TruncateBefore removes closed segments whose records are all <= seq.
// The active segment is never removed.
func (j *Journal) TruncateBefore(seq uint64) (removed int, err error) {
	j.mu.Lock()
	active := j.current.index
	j.mu.Unlock()

	files, err := listSegments(j.dir)
	if err != nil {
		return 0, err
	}

	for _, path := range files {
		if segmentIndex(path) >= active {
			continue
		}
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			continue
		}
		if maxSeq <= seq {
			if err := os.Remove(path); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.current.sync(); err != nil {
		return err
	}
	return j.current.close()
}

// maxSeqInSegment scans headers only.
func maxSeqInSegment(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var max uint64
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return max, nil
			}
			return max, err
		}

		if seq := binary.BigEndian.Uint64(header[1:9]); seq > max {
			max = seq
		}

		payloadLen := binary.BigEndian.Uint32(header[17:21])
		if _, err := f.Seek(int64(payloadLen)+4, io.SeekCurrent); err != nil {
			return max, err
		}
	}
}
